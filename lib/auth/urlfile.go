package auth

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// URLFileName is the published connect-URL file inside the config dir.
const URLFileName = "cdp-url"

// ConnectURL builds the client connect URL for a loopback host and port.
func ConnectURL(host string, port int, token Token) string {
	return fmt.Sprintf("ws://%s/cdp?token=%s", net.JoinHostPort(host, strconv.Itoa(port)), token)
}

// PublishURL writes the connect URL to dir atomically: the content lands in
// a temp file in the same directory and is renamed into place, so readers
// never observe a partial write. The file holds the token, hence mode 0600.
func PublishURL(dir, url string) error {
	tmp, err := os.CreateTemp(dir, "."+URLFileName+"-*")
	if err != nil {
		return fmt.Errorf("create temp url file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(url + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp url file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp url file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp url file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, URLFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish url file: %w", err)
	}
	return nil
}

// ReadURL returns the published connect URL, or an error when none exists.
func ReadURL(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, URLFileName))
	if err != nil {
		return "", fmt.Errorf("read url file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// RemoveURL deletes the published URL file. Missing files are not an error;
// clean shutdown calls this unconditionally.
func RemoveURL(dir string) error {
	err := os.Remove(filepath.Join(dir, URLFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove url file: %w", err)
	}
	return nil
}
