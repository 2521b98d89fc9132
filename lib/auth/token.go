// Package auth manages the relay's single shared secret: its generation,
// on-disk persistence, and enforcement on HTTP and WebSocket surfaces.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenFileName is the token's file name inside the relay config dir.
const TokenFileName = "auth-token"

const tokenBytes = 32

// Token is the 256-bit shared secret in lower-case hex.
type Token string

// Matches compares a candidate in constant time.
func (t Token) Matches(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(t), []byte(candidate)) == 1
}

func validToken(s string) bool {
	if len(s) != tokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func generateToken() (Token, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return Token(hex.EncodeToString(buf)), nil
}

// EnsureToken loads the persisted token from dir, generating and persisting
// a fresh one when the file is absent or malformed. The file is written with
// mode 0600 and the directory is created with 0700 when missing.
func EnsureToken(dir string) (Token, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}

	path := filepath.Join(dir, TokenFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		tok := strings.TrimSpace(string(data))
		if validToken(tok) {
			return Token(tok), nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read token file: %w", err)
	}

	tok, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}
	return tok, nil
}
