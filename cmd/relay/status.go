package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/browserforce/relay/cmd/config"
	"github.com/browserforce/relay/lib/admin"
	"github.com/browserforce/relay/lib/auth"
)

const probeTimeout = 2 * time.Second

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the health of a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status JSON")
	return cmd
}

// statusReport is what `relay status --json` prints.
type statusReport struct {
	URL        string                    `json:"url"`
	Health     admin.StatusResponse      `json:"health"`
	Logs       *admin.LogsStatusResponse `json:"logs,omitempty"`
	CDPReached bool                      `json:"cdpReachable"`
}

func runStatus(asJSON bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	wsURL := cfg.PublishedURL
	if wsURL == "" {
		wsURL, err = auth.ReadURL(cfg.ConfigDir)
		if err != nil {
			return fmt.Errorf("no published relay URL (is the relay running?): %w", err)
		}
	}
	base, err := httpBase(wsURL)
	if err != nil {
		return err
	}

	report := statusReport{URL: wsURL}

	// Poll briefly so `status` right after `serve` does not race the bind.
	err = retry.New(
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		return getJSON(base+"/", &report.Health)
	})
	if err != nil {
		return fmt.Errorf("relay unreachable at %s: %w", base, err)
	}

	var logs admin.LogsStatusResponse
	if err := getJSON(base+"/logs/status", &logs); err == nil {
		report.Logs = &logs
	}
	report.CDPReached = isWebSocketAvailable(wsURL)

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printHuman(report)
	if !report.CDPReached {
		return fmt.Errorf("cdp endpoint did not accept a WebSocket connection")
	}
	return nil
}

func printHuman(report statusReport) {
	check := func(ok bool) string {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			if ok {
				return "ok"
			}
			return "FAIL"
		}
		if ok {
			return "✓"
		}
		return "✗"
	}

	fmt.Printf("relay:     %s %s\n", check(report.Health.Status == "ok"), report.URL)
	fmt.Printf("extension: %s\n", check(report.Health.Extension))
	fmt.Printf("cdp:       %s\n", check(report.CDPReached))
	fmt.Printf("targets:   %d\n", report.Health.Targets)
	fmt.Printf("clients:   %d\n", report.Health.Clients)
	if report.Logs != nil {
		fmt.Printf("log seq:   %d\n", report.Logs.LatestSeq)
	}
}

// httpBase turns the published ws:// connect URL into the admin http base.
func httpBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	return "http://" + u.Host, nil
}

func getJSON(rawURL string, dst any) error {
	client := &http.Client{Timeout: probeTimeout}
	resp, err := client.Get(rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", rawURL, resp.Status, body)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// isWebSocketAvailable dials the CDP endpoint to confirm it accepts
// WebSocket upgrades, not just TCP connections.
func isWebSocketAvailable(wsURL string) bool {
	u, err := url.Parse(wsURL)
	if err != nil {
		return false
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(host, "80")
	}

	conn, err := net.DialTimeout("tcp", host, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()

	dialer := websocket.Dialer{
		HandshakeTimeout: probeTimeout,
	}
	wsConn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return false
	}
	defer wsConn.Close()

	return true
}
