// chain-verify audits a running governance core's proof chain over its
// REST API. Exit code 0 means the chain holds; 1 means a broken link or
// an unreachable service. Suitable for cron or a readiness gate.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

type verifyResponse struct {
	Valid    bool    `json:"valid"`
	Checked  uint64  `json:"checked"`
	BrokenAt *uint64 `json:"broken_at,omitempty"`
}

func main() {
	baseURL := flag.String("url", envOr("GOVERNANCE_URL", "http://localhost:8080"), "base URL of the governance service")
	from := flag.Uint64("from", 0, "verify from this sequence number")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	client := &http.Client{Timeout: *timeout}
	url := fmt.Sprintf("%s/api/v1/proof/verify?from=%d", *baseURL, *from)

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chain-verify: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "chain-verify: service answered %s\n", resp.Status)
		os.Exit(1)
	}

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "chain-verify: bad response: %v\n", err)
		os.Exit(1)
	}

	if !result.Valid {
		if result.BrokenAt != nil {
			fmt.Fprintf(os.Stderr, "chain BROKEN at seq %d\n", *result.BrokenAt)
		} else {
			fmt.Fprintln(os.Stderr, "chain BROKEN")
		}
		os.Exit(1)
	}

	fmt.Printf("chain OK: %d entries verified from seq %d\n", result.Checked, *from)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
