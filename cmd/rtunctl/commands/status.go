package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

var errUnsupportedFormat = errors.New("unsupported output format")

// relaySessionStatus mirrors the JSON shape served by the relay's /status
// endpoint; field names match its json tags exactly.
type relaySessionStatus struct {
	Port      int       `json:"port"`
	State     string    `json:"state"`
	Peers     int       `json:"peers"`
	CreatedAt time.Time `json:"created_at"`
}

type relayStatus struct {
	PoolLow   int                  `json:"pool_low"`
	PoolHigh  int                  `json:"pool_high"`
	PoolInUse int                  `json:"pool_in_use"`
	PoolTotal int                  `json:"pool_total"`
	Sessions  []relaySessionStatus `json:"sessions"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show pool and session status from a relay's status endpoint",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := fetchRelayStatus(serverAddr)
			if err != nil {
				return err
			}

			out, err := formatRelayStatus(st, outputFormat)
			if err != nil {
				return err
			}

			fmt.Println(out)
			return nil
		},
	}
}

type hostStatus struct {
	Connected      bool  `json:"connected"`
	Port           int64 `json:"port"`
	LocalConnsOpen int64 `json:"local_conns_open"`
}

func hostStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "host-status",
		Short: "show tunnel status from an rtunhost's status endpoint",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := fetchHostStatus(serverAddr)
			if err != nil {
				return err
			}

			if outputFormat == formatJSON {
				b, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal status: %w", err)
				}
				fmt.Println(string(b))
				return nil
			}

			fmt.Printf("connected: %v\nport: %d\nlocal connections open: %d\n", st.Connected, st.Port, st.LocalConnsOpen)
			return nil
		},
	}
}

func fetchHostStatus(addr string) (*hostStatus, error) {
	resp, err := httpClient.Get("http://" + addr + "/status")
	if err != nil {
		return nil, fmt.Errorf("request status from %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint %s returned %s", addr, resp.Status)
	}

	var st hostStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	return &st, nil
}

func fetchRelayStatus(addr string) (*relayStatus, error) {
	resp, err := httpClient.Get("http://" + addr + "/status")
	if err != nil {
		return nil, fmt.Errorf("request status from %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint %s returned %s", addr, resp.Status)
	}

	var st relayStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	return &st, nil
}

func formatRelayStatus(st *relayStatus, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatRelayStatusJSON(st)
	case formatTable:
		return formatRelayStatusTable(st), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatRelayStatusJSON(st *relayStatus) (string, error) {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal status: %w", err)
	}
	return string(b), nil
}

func formatRelayStatusTable(st *relayStatus) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "pool: %d/%d ports in use (range %d-%d)\n", st.PoolInUse, st.PoolTotal, st.PoolLow, st.PoolHigh)

	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tSTATE\tPEERS\tCREATED")
	for _, sess := range st.Sessions {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", sess.Port, sess.State, sess.Peers, sess.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()

	return buf.String()
}
