// Package commands implements the rtunctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient is the client used for all status endpoint requests.
	httpClient = &http.Client{Timeout: 5 * time.Second}

	// serverAddr is the relay or host status endpoint address (host:port).
	serverAddr string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string
)

// rootCmd is the top-level cobra command for rtunctl.
var rootCmd = &cobra.Command{
	Use:           "rtunctl",
	Short:         "CLI client for rtund/rtunhost status endpoints",
	Long:          "rtunctl queries the plain HTTP/JSON status endpoint served by rtund or rtunhost.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:9101",
		"status endpoint address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(hostStatusCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
