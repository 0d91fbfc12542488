package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "seedvault",
	Short: "Seedvault - torrent to cloud-storage pipeline worker",
	Long: `Seedvault downloads torrents on behalf of users and delivers the
content to their own cloud storage (Google Drive, S3-compatible stores)
with resumable, crash-safe transfers.

This binary runs the worker process: queue handlers for download, upload
and sync jobs, plus the orphan recovery monitor.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Seedvault version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(scrapeCmd)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
