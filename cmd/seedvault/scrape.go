package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/seedvault/seedvault/pkg/health"
	"github.com/seedvault/seedvault/pkg/tracker"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape <info-hash> [tracker-url...]",
	Short: "Scrape UDP trackers for swarm health",
	Long: `Query UDP trackers for the given v1 info-hash and print the
aggregated swarm counts plus the derived health classification.

With no tracker URLs, the public fallback set is used.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScrape,
}

func init() {
	scrapeCmd.Flags().Duration("timeout", 5*time.Second, "Per-tracker timeout")
	scrapeCmd.Flags().Int("retries", 3, "Attempts per tracker")
}

func runScrape(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	retries, _ := cmd.Flags().GetInt("retries")

	cfg := tracker.DefaultConfig()
	cfg.Timeout = timeout
	cfg.Retries = retries

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(retries+1)*timeout*2)
	defer cancel()

	agg, err := tracker.NewScraper(cfg).Scrape(ctx, args[0], args[1:])
	if err != nil {
		return err
	}
	m := health.Evaluate(agg, health.DefaultThresholds())

	return printJSON(struct {
		InfoHash        string  `json:"infoHash"`
		Seeders         int32   `json:"seeders"`
		Leechers        int32   `json:"leechers"`
		Completed       int32   `json:"completed"`
		TrackersSuccess int     `json:"trackersSuccess"`
		TrackersTotal   int     `json:"trackersTotal"`
		SeederRatio     float64 `json:"seederRatio"`
		IsComplete      bool    `json:"isComplete"`
		IsDead          bool    `json:"isDead"`
		IsWeak          bool    `json:"isWeak"`
		IsHealthy       bool    `json:"isHealthy"`
		Score           int     `json:"score"`
	}{
		InfoHash:        agg.InfoHash,
		Seeders:         agg.Seeders,
		Leechers:        agg.Leechers,
		Completed:       agg.Completed,
		TrackersSuccess: agg.TrackersSuccess,
		TrackersTotal:   agg.TrackersTotal,
		SeederRatio:     m.SeederRatio,
		IsComplete:      m.IsComplete,
		IsDead:          m.IsDead,
		IsWeak:          m.IsWeak,
		IsHealthy:       m.IsHealthy,
		Score:           m.Score,
	})
}
