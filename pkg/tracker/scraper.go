package tracker

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/log"
	"github.com/seedvault/seedvault/pkg/types"
)

// Config tunes the scrape fan-out
type Config struct {
	// Timeout applies per tracker, per attempt.
	Timeout time.Duration
	// Retries is the number of attempts per tracker.
	Retries int
	// PublicFallback is used when a torrent carries no usable trackers or
	// none of its own trackers respond.
	PublicFallback []string
}

// DefaultConfig returns the production scrape settings.
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,
		Retries: 3,
		PublicFallback: []string{
			"udp://tracker.opentrackr.org:1337/announce",
			"udp://open.tracker.cl:1337/announce",
			"udp://tracker.torrent.eu.org:451/announce",
			"udp://exodus.desync.com:6969/announce",
		},
	}
}

// Scraper queries UDP trackers for swarm counts
type Scraper struct {
	cfg Config

	// scrapeFn is swapped by tests to avoid real sockets.
	scrapeFn func(ctx context.Context, addr string, infoHash [20]byte) (int32, int32, int32, error)
}

// NewScraper creates a scraper.
func NewScraper(cfg Config) *Scraper {
	return &Scraper{cfg: cfg, scrapeFn: scrapeOnce}
}

// ParseInfoHash decodes a 40-char hex v1 info-hash. v2-only torrents carry
// no v1 hash and are rejected before any packet is sent.
func ParseInfoHash(hexHash string) ([20]byte, error) {
	var out [20]byte
	if hexHash == "" {
		return out, errdefs.New(errdefs.CodeInvalidTorrent, "torrent has no v1 info-hash; udp scrape requires one")
	}
	raw, err := hex.DecodeString(hexHash)
	if err != nil || len(raw) != 20 {
		return out, errdefs.New(errdefs.CodeInvalidTorrent, "malformed v1 info-hash %q", hexHash)
	}
	copy(out[:], raw)
	return out, nil
}

// Scrape queries every tracker in parallel and aggregates the results:
// seeders/leechers/completed are the max across responding trackers. When
// the input list is empty, the public fallback set is used; when the input
// list exists but nobody responds, the fallback set is tried next.
func (s *Scraper) Scrape(ctx context.Context, hexHash string, trackers []string) (*types.ScrapeAggregate, error) {
	infoHash, err := ParseInfoHash(hexHash)
	if err != nil {
		return nil, err
	}

	usedFallback := false
	if len(trackers) == 0 {
		trackers = s.cfg.PublicFallback
		usedFallback = true
	}

	agg := s.scrapeSet(ctx, infoHash, trackers)
	agg.InfoHash = hexHash

	if agg.TrackersSuccess == 0 && !usedFallback {
		fallback := s.scrapeSet(ctx, infoHash, s.cfg.PublicFallback)
		fallback.InfoHash = hexHash
		// Keep the original totals so callers can see the torrent's own
		// trackers were dead.
		fallback.TrackersTotal = agg.TrackersTotal
		agg = fallback
	}
	return agg, nil
}

func (s *Scraper) scrapeSet(ctx context.Context, infoHash [20]byte, trackers []string) *types.ScrapeAggregate {
	logger := log.WithComponent("tracker")

	var mu sync.Mutex
	agg := &types.ScrapeAggregate{
		TrackersTotal: len(trackers),
		ScrapedAt:     time.Now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rawURL := range trackers {
		g.Go(func() error {
			res := s.scrapeTracker(gctx, rawURL, infoHash)
			if res.Err != nil {
				logger.Debug().Err(res.Err).Str("tracker", rawURL).Msg("tracker scrape failed")
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			agg.TrackersSuccess++
			if res.Seeders > agg.Seeders {
				agg.Seeders = res.Seeders
			}
			if res.Leechers > agg.Leechers {
				agg.Leechers = res.Leechers
			}
			if res.Completed > agg.Completed {
				agg.Completed = res.Completed
			}
			return nil
		})
	}
	g.Wait()
	return agg
}

// scrapeTracker retries a single tracker up to cfg.Retries times with the
// per-attempt timeout.
func (s *Scraper) scrapeTracker(ctx context.Context, rawURL string, infoHash [20]byte) types.ScrapeResult {
	res := types.ScrapeResult{Tracker: rawURL}

	addr, err := trackerAddr(rawURL)
	if err != nil {
		res.Err = err
		return res
	}

	for attempt := 0; attempt < s.cfg.Retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		seeders, completed, leechers, err := s.scrapeFn(attemptCtx, addr, infoHash)
		cancel()
		if err == nil {
			res.Seeders = seeders
			res.Completed = completed
			res.Leechers = leechers
			return res
		}
		res.Err = err
		if ctx.Err() != nil {
			return res
		}
	}
	return res
}
