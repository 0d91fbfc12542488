package events

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seedvault/seedvault/pkg/kv"
	"github.com/seedvault/seedvault/pkg/log"
	"github.com/seedvault/seedvault/pkg/types"
)

const (
	// JobsStream carries job lifecycle and download-progress events.
	JobsStream = "jobs:stream"

	// streamMaxLen bounds stream growth; events are live fan-out only, so
	// old entries are worthless.
	streamMaxLen = 10_000
)

// UploadStream returns the per-provider upload progress stream name.
func UploadStream(provider types.Provider) string {
	return "uploads:" + string(provider) + ":stream"
}

// Event is one progress or lifecycle notification
type Event struct {
	JobID     int64
	Kind      string // "status", "download_progress", "upload_progress"
	Status    string
	BytesDone int64
	Total     int64
	At        time.Time
}

// Publisher fans events out to Redis streams. Publishing is best effort:
// a dropped event costs a UI refresh, never correctness.
type Publisher struct {
	kv *kv.Client
}

// NewPublisher creates a stream publisher.
func NewPublisher(client *kv.Client) *Publisher {
	return &Publisher{kv: client}
}

// JobStatus publishes a status change for a job.
func (p *Publisher) JobStatus(ctx context.Context, jobID int64, status types.JobStatus) {
	p.emit(ctx, JobsStream, Event{
		JobID:  jobID,
		Kind:   "status",
		Status: string(status),
		At:     time.Now().UTC(),
	})
}

// DownloadProgress publishes byte counters for a running download.
func (p *Publisher) DownloadProgress(ctx context.Context, jobID int64, done, total int64) {
	p.emit(ctx, JobsStream, Event{
		JobID:     jobID,
		Kind:      "download_progress",
		BytesDone: done,
		Total:     total,
		At:        time.Now().UTC(),
	})
}

// UploadProgress publishes byte counters for a running upload on the
// provider's stream.
func (p *Publisher) UploadProgress(ctx context.Context, provider types.Provider, jobID int64, done, total int64) {
	p.emit(ctx, UploadStream(provider), Event{
		JobID:     jobID,
		Kind:      "upload_progress",
		BytesDone: done,
		Total:     total,
		At:        time.Now().UTC(),
	})
}

func (p *Publisher) emit(ctx context.Context, stream string, ev Event) {
	err := p.kv.XAdd(ctx, stream, streamMaxLen, map[string]any{
		"job_id":     ev.JobID,
		"kind":       ev.Kind,
		"status":     ev.Status,
		"bytes_done": ev.BytesDone,
		"total":      ev.Total,
		"at":         ev.At.Format(time.RFC3339Nano),
	})
	if err != nil {
		logger := log.WithComponent("events")
		logger.Debug().Err(err).Str("stream", stream).Msg("event publish failed")
	}
}

// Reader consumes a stream through a consumer group. Used by the API tier
// to push live progress to clients.
type Reader struct {
	kv       *kv.Client
	stream   string
	group    string
	consumer string
}

// NewReader creates a consumer-group reader, creating the group at the
// start of the stream if it does not exist yet.
func NewReader(ctx context.Context, client *kv.Client, stream, group, consumer string) (*Reader, error) {
	err := client.Redis().XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, err
	}
	return &Reader{kv: client, stream: stream, group: group, consumer: consumer}, nil
}

// Next blocks up to the given duration for the next batch of events and
// acks them immediately; progress events are fire-and-forget.
func (r *Reader) Next(ctx context.Context, block time.Duration, count int64) ([]Event, error) {
	res, err := r.kv.Redis().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, stream := range res {
		for _, msg := range stream.Messages {
			events = append(events, parseEvent(msg.Values))
			r.kv.Redis().XAck(ctx, r.stream, r.group, msg.ID)
		}
	}
	return events, nil
}

func parseEvent(values map[string]any) Event {
	ev := Event{
		JobID:     parseInt(values["job_id"]),
		BytesDone: parseInt(values["bytes_done"]),
		Total:     parseInt(values["total"]),
	}
	if s, ok := values["kind"].(string); ok {
		ev.Kind = s
	}
	if s, ok := values["status"].(string); ok {
		ev.Status = s
	}
	if s, ok := values["at"].(string); ok {
		ev.At, _ = time.Parse(time.RFC3339Nano, s)
	}
	return ev
}

func parseInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
