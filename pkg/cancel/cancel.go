package cancel

import (
	"context"
	"fmt"
	"time"

	"github.com/seedvault/seedvault/pkg/kv"
)

// Bus carries cross-process "please stop job N" signals over the KV store.
// The queue runtime cannot deliver a cancellation into a handler already
// running on another host; workers poll the bus at their heartbeat tick and
// at cooperative cancellation points instead.
type Bus struct {
	kv  *kv.Client
	ttl time.Duration
}

// NewBus creates a cancellation bus. The TTL must outlive a worker restart
// (at least one recovery interval) so a signal raised while no worker was
// alive is still observed by the next one.
func NewBus(client *kv.Client, ttl time.Duration) *Bus {
	return &Bus{kv: client, ttl: ttl}
}

func jobKey(id int64) string {
	return fmt.Sprintf("job:cancel:%d", id)
}

// Signal marks the job as cancellation-requested.
func (b *Bus) Signal(ctx context.Context, jobID int64) error {
	return b.kv.Set(ctx, jobKey(jobID), "1", b.ttl)
}

// IsCancelled reports whether a cancellation signal is pending for the job.
func (b *Bus) IsCancelled(ctx context.Context, jobID int64) (bool, error) {
	_, found, err := b.kv.Get(ctx, jobKey(jobID))
	return found, err
}

// Clear removes the signal. Called by the worker after it has checkpointed
// and moved the job to CANCELLED.
func (b *Bus) Clear(ctx context.Context, jobID int64) error {
	return b.kv.Del(ctx, jobKey(jobID))
}
