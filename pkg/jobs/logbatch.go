package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/stashd/pkg/sharedstore"
)

// logBatcher buffers one job's output lines and flushes them to the shared
// store in batches: when the buffer reaches batchSize, or explicitly at
// read time. The store list is trimmed to maxLines, oldest first.
type logBatcher struct {
	store     sharedstore.Store
	key       string
	batchSize int
	maxLines  int64
	ttl       time.Duration
	log       *zap.Logger

	mu      sync.Mutex
	pending []string
}

func newLogBatcher(store sharedstore.Store, key string, batchSize int, maxLines int64, ttl time.Duration, log *zap.Logger) *logBatcher {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &logBatcher{
		store:     store,
		key:       key,
		batchSize: batchSize,
		maxLines:  maxLines,
		ttl:       ttl,
		log:       log,
	}
}

func (b *logBatcher) Append(ctx context.Context, line string) {
	b.mu.Lock()
	b.pending = append(b.pending, line)
	var batch []string
	if len(b.pending) >= b.batchSize {
		batch = b.pending
		b.pending = nil
	}
	b.mu.Unlock()

	if batch != nil {
		b.push(ctx, batch)
	}
}

// Flush writes any buffered lines immediately.
func (b *logBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.push(ctx, batch)
	}
}

func (b *logBatcher) push(ctx context.Context, batch []string) {
	if err := b.store.RPush(ctx, b.key, batch, b.maxLines, b.ttl); err != nil {
		b.log.Warn("log flush failed", zap.String("key", b.key), zap.Error(err))
	}
}
