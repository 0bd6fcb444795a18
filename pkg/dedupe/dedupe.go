// Package dedupe prevents duplicate concurrent work for identical content
// requests using shared-store locks keyed by a content digest.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/stashd/pkg/sharedstore"
)

// keyVersion is baked into every content key. Changing KeyFields' shape
// changes hashing and therefore dedupe behavior, so the version must be
// bumped deliberately alongside any field change.
const keyVersion = 1

// KeyFields is the normalized, versioned set of request-defining fields.
// Optional string fields are omitted when empty; booleans always
// participate so that flag flips produce distinct keys.
type KeyFields struct {
	URL        string `json:"url"`
	Song       bool   `json:"song"`
	Atmos      bool   `json:"atmos"`
	AAC        bool   `json:"aac"`
	Select     bool   `json:"select"`
	AllAlbum   bool   `json:"all_album"`
	Debug      bool   `json:"debug"`
	SearchType string `json:"search_type,omitempty"`
	SearchTerm string `json:"search_term,omitempty"`
}

// ContentKey derives the deterministic digest for a request. Two requests
// with identical fields always map to the same key; the struct fixes the
// serialization order so callers cannot perturb it.
func ContentKey(f KeyFields) string {
	payload, err := json.Marshal(f)
	if err != nil {
		// KeyFields is plain data; Marshal cannot fail on it.
		panic(fmt.Sprintf("marshal key fields: %v", err))
	}
	h := sha256.New()
	fmt.Fprintf(h, "v%d|", keyVersion)
	h.Write(payload)
	return "content:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Guard provides atomic acquire/release of the content-key → job lock.
//
// When the shared store is degraded the guard is disabled: acquire trivially
// succeeds and no cross-process exclusion is provided. Callers can observe
// that through Enabled().
type Guard struct {
	store   sharedstore.Store
	ttl     time.Duration
	enabled bool
	log     *zap.Logger
}

// NewGuard builds a Guard. enabled is typically the dedupe feature flag;
// the guard additionally requires an available store.
func NewGuard(store sharedstore.Store, ttl time.Duration, enabled bool, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		store:   store,
		ttl:     ttl,
		enabled: enabled && store.Available(),
		log:     log,
	}
}

// Enabled reports whether duplicate suppression is actually in force.
func (g *Guard) Enabled() bool { return g.enabled }

func lockKey(contentKey string) string { return "lock:" + contentKey }
func jobKey(contentKey string) string  { return "job:" + contentKey }

// Acquire takes the lock for contentKey on behalf of jobID. On success the
// readable content→job mapping is recorded with the same TTL. Returns
// whether this caller now owns the lock.
func (g *Guard) Acquire(ctx context.Context, contentKey, jobID string) (bool, error) {
	if !g.enabled {
		return true, nil
	}
	ok, err := g.store.SetNX(ctx, lockKey(contentKey), jobID, g.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", contentKey, err)
	}
	if !ok {
		return false, nil
	}
	if err := g.store.Set(ctx, jobKey(contentKey), jobID, g.ttl); err != nil {
		return true, fmt.Errorf("record lock mapping %s: %w", contentKey, err)
	}
	g.log.Debug("dedupe lock acquired",
		zap.String("content_key", contentKey),
		zap.String("job_id", jobID))
	return true, nil
}

// Owner returns the job id currently holding the lock for contentKey.
func (g *Guard) Owner(ctx context.Context, contentKey string) (string, bool, error) {
	if !g.enabled {
		return "", false, nil
	}
	return g.store.Get(ctx, jobKey(contentKey))
}

// Release drops the lock iff jobID still owns it. A stale release from an
// old owner leaves a newer acquirer's lock intact.
func (g *Guard) Release(ctx context.Context, contentKey, jobID string) (bool, error) {
	if !g.enabled {
		return true, nil
	}
	ok, err := g.store.CompareAndDelete(ctx, lockKey(contentKey), jobID, jobKey(contentKey))
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", contentKey, err)
	}
	if !ok {
		g.log.Warn("dedupe lock not owned at release",
			zap.String("content_key", contentKey),
			zap.String("job_id", jobID))
	}
	return ok, nil
}
