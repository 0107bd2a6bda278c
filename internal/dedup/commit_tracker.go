// Package dedup keeps reviews idempotent across webhook redeliveries:
// a TTL cache of reviewed head commits, and a cleanup pass over the
// bot's prior comments on a merge request.
package dedup

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/diffcritic/pkg/models"
)

// DefaultCommitTTL keeps a reviewed commit for a day.
const DefaultCommitTTL = 24 * time.Hour

// CommitTracker remembers which head commits have already been
// reviewed. Entries expire after the configured TTL and are swept
// lazily on every read. State is in-memory only; a restart forgets
// history, which at worst costs one duplicate review.
type CommitTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]models.ReviewedCommit
	now     func() time.Time
}

// NewCommitTracker builds a tracker with the given TTL, falling back
// to DefaultCommitTTL when it is unset.
func NewCommitTracker(ttl time.Duration) *CommitTracker {
	if ttl <= 0 {
		ttl = DefaultCommitTTL
	}
	return &CommitTracker{
		ttl:     ttl,
		entries: make(map[string]models.ReviewedCommit),
		now:     time.Now,
	}
}

// sweep drops entries whose expiry has passed. Callers hold the lock.
func (t *CommitTracker) sweep() {
	now := t.now()
	for key, entry := range t.entries {
		if !entry.ExpiresAt.After(now) {
			delete(t.entries, key)
		}
	}
}

// IsReviewed reports whether this exact head commit was reviewed and
// the record is still within its TTL.
func (t *CommitTracker) IsReviewed(projectID string, mrIID int, sha string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	_, ok := t.entries[models.CommitKey(projectID, mrIID, sha)]
	return ok
}

// MarkReviewed records a completed review of the commit.
func (t *CommitTracker) MarkReviewed(projectID string, mrIID int, sha string, commentCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.entries[models.CommitKey(projectID, mrIID, sha)] = models.ReviewedCommit{
		ProjectID:    projectID,
		MRIID:        mrIID,
		CommitSHA:    sha,
		ReviewedAt:   now,
		CommentCount: commentCount,
		ExpiresAt:    now.Add(t.ttl),
	}
}

// ClearMR forgets every reviewed commit of one merge request, so a
// reopened MR is reviewed again immediately. Returns how many records
// were dropped.
func (t *CommitTracker) ClearMR(projectID string, mrIID int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := fmt.Sprintf("%s:%d:", projectID, mrIID)
	removed := 0
	for key := range t.entries {
		if strings.HasPrefix(key, prefix) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// CommitStats is a point-in-time snapshot of the tracker.
type CommitStats struct {
	Entries int           `json:"entries"`
	TTL     time.Duration `json:"ttl"`
}

// Stats sweeps and reports the live entry count.
func (t *CommitTracker) Stats() CommitStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep()
	return CommitStats{Entries: len(t.entries), TTL: t.ttl}
}
