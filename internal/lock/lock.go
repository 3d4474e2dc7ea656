// Package lock implements the resource lock table described in
// spec.md §4.3 step 1: before a refresh transaction touches any
// sz_dm_record/sz_dm_relation row, it claims every resource key the
// delta computer identified, in the delta package's canonical order
// (RECORD before RELATIONSHIP, then lexicographic). Claiming the rows
// in that fixed order, inside the same database transaction that will
// do the rest of the work, means two concurrent refreshes that touch
// an overlapping resource set always contend for rows in the same
// order — one blocks behind the other instead of each holding what the
// other needs.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/senzing-garage/data-mart-replicator/internal/delta"
)

// ConflictError describes a resource key already claimed by a
// different, still-live modifier. AcquireAll never returns it: a
// conflicting claim is overwritten in place, and SQLite's
// transaction-level serialization keeps two writers from claiming at
// once. The type is kept for interface parity with the original
// multi-writer lock table.
type ConflictError struct {
	Key        delta.ResourceKey
	HolderID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock: resource %s already held by %s", e.Key, e.HolderID)
}

// Execer is the subset of *sql.Tx the Locker needs, so callers can pass
// either a live transaction or (in tests) a bare *sql.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AcquireAll claims every resource key in canonical order, stamping
// modifierID as the current holder. It must be called within the same
// transaction that will go on to modify the corresponding
// sz_dm_record/sz_dm_relation rows, so the row lock and the data
// change commit or roll back together.
func AcquireAll(ctx context.Context, ex Execer, modifierID string, keys []delta.ResourceKey) error {
	ordered := sortedCopy(keys)
	claimedAt := time.Now().UTC().Format(time.RFC3339)
	for _, key := range ordered {
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO sz_dm_locks (resource_key, modifier_id, claimed_at)
			VALUES (?, ?, ?)
			ON CONFLICT (resource_key) DO UPDATE SET modifier_id = excluded.modifier_id, claimed_at = excluded.claimed_at
		`, key.String(), modifierID, claimedAt); err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
	}
	return nil
}

// Release clears the holder stamp for a set of resource keys. Called
// inside the refresh transaction just before commit, it frees the
// claims exactly when that transaction commits. Rows are never deleted
// and claimed_at keeps the time of the last claim; a row whose holder
// stamp is still set is what internal/refresh's Bootstrapper reads at
// startup as a stale claim.
func Release(ctx context.Context, ex Execer, keys []delta.ResourceKey) error {
	for _, key := range sortedCopy(keys) {
		if _, err := ex.ExecContext(ctx, `
			UPDATE sz_dm_locks SET modifier_id = '' WHERE resource_key = ?
		`, key.String()); err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
	}
	return nil
}

func sortedCopy(keys []delta.ResourceKey) []delta.ResourceKey {
	out := make([]delta.ResourceKey, len(keys))
	copy(out, keys)
	// delta.Compute already returns ResourceKeys pre-sorted in canonical
	// order; re-sorting here keeps this package correct even when a
	// caller assembles keys from multiple Delta results.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b delta.ResourceKey) bool {
	if a.Kind != b.Kind {
		return a.Kind == delta.ResourceRecord
	}
	return a.String() < b.String()
}
