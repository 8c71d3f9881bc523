package zfs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ReuseDecision is the answer to a snapshot name collision, which can
// only happen within the same minute or after a crashed run.
type ReuseDecision int

const (
	Reuse ReuseDecision = iota
	Recreate
)

// AlwaysReuse is the decision function for automated runs.
func AlwaysReuse(string) (ReuseDecision, error) { return Reuse, nil }

// EnsureSnapshot creates the recursive backup snapshot for the pool, or
// handles a name collision through the decide callback. It never
// silently overwrites an existing snapshot.
func EnsureSnapshot(ctx context.Context, pool string, t time.Time, decide func(name string) (ReuseDecision, error)) (string, error) {
	name := SnapshotName(pool, t)

	exists, err := SnapshotExists(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to check snapshot %s: %w", name, err)
	}
	if exists {
		decision, err := decide(name)
		if err != nil {
			return "", err
		}
		switch decision {
		case Reuse:
			slog.Info("Reusing existing snapshot", "snapshot", name)
			return name, nil
		case Recreate:
			if err := DestroySnapshot(ctx, name); err != nil {
				return "", err
			}
		}
	}

	if err := CreateSnapshot(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}
