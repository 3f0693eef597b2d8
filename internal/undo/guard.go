package undo

import (
	"context"
	"fmt"
)

// SearchSettings reads and writes an account's remote-search setting.
type SearchSettings interface {
	RemoteSearchEnabled(ctx context.Context, accountID string) (bool, error)
	SetRemoteSearch(ctx context.Context, accountID string, enabled bool) error
}

// AcquireRemoteSearch enables remote search for the account and returns a
// release func restoring the prior setting. release ignores cancellation
// of ctx so the setting is restored on every exit path.
func AcquireRemoteSearch(ctx context.Context, settings SearchSettings, accountID string) (release func() error, err error) {
	prior, err := settings.RemoteSearchEnabled(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("reading remote search setting: %w", err)
	}
	if prior {
		return func() error { return nil }, nil
	}

	if err := settings.SetRemoteSearch(ctx, accountID, true); err != nil {
		return nil, fmt.Errorf("enabling remote search: %w", err)
	}

	restoreCtx := context.WithoutCancel(ctx)
	released := false
	return func() error {
		if released {
			return nil
		}
		released = true
		if err := settings.SetRemoteSearch(restoreCtx, accountID, prior); err != nil {
			return fmt.Errorf("restoring remote search setting: %w", err)
		}
		return nil
	}, nil
}
