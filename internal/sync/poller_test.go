package sync_test

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/e3mail/internal/keyscan"
	"github.com/nhle/e3mail/internal/sync"
	"github.com/nhle/e3mail/internal/transport/email"
)

type countingScanner struct {
	mu    gosync.Mutex
	calls map[string]int
	err   error
}

func (s *countingScanner) Scan(_ context.Context, req keyscan.Request) (*keyscan.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[req.AccountID]++
	if s.err != nil {
		return nil, s.err
	}
	return &keyscan.Report{AccountID: req.AccountID, Folder: req.Folder, Applied: 1}, nil
}

func (s *countingScanner) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func next(t *testing.T, p *sync.Poller) sync.Result {
	t.Helper()
	select {
	case res := <-p.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no scan result")
		return sync.Result{}
	}
}

func TestPollerScansOnStartAndTrigger(t *testing.T) {
	scanner := &countingScanner{}
	p := sync.New(scanner, zerolog.Nop())
	p.Register(sync.Account{ID: "work", Folder: "INBOX", Interval: time.Hour})
	p.Register(sync.Account{ID: "home", Folder: "INBOX", Interval: time.Hour})

	p.Start(context.Background())
	defer p.Stop()

	seen := map[string]bool{}
	seen[next(t, p).AccountID] = true
	seen[next(t, p).AccountID] = true
	assert.Equal(t, map[string]bool{"work": true, "home": true}, seen)

	require.True(t, p.Refresh("work"))
	res := next(t, p)
	assert.Equal(t, "work", res.AccountID)
	require.NoError(t, res.Error)
	assert.Equal(t, 1, res.Report.Applied)
	assert.Equal(t, 2, scanner.count("work"))
	assert.Equal(t, 1, scanner.count("home"))

	assert.False(t, p.Refresh("unknown"))

	statuses := p.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "work", statuses[0].AccountID)
	assert.Equal(t, sync.SyncIdle, statuses[0].State)
	assert.NotNil(t, statuses[0].LastReport)
}

func TestPollerReportsAuthFailure(t *testing.T) {
	scanner := &countingScanner{err: &email.AuthError{Username: "me", Err: errors.New("bad password")}}
	p := sync.New(scanner, zerolog.Nop())
	p.Register(sync.Account{ID: "work", Folder: "INBOX"})

	p.Start(context.Background())
	defer p.Stop()

	res := next(t, p)
	require.Error(t, res.Error)
	assert.True(t, res.AuthFailed)

	statuses := p.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, sync.SyncError, statuses[0].State)
	assert.Error(t, statuses[0].Error)
}

func TestPollerStopIsIdempotent(t *testing.T) {
	p := sync.New(&countingScanner{}, zerolog.Nop())
	p.Register(sync.Account{ID: "work", Folder: "INBOX"})
	p.Start(context.Background())
	next(t, p)

	p.Stop()
	p.Stop()
	p.RefreshAll()
}
