package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/e3mail/internal/keyscan"
	"github.com/nhle/e3mail/internal/transport/email"
)

// SyncState represents the current state of an account's key scan.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the scan state for a single account.
type SyncStatus struct {
	AccountID  string
	State      SyncState
	LastSync   time.Time
	LastReport *keyscan.Report
	Error      error
}

// Result is published after every scan.
type Result struct {
	AccountID string
	Report    *keyscan.Report
	Error     error

	// AuthFailed is set when the server rejected the account credentials.
	AuthFailed bool
}

// Scanner runs one key scan.
type Scanner interface {
	Scan(ctx context.Context, req keyscan.Request) (*keyscan.Report, error)
}

// Account is a mailbox the poller scans.
type Account struct {
	ID       string
	DeviceID string
	Folder   string
	Interval time.Duration
}

// DefaultInterval is used for accounts registered without an interval.
const DefaultInterval = 120 * time.Second

// scanTimeout is the maximum time allowed for a single scan.
const scanTimeout = 2 * time.Minute

type accountEntry struct {
	account Account
	trigger chan struct{}
}

// Poller orchestrates background key scans of registered accounts.
type Poller struct {
	scanner  Scanner
	logger   zerolog.Logger
	accounts []accountEntry
	statuses map[string]*SyncStatus
	resultCh chan Result
	stopCh   chan struct{}
	wg       gosync.WaitGroup
	mu       gosync.Mutex
	running  bool
}

// New creates a new Poller running scans through scanner.
func New(scanner Scanner, logger zerolog.Logger) *Poller {
	return &Poller{
		scanner:  scanner,
		logger:   logger.With().Str("component", "poller").Logger(),
		statuses: make(map[string]*SyncStatus),
		resultCh: make(chan Result, 16),
		stopCh:   make(chan struct{}),
	}
}

// Register adds an account to the poller. It must be called before Start.
func (p *Poller) Register(acc Account) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if acc.Interval <= 0 {
		acc.Interval = DefaultInterval
	}
	p.accounts = append(p.accounts, accountEntry{
		account: acc,
		trigger: make(chan struct{}, 1),
	})
	p.statuses[acc.ID] = &SyncStatus{AccountID: acc.ID, State: SyncIdle}
}

// Start launches one polling goroutine per account. Each account is
// scanned immediately, then on its interval.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	entries := make([]accountEntry, len(p.accounts))
	copy(entries, p.accounts)
	p.mu.Unlock()

	for _, entry := range entries {
		p.wg.Add(1)
		go p.pollAccount(ctx, entry)
	}
}

// Stop halts all polling goroutines and waits for running scans to
// return.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

// Results delivers scan results. Results are dropped when nobody reads
// them.
func (p *Poller) Results() <-chan Result {
	return p.resultCh
}

// RefreshAll triggers an immediate scan of every account.
func (p *Poller) RefreshAll() {
	p.mu.Lock()
	entries := make([]accountEntry, len(p.accounts))
	copy(entries, p.accounts)
	p.mu.Unlock()

	for _, entry := range entries {
		select {
		case entry.trigger <- struct{}{}:
		default:
			// A scan is already pending.
		}
	}
}

// Refresh triggers an immediate scan of one account. It reports whether
// the account is registered.
func (p *Poller) Refresh(accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.accounts {
		if entry.account.ID != accountID {
			continue
		}
		select {
		case entry.trigger <- struct{}{}:
		default:
		}
		return true
	}
	return false
}

// Statuses returns the current scan status of every account, in
// registration order.
func (p *Poller) Statuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.accounts))
	for _, entry := range p.accounts {
		statuses = append(statuses, *p.statuses[entry.account.ID])
	}
	return statuses
}

// pollAccount runs the polling loop for a single account.
func (p *Poller) pollAccount(ctx context.Context, entry accountEntry) {
	defer p.wg.Done()

	ticker := time.NewTicker(entry.account.Interval)
	defer ticker.Stop()

	p.scan(ctx, entry.account)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scan(ctx, entry.account)
		case <-entry.trigger:
			p.scan(ctx, entry.account)
		}
	}
}

// scan performs a single key scan and publishes its result.
func (p *Poller) scan(ctx context.Context, acc Account) {
	p.setStatus(acc.ID, SyncRunning, nil, nil)

	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	rep, err := p.scanner.Scan(ctx, keyscan.Request{AccountID: acc.ID, Folder: acc.Folder, DeviceID: acc.DeviceID})
	if err != nil {
		p.setStatus(acc.ID, SyncError, nil, err)
		authFailed := email.IsAuthError(err)
		p.logger.Error().Err(err).
			Str("account", acc.ID).
			Bool("auth_failed", authFailed).
			Msg("key scan failed")
		p.sendResult(Result{AccountID: acc.ID, Report: rep, Error: err, AuthFailed: authFailed})
		return
	}

	p.setStatus(acc.ID, SyncIdle, rep, nil)
	p.sendResult(Result{AccountID: acc.ID, Report: rep})
}

// setStatus updates the scan status of an account.
func (p *Poller) setStatus(accountID string, state SyncState, rep *keyscan.Report, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[accountID]
	if !ok {
		return
	}

	status.State = state
	status.Error = err
	if state == SyncIdle && err == nil {
		status.LastSync = time.Now()
		status.LastReport = rep
	}
}

// sendResult publishes a result without blocking.
func (p *Poller) sendResult(res Result) {
	select {
	case p.resultCh <- res:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}
