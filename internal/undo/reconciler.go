// Package undo converts E3 encrypted messages back to plaintext on the
// server. Every remote mutation goes through the durable pending-command
// log, so an interrupted run can be replayed.
package undo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/nhle/e3mail/internal/e3"
	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/oracle"
	"github.com/nhle/e3mail/internal/pending"
	"github.com/nhle/e3mail/internal/store"
)

// DefaultDecryptTimeout bounds a single decrypt call.
const DefaultDecryptTimeout = 2 * time.Minute

// Backend is the remote mailbox.
type Backend interface {
	// SearchHeader returns the uids of messages in folder carrying header.
	SearchHeader(ctx context.Context, accountID, folder, header string) ([]string, error)

	// FetchMessages downloads full messages. Uids that no longer exist are
	// omitted from the result.
	FetchMessages(ctx context.Context, accountID, folder string, uids []string) ([]model.Message, error)
}

// MailStore is the local message cache.
type MailStore interface {
	MissingUIDs(ctx context.Context, accountID, folder string, uids []string) ([]string, error)
	AppendMessages(ctx context.Context, msgs []model.Message) error
	GetMessage(ctx context.Context, accountID, folder, uid string) (*model.Message, error)
	StoreLocalMessage(ctx context.Context, msg model.Message) (model.Message, error)
	SetMessageFlag(ctx context.Context, accountID, folder, uid, flag string, state bool) error
	DeleteMessages(ctx context.Context, accountID, folder string, uids []string) error
}

// CommandLog records and drains pending commands.
type CommandLog interface {
	EnqueueAll(ctx context.Context, cmds []pending.Command) ([]pending.Command, error)
	Drain(ctx context.Context, accountID string) (int, error)
}

// Options tune a Reconciler.
type Options struct {
	// BatchSize is the number of messages fetched and decrypted together.
	// Zero processes every discovered message in one batch.
	BatchSize int

	// DecryptTimeout bounds each decrypt call.
	DecryptTimeout time.Duration
}

// Request names the account and folder of a run.
type Request struct {
	AccountID   string
	Email       string
	Folder      string
	TrashFolder string
}

// Reconciler runs the undo-encryption pipeline. A Reconciler runs one
// request at a time.
type Reconciler struct {
	Backend  Backend
	Store    MailStore
	Settings SearchSettings
	Bind     oracle.Binder
	Commands CommandLog
	Options  Options
	Logger   zerolog.Logger

	runMu sync.Mutex
	state atomic.Int32
}

// State reports the current stage of the state machine.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

func (r *Reconciler) setState(s State) {
	r.state.Store(int32(s))
}

// Run converts every encrypted message of req.Folder. Per-message decrypt
// failures are reported in the Report; store, transport and drain
// failures abort the run with a *ReconciliationError.
func (r *Reconciler) Run(ctx context.Context, req Request) (*Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	log := r.Logger.With().Str("account", req.AccountID).Str("folder", req.Folder).Logger()
	rep := &Report{AccountID: req.AccountID, Folder: req.Folder}

	fail := func(stage State, err error) (*Report, error) {
		recErr := &ReconciliationError{Stage: stage, Err: err}
		r.setState(StateFailed)
		rep.Outcome = OutcomeFailed
		rep.Err = recErr
		log.Error().Err(err).Str("stage", stage.String()).Msg("undo encryption failed")
		return rep, recErr
	}

	r.setState(StateScanning)

	replayed, err := r.Commands.Drain(ctx, req.AccountID)
	if err != nil {
		return fail(StateScanning, fmt.Errorf("replaying pending commands: %w", err))
	}
	rep.Replayed = replayed
	if replayed > 0 {
		log.Info().Int("commands", replayed).Msg("replayed pending commands of an earlier run")
	}

	uids, err := r.scan(ctx, req)
	if err != nil {
		return fail(StateScanning, err)
	}
	rep.Discovered = len(uids)
	if len(uids) == 0 {
		r.setState(StateDone)
		rep.Outcome = OutcomeNoneFound
		log.Info().Msg("no encrypted messages found")
		return rep, nil
	}

	for _, batch := range partition(uids, r.Options.BatchSize) {
		if stage, err := r.runBatch(ctx, req, batch, rep, log); err != nil {
			return fail(stage, err)
		}
	}

	r.setState(StateDone)
	rep.Outcome = OutcomeDone
	log.Info().
		Int("replaced", len(rep.Replaced)).
		Int("skipped", len(rep.Skipped)).
		Msg("undo encryption finished")
	return rep, nil
}

// scan searches the server for encrypted messages with remote search
// forced on.
func (r *Reconciler) scan(ctx context.Context, req Request) (uids []string, err error) {
	release, err := AcquireRemoteSearch(ctx, r.Settings, req.AccountID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := release(); rerr != nil {
			r.Logger.Error().Err(rerr).Str("account", req.AccountID).Msg("remote search setting not restored")
			if err == nil {
				err = rerr
			}
		}
	}()

	uids, err = r.Backend.SearchHeader(ctx, req.AccountID, req.Folder, e3.HeaderEncrypted)
	if err != nil {
		return nil, fmt.Errorf("searching for encrypted messages: %w", err)
	}
	return uids, nil
}

// runBatch fetches, decrypts and reconciles one batch. On failure it
// returns the stage that failed.
func (r *Reconciler) runBatch(ctx context.Context, req Request, batch []string, rep *Report, log zerolog.Logger) (State, error) {
	r.setState(StateBatchFetching)
	msgs, err := r.fetch(ctx, req, batch, rep, log)
	if err != nil {
		return StateBatchFetching, err
	}

	r.setState(StateDecrypting)
	var candidates []*model.Message
	for _, m := range msgs {
		if !m.HasHeader(e3.HeaderEncrypted) {
			log.Debug().Str("uid", m.UID).Msg("listed message is not encrypted, skipping")
			rep.NotEncrypted = append(rep.NotEncrypted, m.UID)
			continue
		}
		candidates = append(candidates, m)
	}

	results := r.decryptAll(ctx, req, candidates)
	if err := ctx.Err(); err != nil {
		return StateDecrypting, err
	}

	r.setState(StateReconciling)
	for i, orig := range candidates {
		res := results[i]
		if res.err != nil {
			log.Warn().Err(res.err).Str("uid", orig.UID).Msg("skipping message")
			rep.Skipped = append(rep.Skipped, Skipped{UID: orig.UID, Err: res.err})
			continue
		}
		replacement, err := r.reconcile(ctx, req, orig, res.plain)
		if err != nil {
			return StateReconciling, err
		}
		rep.Replaced = append(rep.Replaced, replacement)
	}
	return StateReconciling, nil
}

// fetch loads the batch from the cache, downloading missing messages
// first. Uids the server no longer returns are recorded as skipped.
func (r *Reconciler) fetch(ctx context.Context, req Request, batch []string, rep *Report, log zerolog.Logger) ([]*model.Message, error) {
	missing, err := r.Store.MissingUIDs(ctx, req.AccountID, req.Folder, batch)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		fetched, err := r.Backend.FetchMessages(ctx, req.AccountID, req.Folder, missing)
		if err != nil {
			return nil, fmt.Errorf("fetching %d messages: %w", len(missing), err)
		}
		for i := range fetched {
			fetched[i].AccountID = req.AccountID
			fetched[i].Folder = req.Folder
			if fetched[i].HasHeader(e3.HeaderEncrypted) {
				fetched[i].SetFlag(model.FlagE3, true)
			}
		}
		if err := r.Store.AppendMessages(ctx, fetched); err != nil {
			return nil, err
		}
		log.Debug().Int("fetched", len(fetched)).Msg("fetched missing messages")
	}

	msgs := make([]*model.Message, 0, len(batch))
	for _, uid := range batch {
		m, err := r.Store.GetMessage(ctx, req.AccountID, req.Folder, uid)
		if errors.Is(err, store.ErrNotFound) {
			rep.Skipped = append(rep.Skipped, Skipped{UID: uid, Err: err})
			continue
		}
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

type decryptResult struct {
	plain *model.Message
	err   error
}

// decryptAll decrypts every candidate concurrently and returns results in
// candidate order.
func (r *Reconciler) decryptAll(ctx context.Context, req Request, candidates []*model.Message) []decryptResult {
	results := make([]decryptResult, len(candidates))

	p := pool.New()
	for i, msg := range candidates {
		p.Go(func() {
			plain, err := r.decryptOne(ctx, req, msg)
			if err != nil {
				err = &DecryptUnavailableError{UID: msg.UID, Err: err}
			}
			results[i] = decryptResult{plain: plain, err: err}
		})
	}
	p.Wait()

	return results
}

func (r *Reconciler) decryptOne(ctx context.Context, req Request, msg *model.Message) (*model.Message, error) {
	timeout := r.Options.DecryptTimeout
	if timeout <= 0 {
		timeout = DefaultDecryptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o, err := r.Bind(ctx)
	if err != nil {
		return nil, err
	}

	done := make(chan decryptResult, 1)
	go func() {
		plain, err := o.Decrypt(ctx, msg, req.Email)
		done <- decryptResult{plain: plain, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && res.plain == nil {
			res.err = fmt.Errorf("oracle returned no message")
		}
		return res.plain, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reconcile stores the plaintext copy and queues the remote replacement
// of orig as one unit. The original is deleted and moved before the
// plaintext is appended; the log is drained before returning.
func (r *Reconciler) reconcile(ctx context.Context, req Request, orig, plain *model.Message) (Replacement, error) {
	plain.AccountID = req.AccountID
	plain.Folder = req.Folder
	if plain.InternalDate.IsZero() {
		plain.InternalDate = orig.InternalDate
	}

	local, err := r.Store.StoreLocalMessage(ctx, *plain)
	if err != nil {
		return Replacement{}, fmt.Errorf("storing plaintext of %s: %w", orig.UID, err)
	}
	if err := r.Store.SetMessageFlag(ctx, req.AccountID, req.Folder, local.UID, model.FlagE3, false); err != nil {
		return Replacement{}, fmt.Errorf("clearing encrypted flag of %s: %w", local.UID, err)
	}
	stored, err := r.Store.GetMessage(ctx, req.AccountID, req.Folder, local.UID)
	if err != nil {
		return Replacement{}, fmt.Errorf("reloading %s: %w", local.UID, err)
	}

	inTrash := strings.EqualFold(req.Folder, req.TrashFolder)

	var cmds []pending.Command
	if !inTrash {
		cmds = append(cmds,
			pending.SetFlag(req.AccountID, req.Folder, []string{orig.UID}, model.FlagDeleted, true),
			pending.MoveOrCopy(req.AccountID, req.Folder, req.TrashFolder, []string{orig.UID}, false),
		)
	}
	cmds = append(cmds, pending.Append(req.AccountID, req.Folder, []string{stored.UID}))
	if !inTrash {
		cmds = append(cmds, pending.EmptyTrash(req.AccountID))
	}

	if _, err := r.Commands.EnqueueAll(ctx, cmds); err != nil {
		// Nothing was queued, so the plaintext copy would never be uploaded.
		if derr := r.Store.DeleteMessages(ctx, req.AccountID, req.Folder, []string{stored.UID}); derr != nil {
			r.Logger.Error().Err(derr).Str("uid", stored.UID).Msg("plaintext copy not removed")
		}
		return Replacement{}, err
	}
	if _, err := r.Commands.Drain(ctx, req.AccountID); err != nil {
		return Replacement{}, fmt.Errorf("draining pending commands: %w", err)
	}

	// A successful append renames the staged copy to its server uid.
	_, err = r.Store.GetMessage(ctx, req.AccountID, req.Folder, stored.UID)
	uploaded := errors.Is(err, store.ErrNotFound)
	if err != nil && !uploaded {
		return Replacement{}, fmt.Errorf("checking upload of %s: %w", stored.UID, err)
	}

	r.Logger.Debug().Str("account", req.AccountID).Str("uid", orig.UID).
		Str("staged_uid", stored.UID).Bool("uploaded", uploaded).Msg("replaced encrypted message")
	return Replacement{OriginalUID: orig.UID, StagedUID: stored.UID, Uploaded: uploaded}, nil
}

// partition splits uids into batches of size; size <= 0 yields one batch.
func partition(uids []string, size int) [][]string {
	if size <= 0 || size >= len(uids) {
		return [][]string{uids}
	}
	var batches [][]string
	for start := 0; start < len(uids); start += size {
		end := min(start+size, len(uids))
		batches = append(batches, uids[start:end])
	}
	return batches
}
