// Package worker keeps one account's payment history in step with the ledger
// by merging a live log subscription with periodic historical polling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"InvoiceChainSync/internal/chain"
	"InvoiceChainSync/internal/logging"
	"InvoiceChainSync/internal/metrics"
	"InvoiceChainSync/internal/models"
	"InvoiceChainSync/internal/payments"
	"InvoiceChainSync/internal/store"
)

// ErrStale marks work whose epoch ended before it could be applied.
var ErrStale = errors.New("synchronizer epoch ended")

// Persistence is the durable side of the history and cursor. It is optional.
type Persistence interface {
	InsertPayment(ctx context.Context, scope store.Scope, rec models.PaymentRecord) (bool, error)
	ListPayments(ctx context.Context, scope store.Scope) ([]models.PaymentRecord, error)
	GetCursor(ctx context.Context, scope store.Scope) (uint64, bool, error)
	SetCursor(ctx context.Context, scope store.Scope, height uint64) error
	ResetCursor(ctx context.Context, scope store.Scope) error
}

// Invalidator drops cached invoice views when the ledger reports a change.
type Invalidator interface {
	Invalidate(id uint64)
}

// Watchlist resolves the invoices whose payments concern an account.
type Watchlist interface {
	WatchedInvoices(ctx context.Context, account common.Address) ([]uint64, error)
}

type Config struct {
	Account          common.Address
	Contract         common.Address
	Interval         time.Duration
	WindowBlocks     uint64
	LookbackBlocks   uint64
	MaxBlocksPerTick uint64
	ConfirmDepth     uint64
	StaleAfter       time.Duration
	ReconnectDelay   time.Duration
	History          payments.Options
}

type Deps struct {
	Events      chain.EventSource
	Subscriber  chain.Subscriber
	Store       Persistence
	Invalidator Invalidator
	Watchlist   Watchlist
	Logger      *zap.Logger
	Now         func() time.Time
}

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Status is a point-in-time view of a synchronizer.
type Status struct {
	Account             string    `json:"account"`
	State               State     `json:"state"`
	Subscribed          bool      `json:"subscribed"`
	Polling             bool      `json:"polling"`
	Cursor              uint64    `json:"cursor"`
	HasCursor           bool      `json:"has_cursor"`
	Records             int       `json:"records"`
	LastSuccess         time.Time `json:"last_success"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Stale               bool      `json:"stale"`
}

// Synchronizer owns the payment history and sync cursor of one (account,
// contract) pair and is their only writer. Every write is tagged with the
// epoch it started in; Stop ends the epoch so late results are dropped.
type Synchronizer struct {
	cfg     Config
	events  chain.EventSource
	sub     chain.Subscriber
	store   Persistence
	inval   Invalidator
	watch   Watchlist
	log     *zap.Logger
	now     func() time.Time
	history *payments.History
	scope   store.Scope

	pollMu sync.Mutex

	mu          sync.Mutex
	epoch       uint64
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	live        chain.Subscription
	polling     bool
	loaded      bool
	cursor      uint64
	hasCursor   bool
	watched     map[uint64]struct{}
	unsaved     []models.PaymentRecord
	lastSuccess time.Time
	failures    int
}

func New(cfg Config, deps Deps) *Synchronizer {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * cfg.Interval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Synchronizer{
		cfg:     cfg,
		events:  deps.Events,
		sub:     deps.Subscriber,
		store:   deps.Store,
		inval:   deps.Invalidator,
		watch:   deps.Watchlist,
		log:     logging.Or(deps.Logger).With(zap.String("account", cfg.Account.Hex()), zap.String("contract", cfg.Contract.Hex())),
		now:     now,
		history: payments.NewHistory(cfg.History),
		scope:   store.Scope{Account: cfg.Account, Contract: cfg.Contract},
		watched: map[uint64]struct{}{},
	}
}

func (s *Synchronizer) Account() common.Address { return s.cfg.Account }

func (s *Synchronizer) History() *payments.History { return s.history }

// Start launches the poll loop and, when a subscriber is configured, the
// live subscription loop. Starting a running synchronizer is a no-op.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.epoch++
	epoch := s.epoch
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.pollLoop(runCtx, epoch)
	if s.sub != nil {
		s.wg.Add(1)
		go s.subscribeLoop(runCtx, epoch)
	}
	s.log.Info("synchronizer started", zap.Uint64("epoch", epoch))
}

// Stop cancels both loops, detaches the live subscription and waits for
// them to exit. Results that complete afterwards are discarded.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.epoch++
	wasRunning := s.running
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	live := s.live
	s.live = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if live != nil {
		live.Close()
	}
	s.wg.Wait()
	if wasRunning {
		s.log.Info("synchronizer stopped")
	}
}

// Reset clears the in-memory history and forgets the cursor, locally and in
// the store, so the next sync bootstraps from the look-back window.
func (s *Synchronizer) Reset(ctx context.Context) error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	s.mu.Lock()
	s.history.Reset()
	s.cursor = 0
	s.hasCursor = false
	s.loaded = false
	s.unsaved = nil
	s.watched = map[uint64]struct{}{}
	s.failures = 0
	s.mu.Unlock()
	if s.store != nil {
		return s.store.ResetCursor(ctx, s.scope)
	}
	return nil
}

// Restart is Stop, Reset, Start. The synchronizer is started even when the
// persisted cursor could not be forgotten; that error is returned.
func (s *Synchronizer) Restart(ctx context.Context) error {
	s.Stop()
	err := s.Reset(ctx)
	s.Start(ctx)
	return err
}

// Refresh resets the cursor and runs one synchronous poll.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	if err := s.Reset(ctx); err != nil {
		return err
	}
	return s.SyncOnce(ctx)
}

func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Account:             s.cfg.Account.Hex(),
		State:               StateIdle,
		Subscribed:          s.live != nil,
		Polling:             s.polling,
		Cursor:              s.cursor,
		HasCursor:           s.hasCursor,
		Records:             s.history.Len(),
		LastSuccess:         s.lastSuccess,
		ConsecutiveFailures: s.failures,
	}
	if s.running {
		st.State = StateRunning
		if s.lastSuccess.IsZero() {
			st.Stale = s.failures > 0
		} else {
			st.Stale = s.now().Sub(s.lastSuccess) > s.cfg.StaleAfter
		}
	}
	return st
}

// SyncOnce polls the window ending at the confirmed head and advances the
// cursor once every record in it has been applied.
func (s *Synchronizer) SyncOnce(ctx context.Context) error {
	err := s.syncOnce(ctx, s.currentEpoch())
	if errors.Is(err, ErrStale) {
		return nil
	}
	return err
}

// Observe offers a record learned outside the two channels, typically from
// a confirmed action's receipt.
func (s *Synchronizer) Observe(ctx context.Context, rec models.PaymentRecord) (payments.Outcome, error) {
	return s.insert(ctx, s.currentEpoch(), rec)
}

// ObserveLogs decodes receipt logs and applies them like polled ones.
func (s *Synchronizer) ObserveLogs(ctx context.Context, logs []types.Log, source models.Source) error {
	epoch := s.currentEpoch()
	ext, err := payments.ExtractRecords(ctx, logs, s.events, source, s.now())
	if err != nil {
		return err
	}
	err = s.apply(ctx, epoch, ext)
	if errors.Is(err, ErrStale) {
		return nil
	}
	return err
}

func (s *Synchronizer) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Synchronizer) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

func (s *Synchronizer) pollLoop(ctx context.Context, epoch uint64) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.tick(ctx, epoch)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one poll and records its outcome. Failures never escape.
func (s *Synchronizer) tick(ctx context.Context, epoch uint64) {
	err := s.syncOnce(ctx, epoch)
	if err == nil || errors.Is(err, ErrStale) || ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	if s.epoch == epoch {
		s.failures++
	}
	failures := s.failures
	s.mu.Unlock()
	metrics.PollFailed(s.cfg.Account.Hex())
	s.log.Warn("poll tick failed", zap.Int("consecutive_failures", failures), zap.Error(err))
}

func (s *Synchronizer) syncOnce(ctx context.Context, epoch uint64) error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if !s.current(epoch) {
		return ErrStale
	}
	s.setPolling(epoch, true)
	defer s.setPolling(epoch, false)

	if err := s.load(ctx, epoch); err != nil {
		return err
	}
	if err := s.flushUnsaved(ctx); err != nil {
		return fmt.Errorf("flush unsaved records: %w", err)
	}

	latest, err := s.events.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	if latest < s.cfg.ConfirmDepth {
		return nil
	}
	to := latest - s.cfg.ConfirmDepth

	cursor, ok := s.cursorAt(epoch, to)
	if !ok {
		return ErrStale
	}
	from, to := pollRange(cursor, to, s.cfg.WindowBlocks, s.cfg.MaxBlocksPerTick)

	logs, err := s.events.FilterEvents(ctx, from, to)
	if err != nil {
		return fmt.Errorf("filter events %d..%d: %w", from, to, err)
	}
	if !s.current(epoch) {
		return ErrStale
	}
	ext, err := payments.ExtractRecords(ctx, logs, s.events, models.SourcePolling, s.now())
	if err != nil {
		return fmt.Errorf("extract %d..%d: %w", from, to, err)
	}
	if ext.Removed > 0 {
		s.log.Info("ignored removed logs", zap.Int("count", ext.Removed), zap.Uint64("from", from), zap.Uint64("to", to))
	}
	if err := s.apply(ctx, epoch, ext); err != nil {
		return err
	}
	s.log.Debug("poll window applied", zap.Uint64("from", from), zap.Uint64("to", to), zap.Int("logs", len(logs)))
	return s.advance(ctx, epoch, to)
}

// pollRange picks the blocks of one tick. The re-scan window below head is
// always covered together with everything above the cursor. When the span
// exceeds maxBlocks the unscanned part wins: a cursor far behind catches up
// from cursor+1, otherwise the window is trimmed from its old end.
func pollRange(cursor, head, window, maxBlocks uint64) (uint64, uint64) {
	from := windowStart(head, window)
	if cursor+1 < from {
		from = cursor + 1
	}
	if maxBlocks == 0 || head-from+1 <= maxBlocks {
		return from, head
	}
	if cursor+maxBlocks < head {
		return cursor + 1, cursor + maxBlocks
	}
	return head - maxBlocks + 1, head
}

func windowStart(to, window uint64) uint64 {
	if window >= to {
		return 0
	}
	return to - window
}

// cursorAt returns the cursor, bootstrapping it from the look-back window
// below head when none exists yet.
func (s *Synchronizer) cursorAt(epoch, head uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return 0, false
	}
	if !s.hasCursor {
		s.cursor = windowStart(head, s.cfg.LookbackBlocks)
		s.hasCursor = true
		s.log.Info("cursor bootstrapped", zap.Uint64("cursor", s.cursor), zap.Uint64("head", head))
	}
	return s.cursor, true
}

func (s *Synchronizer) setPolling(epoch uint64, v bool) {
	s.mu.Lock()
	if s.epoch == epoch || !v {
		s.polling = v
	}
	s.mu.Unlock()
}

// load restores persisted records, the persisted cursor and the watched
// invoice set. It runs once per synchronizer lifetime and again only after
// Reset; Stop and Start keep what is already in memory.
func (s *Synchronizer) load(ctx context.Context, epoch uint64) error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if loaded {
		return nil
	}

	var watched []uint64
	if s.watch != nil {
		ids, err := s.watch.WatchedInvoices(ctx, s.cfg.Account)
		if err != nil {
			return fmt.Errorf("load watched invoices: %w", err)
		}
		watched = ids
	}
	var (
		persisted []models.PaymentRecord
		cursor    uint64
		hasCursor bool
	)
	if s.store != nil {
		var err error
		if persisted, err = s.store.ListPayments(ctx, s.scope); err != nil {
			return fmt.Errorf("load payments: %w", err)
		}
		if cursor, hasCursor, err = s.store.GetCursor(ctx, s.scope); err != nil {
			return fmt.Errorf("load cursor: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return ErrStale
	}
	for _, id := range watched {
		s.watched[id] = struct{}{}
	}
	for _, rec := range persisted {
		s.history.Insert(rec)
	}
	if hasCursor && (!s.hasCursor || cursor > s.cursor) {
		s.cursor = cursor
		s.hasCursor = true
	}
	s.loaded = true
	return nil
}

func (s *Synchronizer) apply(ctx context.Context, epoch uint64, ext payments.Extracted) error {
	for _, t := range ext.Touches {
		if s.inval != nil {
			s.inval.Invalidate(t.InvoiceID)
		}
		if t.Event == chain.EventInvoiceCreated && (t.Supplier == s.cfg.Account || t.Buyer == s.cfg.Account) {
			s.mu.Lock()
			if s.epoch == epoch {
				s.watched[t.InvoiceID] = struct{}{}
			}
			s.mu.Unlock()
		}
	}
	for _, rec := range ext.Records {
		if !s.relevant(rec) {
			continue
		}
		if _, err := s.insert(ctx, epoch, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) relevant(rec models.PaymentRecord) bool {
	if rec.Counterparty == s.cfg.Account {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watched[rec.InvoiceID]
	return ok
}

func (s *Synchronizer) insert(ctx context.Context, epoch uint64, rec models.PaymentRecord) (payments.Outcome, error) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return payments.DuplicateSuppressed, ErrStale
	}
	res := s.history.Offer(rec)
	s.mu.Unlock()
	outcome, rule := res.Outcome, res.Rule

	fields := []zap.Field{
		zap.String("tx", rec.TxHash.Hex()),
		zap.Int("log_index", rec.LogIndex),
		zap.Uint64("invoice", rec.InvoiceID),
		zap.String("source", string(rec.Source)),
	}
	switch outcome {
	case payments.DuplicateSuppressed:
		metrics.DuplicateSuppressed(string(rule), outcome.String())
		s.log.Debug("duplicate suppressed", append(fields, zap.String("rule", string(rule)))...)
		if !res.New {
			return outcome, nil
		}
		// a hidden fact is still stored so a reload rebuilds the same view
	case payments.Superseded:
		metrics.DuplicateSuppressed(string(rule), outcome.String())
		s.log.Debug("provisional record superseded", append(fields, zap.String("rule", string(rule)))...)
	default:
		metrics.RecordInserted(string(rec.Source))
		s.log.Info("payment recorded", append(fields, zap.String("amount", rec.Amount.String()))...)
	}
	if err := s.persist(ctx, rec); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (s *Synchronizer) persist(ctx context.Context, rec models.PaymentRecord) error {
	if s.store == nil {
		return nil
	}
	if _, err := s.store.InsertPayment(ctx, s.scope, rec); err != nil {
		s.mu.Lock()
		s.unsaved = append(s.unsaved, rec)
		s.mu.Unlock()
		return fmt.Errorf("persist payment %s: %w", rec.Key(), err)
	}
	return nil
}

func (s *Synchronizer) flushUnsaved(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	pending := s.unsaved
	s.unsaved = nil
	s.mu.Unlock()
	for i, rec := range pending {
		if _, err := s.store.InsertPayment(ctx, s.scope, rec); err != nil {
			s.mu.Lock()
			s.unsaved = append(pending[i:], s.unsaved...)
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

// advance moves the cursor forward to height; it never moves backwards.
func (s *Synchronizer) advance(ctx context.Context, epoch, height uint64) error {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrStale
	}
	moved := !s.hasCursor || height > s.cursor
	if moved {
		s.cursor = height
		s.hasCursor = true
	}
	s.lastSuccess = s.now()
	s.failures = 0
	cursor := s.cursor
	s.mu.Unlock()

	metrics.CursorAdvanced(s.cfg.Account.Hex(), cursor)
	if moved && s.store != nil {
		if err := s.store.SetCursor(ctx, s.scope, cursor); err != nil {
			s.log.Warn("persist cursor failed", zap.Uint64("cursor", cursor), zap.Error(err))
		}
	}
	return nil
}
