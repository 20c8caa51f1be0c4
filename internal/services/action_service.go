// Package services turns user actions into ledger transactions: it checks
// guards client-side, prices payments from a fresh ledger read, and tracks
// each submission from intent to receipt.
package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"InvoiceChainSync/internal/chain"
	"InvoiceChainSync/internal/invoices"
	"InvoiceChainSync/internal/logging"
	"InvoiceChainSync/internal/metrics"
	"InvoiceChainSync/internal/models"
	"InvoiceChainSync/internal/pricing"
)

var (
	ErrGuard          = errors.New("action guard failed")
	ErrGasEstimation  = errors.New("gas estimation failed")
	ErrQuoteChanged   = errors.New("quote changed since approval")
	ErrIntentNotFound = errors.New("intent not found")
	ErrIntentState    = errors.New("intent is not in the required state")
	ErrNoSigner       = errors.New("no signer configured")
)

// Ledger rejections are decoded by the chain gateway.
var ErrActionReverted = chain.ErrActionReverted

type RevertError = chain.RevertError

type guardError struct{ msg string }

func (e *guardError) Error() string { return e.msg }

func (e *guardError) Is(target error) bool { return target == ErrGuard }

func guardf(format string, args ...any) error {
	return &guardError{msg: fmt.Sprintf(format, args...)}
}

type ActionKind string

const (
	ActionChooseRole      ActionKind = "choose_role"
	ActionCreateInvoice   ActionKind = "create_invoice"
	ActionVerifyInvoice   ActionKind = "verify_invoice"
	ActionTokenGeneration ActionKind = "token_generation"
	ActionBuyTokens       ActionKind = "buy_tokens"
	ActionPayInvoice      ActionKind = "pay_invoice"
)

var kindCapability = map[ActionKind]Capability{
	ActionChooseRole:      CapChooseRole,
	ActionCreateInvoice:   CapCreateInvoice,
	ActionVerifyInvoice:   CapVerifyInvoice,
	ActionTokenGeneration: CapTokenGeneration,
	ActionBuyTokens:       CapBuyTokens,
	ActionPayInvoice:      CapPayInvoice,
}

func ParseActionKind(v string) (ActionKind, bool) {
	k := ActionKind(v)
	_, ok := kindCapability[k]
	return k, ok
}

type IntentState string

const (
	StateBuilt     IntentState = "built"
	StateSubmitted IntentState = "submitted"
	StatePending   IntentState = "pending"
	StateConfirmed IntentState = "confirmed"
	StateReverted  IntentState = "reverted"
	StateFailed    IntentState = "failed"
	StateCancelled IntentState = "cancelled"
)

func (s IntentState) terminal() bool {
	switch s {
	case StateConfirmed, StateReverted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Request describes an action before any ledger read. Amount is the
// principal for CreateInvoice and a token amount for TokenGeneration and
// BuyTokens; PayInvoice ignores it and prices the debt itself.
type Request struct {
	Kind      ActionKind
	InvoiceID uint64
	Buyer     common.Address
	Amount    *big.Int
	DueDate   time.Time
	Role      models.Role
}

// Intent is a built action awaiting confirmation, or the record of one that
// was submitted.
type Intent struct {
	ID        string            `json:"id"`
	Kind      ActionKind        `json:"kind"`
	State     IntentState       `json:"state"`
	Account   common.Address    `json:"account"`
	InvoiceID uint64            `json:"invoice_id,omitempty"`
	Method    string            `json:"method"`
	ValueWei  *big.Int          `json:"value_wei,omitempty"`
	Gas       uint64            `json:"gas"`
	Quote     *pricing.Quote    `json:"quote,omitempty"`
	Price     *pricing.Snapshot `json:"price,omitempty"`
	TxHash    common.Hash       `json:"tx_hash"`
	Block     uint64            `json:"block,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Request   Request           `json:"-"`
}

// Ledger is the read side the submitter consults before building a call.
type Ledger interface {
	RoleReader
	pricing.Reader
	IDExists(ctx context.Context, id *big.Int) (bool, error)
}

// InvoiceSource is satisfied by invoices.Repository.
type InvoiceSource interface {
	Get(ctx context.Context, id uint64, opts ...invoices.GetOption) (*models.Invoice, error)
	Token(ctx context.Context, id uint64, opts ...invoices.GetOption) (*models.TokenInfo, error)
	Invalidate(id uint64)
}

// Observer receives the logs of confirmed receipts.
type Observer interface {
	ObserveLogs(ctx context.Context, logs []types.Log, source models.Source) error
}

type ObserverFunc func(ctx context.Context, logs []types.Log, source models.Source) error

func (f ObserverFunc) ObserveLogs(ctx context.Context, logs []types.Log, source models.Source) error {
	return f(ctx, logs, source)
}

type ActionConfig struct {
	ReceiptPollInterval time.Duration
	Confirmations       uint64
	IntentTTL           time.Duration
}

type ActionDeps struct {
	Transactor chain.Transactor
	Ledger     Ledger
	Invoices   InvoiceSource
	Observer   Observer
	Logger     *zap.Logger
	Now        func() time.Time
}

// terminal intents are forgotten this long after they settle
const intentRetention = time.Hour

type entry struct {
	intent     Intent
	call       chain.Call
	err        error
	confirming bool
	done       chan struct{}
}

type ActionService struct {
	cfg      ActionConfig
	tx       chain.Transactor
	ledger   Ledger
	invoices InvoiceSource
	pricing  pricing.Service
	guard    *RoleGuard
	observer Observer
	log      *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	intents map[string]*entry
}

func NewActionService(cfg ActionConfig, deps ActionDeps) *ActionService {
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = 5 * time.Minute
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ActionService{
		cfg:      cfg,
		tx:       deps.Transactor,
		ledger:   deps.Ledger,
		invoices: deps.Invoices,
		pricing:  pricing.Service{Reader: deps.Ledger, Now: now},
		guard:    NewRoleGuard(deps.Ledger, deps.Transactor.Sender()),
		observer: deps.Observer,
		log:      logging.Or(deps.Logger).With(zap.String("account", deps.Transactor.Sender().Hex())),
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		intents:  map[string]*entry{},
	}
}

func (s *ActionService) Guard() *RoleGuard { return s.guard }

// Close stops receipt watchers. Pending intents stay pending.
func (s *ActionService) Close() {
	s.cancel()
	s.wg.Wait()
}

// Prepare runs the guards, prices the action from fresh ledger reads and
// estimates gas. Nothing is sent; the returned intent must be confirmed.
func (s *ActionService) Prepare(ctx context.Context, req Request) (*Intent, error) {
	if s.tx.Sender() == (common.Address{}) {
		return nil, ErrNoSigner
	}
	p, err := s.build(ctx, req)
	if err != nil {
		metrics.ActionFinished(string(req.Kind), failureOutcome(err))
		return nil, err
	}
	now := s.now()
	e := &entry{
		intent: Intent{
			ID:        uuid.NewString(),
			Kind:      req.Kind,
			State:     StateBuilt,
			Account:   s.tx.Sender(),
			InvoiceID: req.InvoiceID,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(s.cfg.IntentTTL),
			Request:   req,
		},
		done: make(chan struct{}),
	}
	e.apply(p)

	s.mu.Lock()
	s.prune(now)
	s.intents[e.intent.ID] = e
	out := e.snapshot()
	s.mu.Unlock()

	s.log.Info("intent built",
		zap.String("intent", out.ID),
		zap.String("kind", string(out.Kind)),
		zap.Uint64("invoice", out.InvoiceID),
		zap.Stringer("value_wei", out.ValueWei),
	)
	return out, nil
}

// Confirm re-runs the guard chain against the ledger, re-prices the action
// and submits it. A fresh value that differs from the approved one is not
// sent: the intent is updated and ErrQuoteChanged asks for re-approval.
func (s *ActionService) Confirm(ctx context.Context, id string) (*Intent, error) {
	s.mu.Lock()
	e, ok := s.intents[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	if e.intent.State != StateBuilt || e.confirming {
		st := e.intent.State
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrIntentState, id, st)
	}
	if s.now().After(e.intent.ExpiresAt) {
		s.settle(e, StateCancelled, func(in *Intent) { in.Error = "intent expired" })
		out := e.snapshot()
		s.mu.Unlock()
		metrics.ActionFinished(string(out.Kind), "expired")
		return out, fmt.Errorf("%w: %s expired", ErrIntentState, id)
	}
	e.confirming = true
	req := e.intent.Request
	approved := e.intent.ValueWei
	s.mu.Unlock()

	p, err := s.build(ctx, req)
	if err != nil {
		s.mu.Lock()
		e.confirming = false
		s.mu.Unlock()
		return nil, err
	}
	if !sameValue(p.call.Value, approved) {
		s.mu.Lock()
		e.confirming = false
		e.apply(p)
		e.intent.UpdatedAt = s.now()
		e.intent.ExpiresAt = e.intent.UpdatedAt.Add(s.cfg.IntentTTL)
		out := e.snapshot()
		s.mu.Unlock()
		s.log.Info("quote changed, re-approval required", zap.String("intent", id), zap.Stringer("approved", approved), zap.Stringer("fresh", out.ValueWei))
		return out, fmt.Errorf("%w: approved %s, now %s", ErrQuoteChanged, approved, out.ValueWei)
	}

	s.mu.Lock()
	e.apply(p)
	e.intent.State = StateSubmitted
	e.intent.UpdatedAt = s.now()
	s.mu.Unlock()

	hash, err := s.tx.Send(ctx, p.call, p.gas)
	if err != nil {
		s.mu.Lock()
		e.confirming = false
		e.err = err
		s.settle(e, StateFailed, func(in *Intent) { in.Error = err.Error() })
		out := e.snapshot()
		s.mu.Unlock()
		metrics.ActionFinished(string(req.Kind), failureOutcome(err))
		s.log.Warn("submission failed", zap.String("intent", id), zap.Error(err))
		return out, err
	}

	s.mu.Lock()
	e.confirming = false
	e.intent.State = StatePending
	e.intent.TxHash = hash
	e.intent.UpdatedAt = s.now()
	out := e.snapshot()
	s.mu.Unlock()
	s.log.Info("transaction sent", zap.String("intent", id), zap.String("tx", hash.Hex()))

	s.wg.Add(1)
	go s.watch(e, hash)
	return out, nil
}

// Cancel discards a built intent.
func (s *ActionService) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	if e.intent.State != StateBuilt || e.confirming {
		return fmt.Errorf("%w: %s is %s", ErrIntentState, id, e.intent.State)
	}
	s.settle(e, StateCancelled, nil)
	metrics.ActionFinished(string(e.intent.Kind), "cancelled")
	return nil
}

func (s *ActionService) Get(id string) (*Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	return e.snapshot(), nil
}

// Wait blocks until the intent settles. A reverted receipt yields a
// *RevertError carrying the decoded reason.
func (s *ActionService) Wait(ctx context.Context, id string) (*Intent, error) {
	s.mu.Lock()
	e, ok := s.intents[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := e.snapshot()
	switch out.State {
	case StateReverted:
		return out, &RevertError{Reason: out.Reason}
	case StateFailed:
		return out, e.err
	case StateCancelled:
		return out, fmt.Errorf("%w: %s cancelled", ErrIntentState, id)
	}
	return out, nil
}

func (s *ActionService) watch(e *entry, hash common.Hash) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReceiptPollInterval)
	defer ticker.Stop()
	for {
		settled, err := s.checkReceipt(s.ctx, e, hash)
		if settled {
			return
		}
		if err != nil && !errors.Is(err, chain.ErrNotFound) && s.ctx.Err() == nil {
			s.log.Warn("receipt lookup failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *ActionService) checkReceipt(ctx context.Context, e *entry, hash common.Hash) (bool, error) {
	rcpt, err := s.tx.Receipt(ctx, hash)
	if err != nil {
		return false, err
	}
	block := rcpt.BlockNumber.Uint64()
	if s.cfg.Confirmations > 1 {
		head, err := s.tx.LatestBlock(ctx)
		if err != nil {
			return false, err
		}
		if head+1 < block+s.cfg.Confirmations {
			return false, nil
		}
	}

	s.mu.Lock()
	kind, invoiceID, call := e.intent.Kind, e.intent.InvoiceID, e.call
	s.mu.Unlock()

	if rcpt.Status != types.ReceiptStatusSuccessful {
		reason := s.tx.RevertReason(ctx, call, rcpt.BlockNumber)
		s.mu.Lock()
		s.settle(e, StateReverted, func(in *Intent) {
			in.Block = block
			in.Reason = reason
		})
		s.mu.Unlock()
		metrics.ActionFinished(string(kind), "reverted")
		s.log.Warn("transaction reverted", zap.String("tx", hash.Hex()), zap.String("reason", reason))
		return true, nil
	}

	if kind != ActionChooseRole {
		s.invoices.Invalidate(invoiceID)
	} else if _, err := s.guard.Evaluate(ctx); err != nil {
		s.log.Warn("role refresh failed", zap.Error(err))
	}
	if s.observer != nil && len(rcpt.Logs) > 0 {
		logs := make([]types.Log, 0, len(rcpt.Logs))
		for _, lg := range rcpt.Logs {
			logs = append(logs, *lg)
		}
		if err := s.observer.ObserveLogs(ctx, logs, models.SourceReceipt); err != nil {
			s.log.Warn("receipt logs not applied", zap.String("tx", hash.Hex()), zap.Error(err))
		}
	}
	s.mu.Lock()
	s.settle(e, StateConfirmed, func(in *Intent) { in.Block = block })
	s.mu.Unlock()
	metrics.ActionFinished(string(kind), "confirmed")
	s.log.Info("transaction confirmed", zap.String("tx", hash.Hex()), zap.Uint64("block", block))
	return true, nil
}

// settle moves e to a terminal state. Callers hold s.mu.
func (s *ActionService) settle(e *entry, state IntentState, fn func(*Intent)) {
	if e.intent.State.terminal() {
		return
	}
	e.intent.State = state
	e.intent.UpdatedAt = s.now()
	if fn != nil {
		fn(&e.intent)
	}
	close(e.done)
}

// prune expires stale built intents and forgets old settled ones. Callers
// hold s.mu.
func (s *ActionService) prune(now time.Time) {
	for id, e := range s.intents {
		switch {
		case e.intent.State == StateBuilt && !e.confirming && now.After(e.intent.ExpiresAt):
			s.settle(e, StateCancelled, func(in *Intent) { in.Error = "intent expired" })
		case e.intent.State.terminal() && now.Sub(e.intent.UpdatedAt) > intentRetention:
			delete(s.intents, id)
		}
	}
}

func (e *entry) apply(p *plan) {
	e.call = p.call
	e.intent.Method = p.call.Method
	e.intent.ValueWei = p.call.Value
	e.intent.Gas = p.gas
	e.intent.Quote = p.quote
	e.intent.Price = p.price
}

func (e *entry) snapshot() *Intent {
	cp := e.intent
	if cp.ValueWei != nil {
		cp.ValueWei = new(big.Int).Set(cp.ValueWei)
	}
	return &cp
}

func sameValue(a, b *big.Int) bool {
	if a == nil || b == nil {
		return (a == nil || a.Sign() == 0) && (b == nil || b.Sign() == 0)
	}
	return a.Cmp(b) == 0
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, ErrGuard), errors.Is(err, ErrStaleRoleState):
		return "guard_failed"
	case errors.Is(err, ErrGasEstimation):
		return "estimation_failed"
	case errors.Is(err, chain.ErrRejectedByUser), errors.Is(err, chain.ErrSubmissionRejected):
		return "rejected"
	case errors.Is(err, ErrActionReverted):
		return "reverted"
	}
	return "error"
}
