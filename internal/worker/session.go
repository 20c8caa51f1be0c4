package worker

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"InvoiceChainSync/internal/logging"
)

// Signal is a provider-level event that invalidates synchronized state.
type Signal int

const (
	SignalAccountChanged Signal = iota
	SignalNetworkChanged
	SignalConnect
	SignalDisconnect
)

func (s Signal) String() string {
	switch s {
	case SignalAccountChanged:
		return "account_changed"
	case SignalNetworkChanged:
		return "network_changed"
	case SignalConnect:
		return "connect"
	case SignalDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Factory builds the synchronizer of one account.
type Factory func(account common.Address) *Synchronizer

// Session owns one Synchronizer per watched account and restarts them on
// provider signals. Nothing outside the session starts or stops them.
type Session struct {
	factory Factory
	log     *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	accounts []common.Address
	syncs    map[common.Address]*Synchronizer
}

func NewSession(accounts []common.Address, factory Factory, logger *zap.Logger) *Session {
	return &Session{
		factory:  factory,
		log:      logging.Or(logger),
		accounts: dedupAccounts(accounts),
		syncs:    map[common.Address]*Synchronizer{},
	}
}

// Start builds and starts a synchronizer for every account.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	for _, a := range s.accounts {
		sy, ok := s.syncs[a]
		if !ok {
			sy = s.factory(a)
			s.syncs[a] = sy
		}
		sy.Start(ctx)
	}
}

// Handle applies a provider signal. Disconnect leaves every synchronizer
// idle; connect and network changes restart them from a fresh bootstrap;
// an account change replaces the watched set with accounts.
func (s *Session) Handle(sig Signal, accounts ...common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Info("provider signal", zap.Stringer("signal", sig), zap.Int("accounts", len(accounts)))
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	switch sig {
	case SignalDisconnect:
		for _, sy := range s.syncs {
			sy.Stop()
		}
	case SignalConnect, SignalNetworkChanged:
		for _, a := range s.accounts {
			sy, ok := s.syncs[a]
			if !ok {
				sy = s.factory(a)
				s.syncs[a] = sy
			}
			if err := sy.Restart(ctx); err != nil {
				s.log.Warn("restart failed", zap.String("account", a.Hex()), zap.Error(err))
			}
		}
	case SignalAccountChanged:
		for _, sy := range s.syncs {
			sy.Stop()
			if err := sy.Reset(ctx); err != nil {
				s.log.Warn("reset failed", zap.String("account", sy.Account().Hex()), zap.Error(err))
			}
		}
		s.syncs = map[common.Address]*Synchronizer{}
		s.accounts = dedupAccounts(accounts)
		for _, a := range s.accounts {
			sy := s.factory(a)
			s.syncs[a] = sy
			sy.Start(ctx)
		}
	}
}

func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sy := range s.syncs {
		sy.Stop()
	}
}

func (s *Session) Synchronizer(account common.Address) (*Synchronizer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sy, ok := s.syncs[account]
	return sy, ok
}

func (s *Session) Accounts() []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]common.Address(nil), s.accounts...)
}

func (s *Session) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.accounts))
	for _, a := range s.accounts {
		if sy, ok := s.syncs[a]; ok {
			out = append(out, sy.Status())
		}
	}
	return out
}

func dedupAccounts(in []common.Address) []common.Address {
	seen := map[common.Address]struct{}{}
	out := make([]common.Address, 0, len(in))
	for _, a := range in {
		if a == (common.Address{}) {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
