package worker

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"InvoiceChainSync/internal/chain"
	"InvoiceChainSync/internal/metrics"
	"InvoiceChainSync/internal/models"
	"InvoiceChainSync/internal/payments"
)

// subscribeLoop keeps a live subscription attached for the epoch. Every
// re-attachment is followed by an immediate bridging poll so logs emitted
// while detached are picked up without waiting for the next tick.
func (s *Synchronizer) subscribeLoop(ctx context.Context, epoch uint64) {
	defer s.wg.Done()
	attached := false
	for {
		if ctx.Err() != nil {
			return
		}
		var sub chain.Subscription
		err := retry.Do(func() error {
			var err error
			sub, err = s.sub.Subscribe(ctx)
			return err
		},
			retry.Context(ctx),
			retry.Attempts(6),
			retry.Delay(s.cfg.ReconnectDelay),
			retry.MaxDelay(time.Minute),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				s.log.Warn("subscribe failed", zap.Uint("attempt", n+1), zap.Error(err))
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("subscribe gave up, polling only until next attempt", zap.Error(err))
			if !sleepCtx(ctx, s.cfg.Interval) {
				return
			}
			continue
		}
		if !s.attach(epoch, sub) {
			sub.Close()
			return
		}
		if attached {
			metrics.SubscriptionReconnected(s.cfg.Account.Hex())
			s.log.Info("subscription reattached, bridging")
			s.tick(ctx, epoch)
		} else {
			s.log.Info("subscription attached")
		}
		attached = true

		err = s.consume(ctx, epoch, sub)
		s.detach(sub)
		sub.Close()
		if ctx.Err() != nil || errors.Is(err, ErrStale) {
			return
		}
		s.log.Warn("subscription lost", zap.Error(err))
		if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
			return
		}
	}
}

func (s *Synchronizer) consume(ctx context.Context, epoch uint64, sub chain.Subscription) error {
	for {
		lg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := s.handleLog(ctx, epoch, lg); err != nil {
			if errors.Is(err, ErrStale) {
				return err
			}
			s.log.Warn("live event not applied", zap.String("tx", lg.TxHash.Hex()), zap.Uint("log_index", lg.Index), zap.Error(err))
		}
	}
}

func (s *Synchronizer) handleLog(ctx context.Context, epoch uint64, lg types.Log) error {
	if lg.Removed {
		return nil
	}
	ext, err := payments.ExtractRecords(ctx, []types.Log{lg}, s.events, models.SourceSubscription, s.now())
	if err != nil {
		return err
	}
	return s.apply(ctx, epoch, ext)
}

func (s *Synchronizer) attach(epoch uint64, sub chain.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.live = sub
	return true
}

func (s *Synchronizer) detach(sub chain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == sub {
		s.live = nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
