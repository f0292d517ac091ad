package market

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/edgemart/internal/backoff"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market/storage"
	"github.com/danmuck/edgemart/internal/observability"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/rs/zerolog/log"
)

// ReconcileReport counts what one sweep did.
type ReconcileReport struct {
	Scanned       int `json:"scanned"`
	Paid          int `json:"paid"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	RefundPending int `json:"refund_pending"`
	Refunded      int `json:"refunded"`
	Errors        int `json:"errors"`
}

// ReconcileOnce advances stuck purchase sagas one step each: stale initiated sagas re-issue their
// payment, paid sagas retry the transfer until MaxTransferAttempts and then await a refund, and
// refund_pending sagas retry the refund. The returned error is the first step error seen.
func (s *Service) ReconcileOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	var firstErr error
	note := func(err error) {
		report.Errors++
		if firstErr == nil {
			firstErr = err
		}
	}

	now := s.now()
	stale, err := s.store.ListPurchaseSagas(ctx, []storage.SagaState{storage.SagaInitiated}, now.Add(-s.cfg.ReservationTTL), s.cfg.SweepBatch)
	if err != nil {
		return report, fmt.Errorf("list initiated sagas: %w", err)
	}
	retry, err := s.store.ListPurchaseSagas(ctx, []storage.SagaState{storage.SagaPaid, storage.SagaRefundPending}, now.Add(-s.cfg.RetryAfter), s.cfg.SweepBatch)
	if err != nil {
		return report, fmt.Errorf("list paid sagas: %w", err)
	}

	for _, saga := range append(stale, retry...) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		next, err := s.reconcileSaga(ctx, saga)
		if err != nil {
			note(err)
			log.Warn().Err(err).Str("saga", saga.ID).Str("state", string(saga.State)).Msg("market.reconcile step failed")
		}
		if next.State == saga.State {
			continue
		}
		switch next.State {
		case storage.SagaPaid:
			report.Paid++
		case storage.SagaCompleted:
			report.Completed++
		case storage.SagaFailed:
			report.Failed++
		case storage.SagaRefundPending:
			report.RefundPending++
		case storage.SagaRefunded:
			report.Refunded++
		}
	}
	if report.Scanned > 0 {
		log.Info().
			Int("scanned", report.Scanned).
			Int("completed", report.Completed).
			Int("refunded", report.Refunded).
			Int("errors", report.Errors).
			Msg("market.reconcile")
	}
	return report, firstErr
}

func (s *Service) reconcileSaga(ctx context.Context, saga Purchase) (Purchase, error) {
	const op = "market.reconcile"
	switch saga.State {
	case storage.SagaInitiated:
		next, err := s.pay(ctx, op, saga)
		if next.State == storage.SagaFailed {
			return next, nil
		}
		return next, err
	case storage.SagaPaid:
		return s.reconcilePaid(ctx, op, saga)
	case storage.SagaRefundPending:
		return s.refund(ctx, saga)
	default:
		return saga, nil
	}
}

func (s *Service) reconcilePaid(ctx context.Context, op string, saga Purchase) (Purchase, error) {
	started := time.Now()
	owners, err := s.registries.OwnerOf(ctx, saga.CollectionID, []registry.TokenID{saga.TokenID})
	observability.RecordRemoteCall("registry", "owner_of", time.Since(started), err == nil)
	if err != nil {
		return saga, fmt.Errorf("owner of %s/%d: %w", saga.CollectionID, saga.TokenID, err)
	}
	if len(owners) == 1 && owners[0] != nil && *owners[0] == saga.Buyer {
		// Delivered on an earlier attempt whose reply was lost.
		return s.complete(ctx, op, saga, 0)
	}
	if saga.Attempts >= s.cfg.MaxTransferAttempts {
		return s.markRefundPending(ctx, saga)
	}
	next, err := s.deliver(ctx, op, saga)
	if err != nil && next.Attempts >= s.cfg.MaxTransferAttempts {
		return s.markRefundPending(ctx, next)
	}
	return next, err
}

func (s *Service) markRefundPending(ctx context.Context, saga Purchase) (Purchase, error) {
	saga.State = storage.SagaRefundPending
	saga.UpdatedAt = s.now()
	saved, err := s.store.UpdatePurchaseSaga(ctx, saga)
	if err != nil {
		return saga, err
	}
	observability.RecordSagaTransition("purchase", string(saved.State))
	log.Warn().
		Str("saga", saved.ID).
		Int("attempts", saved.Attempts).
		Str("last_error", saved.LastError).
		Msg("market.reconcile refund pending")
	return s.refund(ctx, saved)
}

// refund returns the price from seller to buyer. The memo and created_at are fixed per saga so
// repeated attempts land at most once.
func (s *Service) refund(ctx context.Context, saga Purchase) (Purchase, error) {
	createdAt := saga.CreatedAt
	started := time.Now()
	block, err := s.ledger.TransferFrom(ctx, ledger.TransferFromArg{
		From:      saga.Seller,
		To:        saga.Buyer,
		Amount:    saga.Price,
		Spender:   s.cfg.Self,
		Memo:      []byte("refund:" + saga.ID),
		CreatedAt: &createdAt,
	})
	var dup *ledger.DuplicateError
	if errors.As(err, &dup) {
		block, err = dup.Of, nil
	}
	observability.RecordRemoteCall("ledger", "refund", time.Since(started), err == nil)
	if err != nil {
		return s.noteAttempt(ctx, saga, err), fmt.Errorf("refund %s: %w", saga.ID, err)
	}

	saga.State = storage.SagaRefunded
	saga.RefundBlock = &block
	saga.LastError = ""
	saga.UpdatedAt = s.now()
	saved, err := s.store.UpdatePurchaseSaga(ctx, saga)
	if err != nil {
		return saga, err
	}
	observability.RecordSagaTransition("purchase", string(saved.State))
	log.Info().Str("saga", saved.ID).Uint64("block", uint64(block)).Msg("market.reconcile refunded")
	return saved, nil
}

// RunSweeper calls ReconcileOnce every SweepInterval until ctx ends. After a failed sweep the next
// one waits an exponential backoff instead.
func (s *Service) RunSweeper(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	failures := 0
	timer := time.NewTimer(s.cfg.SweepInterval)
	defer timer.Stop()
	log.Info().Dur("interval", s.cfg.SweepInterval).Msg("market.sweeper start")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("market.sweeper stop")
			return nil
		case <-timer.C:
		}
		delay := s.cfg.SweepInterval
		if _, err := s.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
			failures++
			delay = backoff.Delay(s.cfg.Backoff, failures, rng)
			log.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("market.sweeper sweep failed")
		} else {
			failures = 0
		}
		timer.Reset(delay)
	}
}
