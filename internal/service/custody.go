package service

import (
	"context"
	"fmt"
	"laminar/internal/core"
	"laminar/internal/event"
	"laminar/internal/ledger"
	"laminar/internal/persistence"
	"laminar/internal/state"
	"time"

	"github.com/google/uuid"
)

// TransferRequest moves collateral across the ledger boundary
type TransferRequest struct {
	TransferID uuid.UUID
	User       uuid.UUID
	Asset      string
	Amount     uint64
	Timestamp  time.Time
}

// Deposit credits a user's collateral wallet. The balance sheet is not
// touched and the operation counter does not advance; the store version
// does.
func (s *Service) Deposit(ctx context.Context, req TransferRequest) (Outcome, error) {
	if req.Timestamp.IsZero() {
		req.Timestamp = s.now()
	}
	return s.transfer(ctx, "deposit", req, func(sess *ledger.Session) error {
		return sess.Deposit(req.User, req.Amount)
	}, &event.DepositCredited{
		DepositID: req.TransferID,
		UserID:    req.User,
		Asset:     req.Asset,
		Amount:    req.Amount,
		Timestamp: req.Timestamp,
	})
}

// Withdraw releases collateral from a user's wallet.
func (s *Service) Withdraw(ctx context.Context, req TransferRequest) (Outcome, error) {
	if req.Timestamp.IsZero() {
		req.Timestamp = s.now()
	}
	return s.transfer(ctx, "withdraw", req, func(sess *ledger.Session) error {
		return sess.Withdraw(req.User, req.Amount)
	}, &event.WithdrawalDebited{
		WithdrawalID: req.TransferID,
		UserID:       req.User,
		Asset:        req.Asset,
		Amount:       req.Amount,
		Timestamp:    req.Timestamp,
	})
}

func (s *Service) transfer(ctx context.Context, label string, req TransferRequest, move func(*ledger.Session) error, ev event.Event) (Outcome, error) {
	ctx, topLevel := enter(ctx)
	if !topLevel {
		return Outcome{}, s.reject(label, fmt.Errorf("%s: %w", label, state.ErrInvalidCallContext))
	}
	if req.TransferID == uuid.Nil || req.User == uuid.Nil {
		return Outcome{}, s.reject(label, fmt.Errorf("%s: %w: missing transfer or user id", label, state.ErrInvalidParameter))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDuplicate(ctx, ev.EventType(), ev.IdempotencyKey()); err != nil {
		return Outcome{}, s.reject(label, err)
	}

	cp, err := s.load(ctx)
	if err != nil {
		return Outcome{}, s.reject(label, err)
	}
	if req.Asset != cp.State.SupportedCollateral {
		return Outcome{}, s.reject(label, fmt.Errorf("%s: %w: asset %q", label, state.ErrUnsupported, req.Asset))
	}

	session := s.custody.Begin(ev.IdempotencyKey(), cp.State.OperationCounter, req.Timestamp)
	if err := move(session); err != nil {
		session.Rollback()
		return Outcome{}, s.reject(label, fmt.Errorf("%s: %w", label, err))
	}
	if err := session.Reconcile(cp.State); err != nil {
		session.Rollback()
		return Outcome{}, s.reject(label, fmt.Errorf("%s: post-condition: %w", label, err))
	}

	if err := s.store.Commit(ctx, cp.Version, cp.State, persistence.CommitRecord{
		StateHash:      cp.StateHash,
		Batch:          session.Batch(),
		EventType:      ev.EventType().String(),
		IdempotencyKey: ev.IdempotencyKey(),
	}); err != nil {
		session.Rollback()
		return Outcome{}, s.reject(label, s.commitError(label, err))
	}

	batch, err := session.Commit()
	if err != nil {
		s.logger.Error().Err(err).Str("op", label).Msg("custody apply after commit failed")
	}
	return s.finish(ctx, label, ev, cp.State, batch, cp.StateHash, cp.StateHash, req.Timestamp)
}

// State returns the committed ledger state and its balance sheet at the
// recorded pricing.
func (s *Service) State(ctx context.Context) (state.LedgerState, state.BalanceSheet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.load(ctx)
	if err != nil {
		return state.LedgerState{}, state.BalanceSheet{}, err
	}
	bs, err := state.Compute(cp.State, cp.State.Pricing)
	if err != nil {
		return cp.State, state.BalanceSheet{}, err
	}
	return cp.State, bs, nil
}

// Balances returns a user's committed custody balances by asset.
func (s *Service) Balances(ctx context.Context, user uuid.UUID) (map[ledger.AssetID]int64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.load(ctx)
	if err != nil {
		return nil, 0, err
	}
	return s.custody.UserBalances(user), cp.State.OperationCounter, nil
}

// StateHash returns the tip of the committed hash chain.
func (s *Service) StateHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.HexHash(s.hasher.GetPrevHash())
}
