package gift

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nantokaworks/streamlive/internal/backendapi"
	"github.com/nantokaworks/streamlive/internal/domain"
	"github.com/nantokaworks/streamlive/internal/shared/logger"
	"go.uber.org/zap"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmbiguousOutcome    = errors.New("gift outcome ambiguous, retry with same key")
	ErrNoPendingRequest    = errors.New("no pending gift request")
	ErrSendInFlight        = errors.New("gift send already in flight")
)

// newIdempotencyKey is swappable for tests.
var newIdempotencyKey = func() (string, error) {
	return gonanoid.New()
}

// retryBaseDelay is the first backoff step for RetryPending.
var retryBaseDelay = 500 * time.Millisecond

const maxAutoAttempts = 3

// WalletClient is the slice of the backend API the engine needs. The backend
// is the sole arbiter of balance truth.
type WalletClient interface {
	SendGift(ctx context.Context, sessionID, giftID, idempotencyKey string) (*backendapi.GiftResult, error)
	Purchase(ctx context.Context, packageID, idempotencyKey string) (*domain.WalletBalance, error)
	GetBalance(ctx context.Context) (*domain.WalletBalance, error)
}

// MessageSink receives the gift event for the session message sequence.
type MessageSink interface {
	AddLocal(msg domain.Message)
}

// Events are the engine's output callbacks. Nil callbacks are skipped.
type Events struct {
	OnBalanceChanged func(domain.WalletBalance)
	OnGiftAnimation  func(*AnimationToken)
	OnError          func(domain.ErrorKind, error)
}

// Engine moves coins exactly once per gift. The local balance check is a
// fast-path UX optimization only; a retried request always reuses its
// original idempotency key so the backend can reject the duplicate charge.
type Engine struct {
	wallet WalletClient
	sink   MessageSink
	anims  *Animations
	events Events
	userID string

	mu       sync.Mutex
	balance  domain.WalletBalance
	hasSnap  bool
	pending  *pendingSend
	inFlight bool

	// Set when a gift send was interrupted by InsufficientBalance; a
	// completed purchase re-opens the gift flow for it.
	reopenGift *domain.Gift
}

type pendingSend struct {
	req  domain.GiftSendRequest
	gift domain.Gift
}

// NewEngine creates a gift engine for one user session.
func NewEngine(wallet WalletClient, sink MessageSink, anims *Animations, userID string, events Events) *Engine {
	return &Engine{
		wallet: wallet,
		sink:   sink,
		anims:  anims,
		events: events,
		userID: userID,
	}
}

// Balance returns the last-known snapshot. ok is false before any refresh.
func (e *Engine) Balance() (domain.WalletBalance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, e.hasSnap
}

// RefreshBalance pulls the authoritative balance and republishes it.
func (e *Engine) RefreshBalance(ctx context.Context) error {
	b, err := e.wallet.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("gift.RefreshBalance: %w", err)
	}
	e.setBalance(*b)
	return nil
}

// SendGift validates the snapshot, submits an idempotent request and, on
// success, emits the gift event and an animation token.
//
// InsufficientBalance is returned before any network call; the caller offers
// the purchase flow and a later PurchaseCoins re-opens this gift.
func (e *Engine) SendGift(ctx context.Context, sessionID string, g domain.Gift) error {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return ErrSendInFlight
	}
	if e.pending != nil {
		e.mu.Unlock()
		err := fmt.Errorf("gift.SendGift: %w", ErrAmbiguousOutcome)
		e.emitError(domain.ErrKindAmbiguousGiftOutcome, err)
		return &domain.KindError{Kind: domain.ErrKindAmbiguousGiftOutcome, Err: err}
	}
	if e.hasSnap && e.balance.Coins < g.Cost {
		coins := e.balance.Coins
		e.reopenGift = &g
		e.mu.Unlock()
		err := fmt.Errorf("gift.SendGift: %w: have %d, need %d", ErrInsufficientBalance, coins, g.Cost)
		e.emitError(domain.ErrKindInsufficientBalance, err)
		return &domain.KindError{Kind: domain.ErrKindInsufficientBalance, Err: err}
	}

	key, err := newIdempotencyKey()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("gift.SendGift: generate key: %w", err)
	}

	req := domain.GiftSendRequest{
		IdempotencyKey: key,
		SessionID:      sessionID,
		GiftID:         g.ID,
		RequestedAt:    time.Now(),
	}
	e.inFlight = true
	e.mu.Unlock()

	err = e.submit(ctx, req, g)

	e.mu.Lock()
	e.inFlight = false
	e.mu.Unlock()

	return err
}

// RetryPending retries an ambiguous send with the original idempotency key,
// backing off exponentially up to the attempt cap. A backend that processed
// the first attempt reports a duplicate, which counts as success without a
// second debit.
func (e *Engine) RetryPending(ctx context.Context) error {
	e.mu.Lock()
	if e.pending == nil {
		e.mu.Unlock()
		return ErrNoPendingRequest
	}
	if e.inFlight {
		e.mu.Unlock()
		return ErrSendInFlight
	}
	p := *e.pending
	e.inFlight = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= maxAutoAttempts; attempt++ {
		lastErr = e.submit(ctx, p.req, p.gift)
		if lastErr == nil || !errors.Is(lastErr, ErrAmbiguousOutcome) {
			return lastErr
		}

		logger.Warn("Gift retry still ambiguous, backing off",
			zap.String("idempotency_key", p.req.IdempotencyKey),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return fmt.Errorf("gift.RetryPending: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

// PendingRequest exposes the unresolved request, if any, for UI display.
func (e *Engine) PendingRequest() (domain.GiftSendRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return domain.GiftSendRequest{}, false
	}
	return e.pending.req, true
}

// PurchaseCoins buys a coin package and republishes the returned balance.
// When a gift send was interrupted by InsufficientBalance, the gift is
// returned so the caller can re-open the gift flow explicitly.
func (e *Engine) PurchaseCoins(ctx context.Context, pkg domain.CoinPackage) (*domain.Gift, error) {
	key, err := newIdempotencyKey()
	if err != nil {
		return nil, fmt.Errorf("gift.PurchaseCoins: generate key: %w", err)
	}

	balance, err := e.wallet.Purchase(ctx, pkg.ID, key)
	if err != nil {
		return nil, fmt.Errorf("gift.PurchaseCoins: %w", err)
	}

	e.setBalance(*balance)

	e.mu.Lock()
	reopen := e.reopenGift
	e.reopenGift = nil
	e.mu.Unlock()

	logger.Info("Coin purchase confirmed",
		zap.String("package_id", pkg.ID),
		zap.Int("balance", balance.Coins))

	return reopen, nil
}

// submit performs one attempt against the backend and classifies the result.
func (e *Engine) submit(ctx context.Context, req domain.GiftSendRequest, g domain.Gift) error {
	result, err := e.wallet.SendGift(ctx, req.SessionID, req.GiftID, req.IdempotencyKey)
	if err != nil {
		var httpErr *backendapi.HTTPError
		if errors.As(err, &httpErr) {
			// A definitive backend answer: the charge did not happen.
			e.mu.Lock()
			e.pending = nil
			e.mu.Unlock()
			logger.Warn("Gift send rejected by backend",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int("status", httpErr.StatusCode))
			wrapped := fmt.Errorf("gift.submit: %w", err)
			e.emitError(domain.ErrKindBackendFailure, wrapped)
			return &domain.KindError{Kind: domain.ErrKindBackendFailure, Err: wrapped}
		}

		// Network failure after submission: the outcome is unknown. Keep
		// the request so every retry reuses the same key.
		e.mu.Lock()
		e.pending = &pendingSend{req: req, gift: g}
		e.mu.Unlock()
		logger.Warn("Gift send outcome ambiguous",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		wrapped := fmt.Errorf("gift.submit: %w: %w", ErrAmbiguousOutcome, err)
		e.emitError(domain.ErrKindAmbiguousGiftOutcome, wrapped)
		return &domain.KindError{Kind: domain.ErrKindAmbiguousGiftOutcome, Err: wrapped}
	}

	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()

	e.setBalance(result.Balance)

	if result.Duplicate {
		logger.Info("Gift already processed by backend, no second debit",
			zap.String("idempotency_key", req.IdempotencyKey))
		return nil
	}

	// The gift event uses the idempotency key as its message ID so the
	// authoritative feed copy dedups against this optimistic insert.
	if e.sink != nil {
		e.sink.AddLocal(domain.Message{
			ID:     req.IdempotencyKey,
			Kind:   domain.KindGift,
			UserID: e.userID,
			GiftID: g.ID,
			Cost:   g.Cost,
			TS:     time.Now().UnixMilli(),
		})
	}

	if e.anims != nil {
		token, err := e.anims.Issue(g.ID, e.userID)
		if err != nil {
			logger.Warn("Failed to issue animation token", zap.Error(err))
		} else if e.events.OnGiftAnimation != nil {
			e.events.OnGiftAnimation(token)
		}
	}

	logger.Info("Gift sent",
		zap.String("gift_id", g.ID),
		zap.Int("cost", g.Cost),
		zap.Int("balance", result.Balance.Coins))

	return nil
}

func (e *Engine) emitError(kind domain.ErrorKind, err error) {
	if e.events.OnError != nil {
		e.events.OnError(kind, err)
	}
}

func (e *Engine) setBalance(b domain.WalletBalance) {
	e.mu.Lock()
	e.balance = b
	e.hasSnap = true
	e.mu.Unlock()

	if e.events.OnBalanceChanged != nil {
		e.events.OnBalanceChanged(b)
	}
}
