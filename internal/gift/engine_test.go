package gift

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nantokaworks/streamlive/internal/backendapi"
	"github.com/nantokaworks/streamlive/internal/domain"
)

type mockWallet struct {
	balance domain.WalletBalance

	sendCalls    int
	sendKeys     []string
	sendErr      error
	sendErrs     []error // consumed per call when set
	duplicate    bool
	debits       int
	purchaseErr  error
	purchaseAdds int
}

func (m *mockWallet) SendGift(ctx context.Context, sessionID, giftID, idempotencyKey string) (*backendapi.GiftResult, error) {
	m.sendCalls++
	m.sendKeys = append(m.sendKeys, idempotencyKey)

	err := m.sendErr
	if len(m.sendErrs) > 0 {
		err = m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
	}
	if err != nil {
		return nil, err
	}

	if m.duplicate {
		return &backendapi.GiftResult{Balance: m.balance, Duplicate: true}, nil
	}

	m.debits++
	m.balance.Coins -= 80
	return &backendapi.GiftResult{Balance: m.balance}, nil
}

func (m *mockWallet) Purchase(ctx context.Context, packageID, idempotencyKey string) (*domain.WalletBalance, error) {
	if m.purchaseErr != nil {
		return nil, m.purchaseErr
	}
	m.balance.Coins += m.purchaseAdds
	b := m.balance
	return &b, nil
}

func (m *mockWallet) GetBalance(ctx context.Context) (*domain.WalletBalance, error) {
	b := m.balance
	return &b, nil
}

type mockSink struct {
	messages []domain.Message
}

func (m *mockSink) AddLocal(msg domain.Message) {
	m.messages = append(m.messages, msg)
}

var testGift = domain.Gift{ID: "rose", Name: "Rose", Cost: 80}

func newTestEngine(wallet *mockWallet, sink *mockSink) *Engine {
	return NewEngine(wallet, sink, NewAnimations(time.Minute), "u1", Events{})
}

func TestSendGift_InsufficientBalanceSkipsNetwork(t *testing.T) {
	wallet := &mockWallet{balance: domain.WalletBalance{Coins: 50}}
	sink := &mockSink{}
	engine := newTestEngine(wallet, sink)

	if err := engine.RefreshBalance(context.Background()); err != nil {
		t.Fatalf("RefreshBalance failed: %v", err)
	}

	err := engine.SendGift(context.Background(), "s1", testGift)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("unexpected error: %v", err)
	}
	if wallet.sendCalls != 0 {
		t.Fatalf("no debit call may be issued: got=%d calls", wallet.sendCalls)
	}
}

func TestSendGift_SuccessEmitsEventAndBalance(t *testing.T) {
	wallet := &mockWallet{balance: domain.WalletBalance{Coins: 150}}
	sink := &mockSink{}

	var published []domain.WalletBalance
	var tokens []*AnimationToken
	engine := NewEngine(wallet, sink, NewAnimations(time.Minute), "u1", Events{
		OnBalanceChanged: func(b domain.WalletBalance) { published = append(published, b) },
		OnGiftAnimation:  func(tok *AnimationToken) { tokens = append(tokens, tok) },
	})

	if err := engine.RefreshBalance(context.Background()); err != nil {
		t.Fatalf("RefreshBalance failed: %v", err)
	}
	if err := engine.SendGift(context.Background(), "s1", testGift); err != nil {
		t.Fatalf("SendGift failed: %v", err)
	}

	if wallet.debits != 1 {
		t.Fatalf("unexpected debit count: got=%d want=1", wallet.debits)
	}
	if b, _ := engine.Balance(); b.Coins != 70 {
		t.Fatalf("unexpected balance: got=%d want=70", b.Coins)
	}
	if len(sink.messages) != 1 || sink.messages[0].Kind != domain.KindGift {
		t.Fatalf("expected one gift message, got %v", sink.messages)
	}
	if len(tokens) != 1 || tokens[0].GiftID != "rose" {
		t.Fatalf("expected one animation token for rose, got %v", tokens)
	}
	// The last published balance must be the backend's answer, not a local
	// computation.
	if published[len(published)-1].Coins != 70 {
		t.Fatalf("unexpected published balance: got=%d want=70", published[len(published)-1].Coins)
	}
}

func TestSendGift_AmbiguousOutcomeKeepsKey(t *testing.T) {
	wallet := &mockWallet{
		balance:  domain.WalletBalance{Coins: 150},
		sendErrs: []error{errors.New("connection reset")},
	}
	engine := newTestEngine(wallet, &mockSink{})
	if err := engine.RefreshBalance(context.Background()); err != nil {
		t.Fatalf("RefreshBalance failed: %v", err)
	}

	err := engine.SendGift(context.Background(), "s1", testGift)
	if !errors.Is(err, ErrAmbiguousOutcome) {
		t.Fatalf("unexpected error: %v", err)
	}

	req, ok := engine.PendingRequest()
	if !ok {
		t.Fatalf("pending request should be retained")
	}

	origDelay := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = origDelay }()

	if err := engine.RetryPending(context.Background()); err != nil {
		t.Fatalf("RetryPending failed: %v", err)
	}

	if wallet.sendCalls != 2 {
		t.Fatalf("unexpected call count: got=%d want=2", wallet.sendCalls)
	}
	if wallet.sendKeys[0] != wallet.sendKeys[1] {
		t.Fatalf("retry must reuse the idempotency key: got=%q and %q", wallet.sendKeys[0], wallet.sendKeys[1])
	}
	if wallet.sendKeys[1] != req.IdempotencyKey {
		t.Fatalf("retry key mismatch: got=%q want=%q", wallet.sendKeys[1], req.IdempotencyKey)
	}
	if _, ok := engine.PendingRequest(); ok {
		t.Fatalf("pending request should be cleared after success")
	}
}

func TestRetryPending_DuplicateMeansNoSecondDebit(t *testing.T) {
	wallet := &mockWallet{
		balance:  domain.WalletBalance{Coins: 70},
		sendErrs: []error{errors.New("timeout")},
	}
	sink := &mockSink{}
	engine := newTestEngine(wallet, sink)
	if err := engine.RefreshBalance(context.Background()); err != nil {
		t.Fatalf("RefreshBalance failed: %v", err)
	}

	if err := engine.SendGift(context.Background(), "s1", testGift); !errors.Is(err, ErrAmbiguousOutcome) {
		t.Fatalf("unexpected error: %v", err)
	}

	// The backend did process attempt 1: the retry is answered as duplicate.
	wallet.duplicate = true

	origDelay := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = origDelay }()

	if err := engine.RetryPending(context.Background()); err != nil {
		t.Fatalf("RetryPending failed: %v", err)
	}

	if wallet.debits != 0 {
		t.Fatalf("duplicate answer must not debit: got=%d debits", wallet.debits)
	}
	if len(sink.messages) != 0 {
		t.Fatalf("duplicate answer must not re-emit the gift event: got=%d", len(sink.messages))
	}
}

func TestSendGift_DefinitiveRejectClearsPending(t *testing.T) {
	wallet := &mockWallet{
		balance: domain.WalletBalance{Coins: 150},
		sendErr: &backendapi.HTTPError{StatusCode: 402, Message: "insufficient funds"},
	}
	engine := newTestEngine(wallet, &mockSink{})
	if err := engine.RefreshBalance(context.Background()); err != nil {
		t.Fatalf("RefreshBalance failed: %v", err)
	}

	err := engine.SendGift(context.Background(), "s1", testGift)
	if err == nil || errors.Is(err, ErrAmbiguousOutcome) {
		t.Fatalf("definitive reject should not be ambiguous: %v", err)
	}
	if _, ok := engine.PendingRequest(); ok {
		t.Fatalf("definitive reject must not leave a pending request")
	}
	if err := engine.RetryPending(context.Background()); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendGift_InsufficientBalanceCarriesKind(t *testing.T) {
	wallet := &mockWallet{balance: domain.WalletBalance{Coins: 50}}

	var kinds []domain.ErrorKind
	engine := NewEngine(wallet, &mockSink{}, NewAnimations(time.Minute), "u1", Events{
		OnError: func(kind domain.ErrorKind, err error) { kinds = append(kinds, kind) },
	})
	if err := engine.RefreshBalance(context.Background()); err != nil {
		t.Fatalf("RefreshBalance failed: %v", err)
	}

	err := engine.SendGift(context.Background(), "s1", testGift)
	var kindErr *domain.KindError
	if !errors.As(err, &kindErr) || kindErr.Kind != domain.ErrKindInsufficientBalance {
		t.Fatalf("unexpected error kind: %v", err)
	}
	if len(kinds) != 1 || kinds[0] != domain.ErrKindInsufficientBalance {
		t.Fatalf("unexpected emitted kinds: %v", kinds)
	}
}

func TestSendGift_AmbiguousOutcomeCarriesKind(t *testing.T) {
	wallet := &mockWallet{
		balance: domain.WalletBalance{Coins: 150},
		sendErr: errors.New("connection reset"),
	}

	var kinds []domain.ErrorKind
	engine := NewEngine(wallet, &mockSink{}, NewAnimations(time.Minute), "u1", Events{
		OnError: func(kind domain.ErrorKind, err error) { kinds = append(kinds, kind) },
	})
	if err := engine.RefreshBalance(context.Background()); err != nil {
		t.Fatalf("RefreshBalance failed: %v", err)
	}

	err := engine.SendGift(context.Background(), "s1", testGift)
	var kindErr *domain.KindError
	if !errors.As(err, &kindErr) || kindErr.Kind != domain.ErrKindAmbiguousGiftOutcome {
		t.Fatalf("unexpected error kind: %v", err)
	}
	if len(kinds) != 1 || kinds[0] != domain.ErrKindAmbiguousGiftOutcome {
		t.Fatalf("unexpected emitted kinds: %v", kinds)
	}
}

func TestSendGift_InsufficientBalanceDuringConcurrentRefresh(t *testing.T) {
	wallet := &mockWallet{balance: domain.WalletBalance{Coins: 50}}
	engine := newTestEngine(wallet, &mockSink{})
	if err := engine.RefreshBalance(context.Background()); err != nil {
		t.Fatalf("RefreshBalance failed: %v", err)
	}

	// The denied fast-path formats its error from the balance snapshot while
	// refreshes rewrite it. Run under -race.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := engine.SendGift(context.Background(), "s1", testGift); !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_ = engine.RefreshBalance(context.Background())
		}()
	}
	wg.Wait()
}

func TestPurchaseCoins_ReopensInterruptedGift(t *testing.T) {
	wallet := &mockWallet{balance: domain.WalletBalance{Coins: 50}, purchaseAdds: 100}
	engine := newTestEngine(wallet, &mockSink{})
	if err := engine.RefreshBalance(context.Background()); err != nil {
		t.Fatalf("RefreshBalance failed: %v", err)
	}

	if err := engine.SendGift(context.Background(), "s1", testGift); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("unexpected error: %v", err)
	}

	reopen, err := engine.PurchaseCoins(context.Background(), domain.CoinPackage{ID: "p100", Coins: 100})
	if err != nil {
		t.Fatalf("PurchaseCoins failed: %v", err)
	}
	if reopen == nil || reopen.ID != testGift.ID {
		t.Fatalf("purchase should re-open the interrupted gift: got=%v", reopen)
	}
	if b, _ := engine.Balance(); b.Coins != 150 {
		t.Fatalf("unexpected balance after purchase: got=%d want=150", b.Coins)
	}

	// The same gift now succeeds and the balance lands on the backend value.
	if err := engine.SendGift(context.Background(), "s1", testGift); err != nil {
		t.Fatalf("SendGift after purchase failed: %v", err)
	}
	if b, _ := engine.Balance(); b.Coins != 70 {
		t.Fatalf("unexpected final balance: got=%d want=70", b.Coins)
	}
}
