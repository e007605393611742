package order

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/discount"
)

// --- Mock implementations ---

type mockCartStore struct {
	cart     *cart.Cart
	totals   *cart.Totals
	totalErr error
	cleared  string
}

func (m *mockCartStore) GetOrCreateCart(_ context.Context, id cart.Identity) (*cart.Cart, error) {
	if _, err := id.Owner(); err != nil {
		return nil, err
	}
	return m.cart, nil
}

func (m *mockCartStore) Totals(_ context.Context, _ *cart.Cart) (*cart.Totals, error) {
	return m.totals, m.totalErr
}

func (m *mockCartStore) Clear(_ context.Context, cartID string) error {
	m.cleared = cartID
	return nil
}

type mockDiscountEngine struct {
	exponent  int32
	code      *discount.Code
	err       error
	redeemErr error
	redeemed  []string
}

func (m *mockDiscountEngine) ValidateForUpdate(_ context.Context, _ string, _ decimal.Decimal, _ string) (*discount.Code, error) {
	return m.code, m.err
}

func (m *mockDiscountEngine) Amount(c *discount.Code, subtotal decimal.Decimal) decimal.Decimal {
	return discount.ComputeAmount(c, subtotal, m.exponent)
}

func (m *mockDiscountEngine) Redeem(_ context.Context, c *discount.Code, _, orderID string) error {
	m.redeemed = append(m.redeemed, c.Code+":"+orderID)
	return m.redeemErr
}

type memOrderRepo struct {
	mu        sync.Mutex
	orders    map[string]*Order
	locks     []string
	createErr error
}

func newMemOrderRepo(orders ...*Order) *memOrderRepo {
	m := &memOrderRepo{orders: make(map[string]*Order)}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *memOrderRepo) Create(_ context.Context, o *Order) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memOrderRepo) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrderRepo) GetByPaymentIntent(_ context.Context, intentID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.PaymentIntentID == intentID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memOrderRepo) Lock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = append(m.locks, id)
	return nil
}

func (m *memOrderRepo) UpdateStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	return nil
}

func (m *memOrderRepo) UpdatePaymentStatus(_ context.Context, id string, status PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.PaymentStatus = status
	return nil
}

func (m *memOrderRepo) SetPaymentIntent(_ context.Context, id, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.PaymentIntentID = intentID
	return nil
}

type mockTransactor struct {
	calls int
}

func (m *mockTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

type mockPublisher struct {
	events []Event
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, e Event) error {
	m.events = append(m.events, e)
	return m.err
}

func (m *mockPublisher) types() []EventType {
	out := make([]EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}
