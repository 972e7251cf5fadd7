// Package exchangetest provides a scriptable exchange.Adapter for tests.
package exchangetest

import (
	"context"
	"fmt"
	"sync"

	"grid-engine-go/internal/models"
)

// Adapter is an in-memory venue whose answers are set by the test.
// GetOrderStatus walks Statuses in order and repeats the last entry.
type Adapter struct {
	mu sync.Mutex

	name       string
	price      float64
	priceErr   error
	balances   map[string]float64
	balanceErr error
	submitErr  error
	statuses   []models.OrderStatus
	statusErr  error
	flaky      int // status queries left to fail with flakyErr
	flakyErr   error

	placed      []models.LimitOrder
	statusCalls map[string]int
	answered    map[string]int // successful status answers per order
	priceCalls  int
	nextID      int
}

// New returns a fake priced at price with generous balances and orders that fill on first poll.
func New(name string, price float64) *Adapter {
	return &Adapter{
		name:        name,
		price:       price,
		balances:    map[string]float64{},
		statuses:    []models.OrderStatus{models.OrderFilled},
		statusCalls: map[string]int{},
		answered:    map[string]int{},
	}
}

func (a *Adapter) SetPrice(price float64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.price, a.priceErr = price, err
}

// SetBalance sets an asset balance. Assets never set report an unlimited balance.
func (a *Adapter) SetBalance(asset string, amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[asset] = amount
}

func (a *Adapter) SetBalanceErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balanceErr = err
}

func (a *Adapter) SetSubmitErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitErr = err
}

func (a *Adapter) SetStatuses(statuses ...models.OrderStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses = statuses
	a.statusCalls = map[string]int{}
	a.answered = map[string]int{}
}

func (a *Adapter) SetStatusErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusErr = err
}

// FailStatusQueries makes the next n status queries fail with err before
// answers resume from the scripted statuses.
func (a *Adapter) FailStatusQueries(n int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flaky, a.flakyErr = n, err
}

// Placed returns every submitted order.
func (a *Adapter) Placed() []models.LimitOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.LimitOrder(nil), a.placed...)
}

// StatusCalls returns how often a venue order was polled.
func (a *Adapter) StatusCalls(venueOrderID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusCalls[venueOrderID]
}

func (a *Adapter) PriceCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.priceCalls
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) GetPrice(ctx context.Context, pair string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.priceCalls++
	if a.priceErr != nil {
		return 0, a.priceErr
	}
	return a.price, nil
}

func (a *Adapter) PlaceLimitOrder(ctx context.Context, order models.LimitOrder, strategyID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.submitErr != nil {
		return "", a.submitErr
	}
	a.nextID++
	order.VenueOrderID = fmt.Sprintf("%s-%d", a.name, a.nextID)
	a.placed = append(a.placed, order)
	return order.VenueOrderID, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, venueOrderID string) error {
	return nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, venueOrderID, strategyID string) (models.OrderStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusCalls[venueOrderID]++
	if a.flaky > 0 {
		a.flaky--
		return "", a.flakyErr
	}
	if a.statusErr != nil {
		return "", a.statusErr
	}
	n := a.answered[venueOrderID]
	a.answered[venueOrderID] = n + 1
	if len(a.statuses) == 0 {
		return models.OrderPending, nil
	}
	if n >= len(a.statuses) {
		n = len(a.statuses) - 1
	}
	return a.statuses[n], nil
}

func (a *Adapter) GetBalance(ctx context.Context, asset string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.balanceErr != nil {
		return 0, a.balanceErr
	}
	if b, ok := a.balances[asset]; ok {
		return b, nil
	}
	return 1e12, nil
}
