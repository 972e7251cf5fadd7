package executor

import (
	"context"
	"fmt"
	"time"

	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/metrics"
	"grid-engine-go/internal/models"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
)

const (
	DefaultPollAttempts = 10
	DefaultPollDelay    = 2 * time.Second
)

// PollPolicy bounds how long an order is watched after submission.
type PollPolicy struct {
	Attempts int
	Delay    time.Duration
}

func (p PollPolicy) normalized() PollPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPollAttempts
	}
	if p.Delay < 0 {
		p.Delay = DefaultPollDelay
	}
	return p
}

// OrderResult describes how far an order got through its lifecycle.
// VenueOrderID is set whenever the venue accepted the order, including
// when polling later timed out.
type OrderResult struct {
	VenueOrderID  string
	Status        models.OrderStatus
	SettlementRef string
}

// Submitted reports whether the venue accepted the order.
func (r OrderResult) Submitted() bool {
	return r.VenueOrderID != ""
}

// OrderRunner executes one limit order against an adapter: balance check,
// submission, then bounded status polling.
type OrderRunner struct {
	adapter exchange.Adapter
	policy  PollPolicy
	source  string
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewOrderRunner creates a runner. source labels its metrics ("executor" or "monitor").
func NewOrderRunner(adapter exchange.Adapter, policy PollPolicy, source string, m *metrics.Metrics, logger *zap.Logger) *OrderRunner {
	return &OrderRunner{
		adapter: adapter,
		policy:  policy.normalized(),
		source:  source,
		metrics: m,
		logger:  logger,
	}
}

// Execute runs the order to a terminal state or gives up after the poll budget.
// onSubmitted, when non-nil, is called with the venue id right after the venue
// accepts the order. Every returned error wraps models.ErrOrderExecution.
func (r *OrderRunner) Execute(ctx context.Context, order models.LimitOrder, strategyID string, onSubmitted func(venueOrderID string)) (OrderResult, error) {
	res, err := r.execute(ctx, order, strategyID, onSubmitted)

	outcome := "filled"
	if err != nil {
		outcome = models.FailureReason(err)
		r.logger.Warn("order failed",
			zap.String("strategy_id", strategyID),
			zap.String("order_id", order.ID),
			zap.String("venue_order_id", res.VenueOrderID),
			zap.String("reason", outcome),
			zap.Error(err))
	} else {
		r.logger.Info("order filled",
			zap.String("strategy_id", strategyID),
			zap.String("order_id", order.ID),
			zap.String("venue_order_id", res.VenueOrderID),
			zap.String("side", string(order.Side)),
			zap.Float64("price", order.Price),
			zap.Float64("amount", order.Amount))
	}
	r.metrics.OrderOutcome(r.source, outcome)
	return res, err
}

func (r *OrderRunner) execute(ctx context.Context, order models.LimitOrder, strategyID string, onSubmitted func(string)) (OrderResult, error) {
	if err := r.checkBalance(ctx, order); err != nil {
		return OrderResult{Status: models.OrderFailed}, err
	}

	venueID, err := r.adapter.PlaceLimitOrder(ctx, order, strategyID)
	if err != nil {
		return OrderResult{Status: models.OrderFailed}, fmt.Errorf("order %s: %w: %w", order.ID, models.ErrOrderSubmit, err)
	}
	if onSubmitted != nil {
		onSubmitted(venueID)
	}

	res := OrderResult{VenueOrderID: venueID, Status: models.OrderPending}
	status, err := r.poll(ctx, venueID, strategyID)
	switch {
	case err != nil && ctx.Err() != nil:
		return res, fmt.Errorf("order %s: %w: %w", order.ID, models.ErrOrderTimeout, ctx.Err())
	case err != nil:
		return res, fmt.Errorf("order %s: %w: %w", order.ID, models.ErrOrderStatus, err)
	}

	res.Status = status
	switch status {
	case models.OrderFilled:
		res.SettlementRef = SettlementRef(venueID)
		return res, nil
	case models.OrderCancelled:
		return res, fmt.Errorf("order %s (%s): %w", order.ID, venueID, models.ErrOrderCancelled)
	case models.OrderFailed:
		return res, fmt.Errorf("order %s (%s): %w", order.ID, venueID, models.ErrOrderFailed)
	default:
		return res, fmt.Errorf("order %s (%s): %w after %d attempts", order.ID, venueID, models.ErrOrderTimeout, r.policy.Attempts)
	}
}

// checkBalance rejects orders the account cannot fund. An order whose balance
// cannot be read is not submitted.
func (r *OrderRunner) checkBalance(ctx context.Context, order models.LimitOrder) error {
	base, quote, err := models.ParsePair(order.Pair)
	if err != nil {
		return fmt.Errorf("order %s: %w: %w", order.ID, models.ErrOrderSubmit, err)
	}
	asset, need := quote, order.Notional()
	if order.Side == models.Sell {
		asset, need = base, order.Amount
	}

	have, err := r.adapter.GetBalance(ctx, asset)
	if err != nil {
		return fmt.Errorf("order %s: %w: %s: %w", order.ID, models.ErrBalanceCheck, asset, err)
	}
	if have < need {
		return fmt.Errorf("order %s: %w: need %.8f %s, have %.8f", order.ID, models.ErrInsufficientBalance, need, asset, have)
	}
	return nil
}

// poll queries the order status until it leaves pending or the attempts run out.
// Query errors are retried within the same budget. Exhausted attempts return
// the last outcome: a pending status with a nil error, or the last query error.
func (r *OrderRunner) poll(ctx context.Context, venueID, strategyID string) (models.OrderStatus, error) {
	policy := retrypolicy.NewBuilder[models.OrderStatus]().
		HandleIf(func(status models.OrderStatus, err error) bool {
			return err != nil || status == models.OrderPending
		}).
		WithDelay(r.policy.Delay).
		WithMaxRetries(r.policy.Attempts - 1).
		ReturnLastFailure().
		Build()

	return failsafe.With[models.OrderStatus](policy).
		WithContext(ctx).
		Get(func() (models.OrderStatus, error) {
			return r.adapter.GetOrderStatus(ctx, venueID, strategyID)
		})
}

// SettlementRef derives the reference recorded for a filled order.
func SettlementRef(venueOrderID string) string {
	return "tx_" + venueOrderID
}
