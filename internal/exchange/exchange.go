package exchange

import (
	"context"
	"strings"

	"grid-engine-go/internal/models"
)

// Adapter 定义了所有交易所实现必须提供的通用方法。
// 引擎只依赖这个接口, 每个交易场所提供一个实现。
// 所有方法都可能失败, 失败时必须返回交易所给出的原因, 不能用默认值代替。
type Adapter interface {
	Name() string
	GetPrice(ctx context.Context, pair string) (float64, error)
	PlaceLimitOrder(ctx context.Context, order models.LimitOrder, strategyID string) (venueOrderID string, err error)
	CancelOrder(ctx context.Context, venueOrderID string) error
	GetOrderStatus(ctx context.Context, venueOrderID, strategyID string) (models.OrderStatus, error)
	GetBalance(ctx context.Context, asset string) (float64, error)
}

// Factory builds an adapter for a named venue. It is used when strategies are
// started from the API or recovered from storage.
type Factory func(name string, cfg models.GridConfig) (Adapter, error)

// Symbol converts "ETH/USDC" into the venue symbol "ETHUSDC".
func Symbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}
