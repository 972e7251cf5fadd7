package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait
)

type streamPrice struct {
	price float64
	at    time.Time
}

// PriceStream 通过币安 aggTrade 组合流维护每个交易对的最新成交价。
type PriceStream struct {
	url            string
	reconnectDelay time.Duration
	logger         *zap.Logger

	mu     sync.RWMutex
	prices map[string]streamPrice
}

// NewPriceStream 为给定交易对 (BASE/QUOTE) 创建价格流。
func NewPriceStream(wsBaseURL string, pairs []string, logger *zap.Logger) *PriceStream {
	streams := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		streams = append(streams, strings.ToLower(Symbol(pair))+"@aggTrade")
	}
	return &PriceStream{
		url:            fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(wsBaseURL, "/"), strings.Join(streams, "/")),
		reconnectDelay: 5 * time.Second,
		logger:         logger.Named("price_stream"),
		prices:         make(map[string]streamPrice),
	}
}

// Latest 返回 symbol (如 "ETHUSDC") 在 maxAge 内的最新价格。
func (s *PriceStream) Latest(symbol string, maxAge time.Duration) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[strings.ToUpper(symbol)]
	if !ok || time.Since(p.at) > maxAge {
		return 0, false
	}
	return p.price, true
}

// Run 维持WebSocket连接, 断开后重连, 直到 ctx 结束。
func (s *PriceStream) Run(ctx context.Context) error {
	for {
		if err := s.runOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("WebSocket连接断开，准备重连...", zap.Error(err), zap.Duration("delay", s.reconnectDelay))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("WebSocket循环已停止。")
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *PriceStream) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("WebSocket连接失败: %w", err)
	}
	defer conn.Close()
	s.logger.Info("WebSocket连接成功。", zap.String("url", s.url))

	// 设置Pong处理器来延长读取超时
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		pingTicker := time.NewTicker(pingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					s.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 关闭帧会让 ReadMessage 返回
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		if err := s.handleMessage(message); err != nil {
			s.logger.Debug("解析价格信息失败", zap.Error(err))
		}
	}
}

// handleMessage 解析组合流或单一流的 aggTrade 消息。
func (s *PriceStream) handleMessage(message []byte) error {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		return err
	}
	payload := message
	if len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var trade struct {
		Symbol string      `json:"s"`
		Price  json.Number `json:"p"` // "p"代表价格
	}
	if err := json.Unmarshal(payload, &trade); err != nil {
		return err
	}
	if trade.Symbol == "" {
		return fmt.Errorf("message without symbol")
	}
	price, err := trade.Price.Float64()
	if err != nil {
		return fmt.Errorf("转换价格失败: %w", err)
	}

	s.mu.Lock()
	s.prices[strings.ToUpper(trade.Symbol)] = streamPrice{price: price, at: time.Now()}
	s.mu.Unlock()
	return nil
}
