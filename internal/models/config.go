package models

import "time"

// Config 结构体定义了引擎进程的所有配置参数
type Config struct {
	Server     ServerConfig   `json:"server" yaml:"server"`
	Engine     EngineConfig   `json:"engine" yaml:"engine"`
	Storage    StorageConfig  `json:"storage" yaml:"storage"`
	Exchange   ExchangeConfig `json:"exchange" yaml:"exchange"`
	Strategies []GridConfig   `json:"strategies" yaml:"strategies"` // 启动时自动创建的策略
	LogConfig  LogConfig      `json:"log" yaml:"log"`               // 日志配置
}

// ServerConfig 定义了HTTP控制接口的监听地址
type ServerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// EngineConfig 定义了执行器、价格监控器和管理器的运行参数
type EngineConfig struct {
	CycleIntervalSec        int  `json:"cycle_interval_sec" yaml:"cycle_interval_sec"`               // 策略执行周期(秒)
	MonitorIntervalSec      int  `json:"monitor_interval_sec" yaml:"monitor_interval_sec"`           // 价格监控周期(秒)
	OrderPollAttempts       int  `json:"order_poll_attempts" yaml:"order_poll_attempts"`             // 订单状态轮询次数
	OrderPollDelayMs        int  `json:"order_poll_delay_ms" yaml:"order_poll_delay_ms"`             // 两次轮询之间的间隔(毫秒)
	MaxPriceFailures        int  `json:"max_price_failures" yaml:"max_price_failures"`               // 连续获取价格失败多少次后进入Error, 0表示永不
	MonitorWorkers          int  `json:"monitor_workers" yaml:"monitor_workers"`                     // 价格监控器的并发数
	MaxConcurrentStrategies int  `json:"max_concurrent_strategies" yaml:"max_concurrent_strategies"` // 同时运行的策略上限
	RecoverOnStart          bool `json:"recover_on_start" yaml:"recover_on_start"`                   // 启动时是否恢复持久化的活跃策略
}

// CycleInterval returns the executor tick period.
func (c EngineConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSec) * time.Second
}

// MonitorInterval returns the price monitor tick period.
func (c EngineConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSec) * time.Second
}

// OrderPollDelay returns the delay between two order status queries.
func (c EngineConfig) OrderPollDelay() time.Duration {
	return time.Duration(c.OrderPollDelayMs) * time.Millisecond
}

// StorageConfig 定义了持久化层
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "badger" 或 "sqlite"
	DBPath string `json:"db_path" yaml:"db_path"`
}

// ExchangeConfig 定义了交易所适配器的配置
type ExchangeConfig struct {
	Default           string      `json:"default" yaml:"default"` // "paper" 或 "binance"
	IsTestnet         bool        `json:"is_testnet" yaml:"is_testnet"`
	LiveAPIURL        string      `json:"live_api_url" yaml:"live_api_url"`
	LiveWSURL         string      `json:"live_ws_url" yaml:"live_ws_url"`
	TestnetAPIURL     string      `json:"testnet_api_url" yaml:"testnet_api_url"`
	TestnetWSURL      string      `json:"testnet_ws_url" yaml:"testnet_ws_url"`
	RequestsPerSecond float64     `json:"requests_per_second" yaml:"requests_per_second"` // REST 请求限速
	UseWebSocket      bool        `json:"use_websocket" yaml:"use_websocket"`             // 是否用 aggTrade 流提供价格
	PriceFreshnessSec int         `json:"price_freshness_sec" yaml:"price_freshness_sec"` // 流价格的有效期(秒)
	Paper             PaperConfig `json:"paper" yaml:"paper"`

	APIKey    string `json:"-" yaml:"-"` // 只从环境变量读取
	SecretKey string `json:"-" yaml:"-"`
}

// BaseURL returns the REST endpoint for the configured network.
func (c ExchangeConfig) BaseURL() string {
	if c.IsTestnet {
		return c.TestnetAPIURL
	}
	return c.LiveAPIURL
}

// WSBaseURL returns the websocket endpoint for the configured network.
func (c ExchangeConfig) WSBaseURL() string {
	if c.IsTestnet {
		return c.TestnetWSURL
	}
	return c.LiveWSURL
}

// PaperConfig 定义了模拟交易所的初始状态
type PaperConfig struct {
	Balances     map[string]float64 `json:"balances" yaml:"balances"`             // 初始资产余额
	Prices       map[string]float64 `json:"prices" yaml:"prices"`                 // 初始价格, 键为交易对
	MakerFeeRate float64            `json:"maker_fee_rate" yaml:"maker_fee_rate"` // 挂单手续费率
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}
