package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"grid-engine-go/internal/api"
	"grid-engine-go/internal/backtest"
	"grid-engine-go/internal/config"
	"grid-engine-go/internal/downloader"
	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/logger"
	"grid-engine-go/internal/manager"
	"grid-engine-go/internal/metrics"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"
	"grid-engine-go/internal/reporter"
	"grid-engine-go/internal/storage"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.yaml", "path to the config file (.yaml or .json)")
	mode := flag.String("mode", "live", "running mode: live, backtest or report")
	dataPath := flag.String("data", "", "path to historical kline CSV for backtesting")
	pair := flag.String("pair", "", "pair to backtest, e.g. ETH/USDC (defaults to the first configured strategy)")
	startDate := flag.String("start", "", "start date for downloading backtest data (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for downloading backtest data (YYYY-MM-DD)")
	flag.Parse()

	// 在加载配置之前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log := logger.InitLogger(cfg.LogConfig)
	defer log.Sync() // 确保在main函数退出时刷新所有缓冲的日志

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "live":
		err = runLiveMode(ctx, cfg, log)
	case "backtest":
		err = runBacktestMode(ctx, cfg, log, *pair, *dataPath, *startDate, *endDate)
	case "report":
		err = runReportMode(cfg)
	default:
		err = fmt.Errorf("未知的运行模式: %s。请选择 'live', 'backtest' 或 'report'。", *mode)
	}
	if err != nil {
		log.Fatal("运行失败", zap.String("mode", *mode), zap.Error(err))
	}
}

// openStore 根据配置选择持久化后端
func openStore(cfg models.StorageConfig) (persistence.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return storage.InitDB(cfg.DBPath)
	case "badger", "":
		return persistence.NewBadgerStore(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// venues 按交易所名称缓存适配器, 同一交易所的所有策略共享一个实例。
type venues struct {
	cfg    models.ExchangeConfig
	stream *exchange.PriceStream
	logger *zap.Logger

	mu       sync.Mutex
	adapters map[string]exchange.Adapter
}

func (v *venues) build(name string, _ models.GridConfig) (exchange.Adapter, error) {
	if name == "" {
		name = v.cfg.Default
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if a, ok := v.adapters[name]; ok {
		return a, nil
	}

	var adapter exchange.Adapter
	switch name {
	case "binance":
		if v.cfg.APIKey == "" || v.cfg.SecretKey == "" {
			return nil, errors.New("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
		}
		adapter = v.binance()
	case "paper":
		paper := exchange.NewPaperExchange("paper", v.cfg.Paper, v.logger)
		// 没有配置初始价格时, 模拟盘使用币安行情撮合
		if len(v.cfg.Paper.Prices) == 0 {
			paper.WithUpstream(v.binance())
		}
		adapter = paper
	default:
		return nil, fmt.Errorf("unknown exchange %q", name)
	}
	v.adapters[name] = adapter
	v.logger.Info("交易所适配器已创建", zap.String("exchange", name))
	return adapter, nil
}

func (v *venues) binance() *exchange.BinanceExchange {
	b := exchange.NewBinanceExchange(v.cfg, v.logger)
	if v.stream != nil {
		b.WithPriceStream(v.stream, time.Duration(v.cfg.PriceFreshnessSec)*time.Second)
	}
	return b
}

// runLiveMode 运行策略管理器、价格监控器和HTTP控制接口, 直到收到退出信号
func runLiveMode(ctx context.Context, cfg *models.Config, log *zap.Logger) error {
	log.Info("--- 启动实时交易模式 ---",
		zap.String("exchange", cfg.Exchange.Default),
		zap.Bool("testnet", cfg.Exchange.IsTestnet),
		zap.String("storage", cfg.Storage.Driver))

	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("打开存储失败: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	g, gctx := errgroup.WithContext(ctx)

	v := &venues{cfg: cfg.Exchange, logger: log, adapters: make(map[string]exchange.Adapter)}
	if cfg.Exchange.UseWebSocket {
		pairs := make([]string, 0, len(cfg.Strategies))
		for _, s := range cfg.Strategies {
			pairs = append(pairs, s.Pair)
		}
		if len(pairs) > 0 {
			v.stream = exchange.NewPriceStream(cfg.Exchange.WSBaseURL(), pairs, log)
			g.Go(func() error { return v.stream.Run(gctx) })
		}
	}

	mgr := manager.New(manager.Options{
		Engine:  cfg.Engine,
		Store:   store,
		Factory: v.build,
		Metrics: m,
		Logger:  log,
	})
	if err := mgr.Start(gctx); err != nil {
		return fmt.Errorf("启动策略管理器失败: %w", err)
	}

	for _, s := range cfg.Strategies {
		id, err := mgr.StartStrategyOn(s)
		if err != nil {
			log.Error("启动配置中的策略失败", zap.String("pair", s.Pair), zap.Error(err))
			continue
		}
		log.Info("策略已启动", zap.String("strategy_id", id), zap.String("pair", s.Pair))
	}

	if cfg.Server.Enabled {
		srv := api.New(mgr, api.Options{
			Host:            cfg.Server.Host,
			Port:            cfg.Server.Port,
			DefaultExchange: cfg.Exchange.Default,
			Gatherer:        reg,
			Logger:          log,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("收到退出信号, 正在停止所有策略...")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return mgr.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("程序已退出。")
	return nil
}

// runBacktestMode 准备数据 (必要时下载), 回放K线并打印报告
func runBacktestMode(ctx context.Context, cfg *models.Config, log *zap.Logger, pair, dataPath, startDate, endDate string) error {
	gridCfg, err := backtestGrid(cfg, pair)
	if err != nil {
		return err
	}

	if dataPath == "" {
		if startDate == "" || endDate == "" {
			return errors.New("回测模式需要通过 --data 或 --start/--end 参数指定数据源")
		}
		startTime, err1 := time.Parse("2006-01-02", startDate)
		endTime, err2 := time.Parse("2006-01-02", endDate)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式: %w", errors.Join(err1, err2))
		}
		if err := os.MkdirAll("data", 0o755); err != nil {
			return fmt.Errorf("创建 data 目录失败: %w", err)
		}
		dataPath = downloader.FileName("data", gridCfg.Pair, startTime, endTime)
		d := downloader.NewKlineDownloader(cfg.Exchange.LiveAPIURL, log)
		if err := d.DownloadKlines(ctx, gridCfg.Pair, dataPath, startTime, endTime); err != nil {
			return fmt.Errorf("下载数据失败: %w", err)
		}
	}

	candles, err := backtest.LoadCandles(dataPath)
	if err != nil {
		return err
	}
	log.Info("--- 启动回测模式 ---", zap.String("pair", gridCfg.Pair), zap.String("data", dataPath), zap.Int("candles", len(candles)))

	res, err := backtest.Run(ctx, backtest.Options{Grid: gridCfg, Paper: cfg.Exchange.Paper, Logger: log}, candles)
	if err != nil {
		return fmt.Errorf("回测失败: %w", err)
	}
	reporter.GenerateReport(os.Stdout, res, dataPath)
	return nil
}

// backtestGrid 选出要回测的网格配置
func backtestGrid(cfg *models.Config, pair string) (models.GridConfig, error) {
	for _, s := range cfg.Strategies {
		if pair == "" || s.Pair == pair {
			return s, nil
		}
	}
	if pair == "" {
		return models.GridConfig{}, errors.New("配置中没有策略可供回测")
	}
	return models.GridConfig{}, fmt.Errorf("配置中没有交易对 %s 的策略", pair)
}

// runReportMode 打印持久化的策略
func runReportMode(cfg *models.Config) error {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("打开存储失败: %w", err)
	}
	defer store.Close()

	records, err := store.ListStrategies("")
	if err != nil {
		return err
	}
	reporter.PrintStrategies(os.Stdout, records)
	return nil
}
