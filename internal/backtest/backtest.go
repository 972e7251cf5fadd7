// Package backtest replays historical candles through a paper venue and a
// strategy executor.
package backtest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/executor"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/models"

	"go.uber.org/zap"
)

// Candle is one OHLC bar.
type Candle struct {
	OpenTime               time.Time
	Open, High, Low, Close float64
}

// Options configure a replay.
type Options struct {
	Grid   models.GridConfig
	Paper  models.PaperConfig
	Logger *zap.Logger
}

// Result is everything the report needs.
type Result struct {
	Pair          string
	Start, End    time.Time
	Candles       int
	InitialEquity float64
	FinalEquity   float64
	FinalPrice    float64
	EquityCurve   []float64
	Fills         []models.LimitOrder
	Fees          float64
	Balances      map[string]float64
	Statistics    models.Statistics
	FailedOrders  int
}

// LoadCandles reads a kline CSV with a header row. Only the first five
// columns (open time in ms, open, high, low, close) are used.
func LoadCandles(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candles: %w", err)
	}
	defer f.Close()
	return ReadCandles(f)
}

// ReadCandles parses candles from r. Malformed rows are rejected with their line number.
func ReadCandles(r io.Reader) ([]Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var candles []Candle
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read candles: %w", err)
		}
		line++
		if line == 1 {
			continue
		}
		c, err := parseCandle(record)
		if err != nil {
			return nil, fmt.Errorf("candle on line %d: %w", line, err)
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		return nil, errors.New("no candles after the header")
	}
	return candles, nil
}

func parseCandle(record []string) (Candle, error) {
	if len(record) < 5 {
		return Candle{}, fmt.Errorf("want at least 5 columns, got %d", len(record))
	}
	ms, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("open time: %w", err)
	}
	var prices [4]float64
	for i := range prices {
		if prices[i], err = strconv.ParseFloat(record[i+1], 64); err != nil {
			return Candle{}, fmt.Errorf("column %d: %w", i+1, err)
		}
	}
	return Candle{OpenTime: time.UnixMilli(ms), Open: prices[0], High: prices[1], Low: prices[2], Close: prices[3]}, nil
}

// Run replays candles. Each candle moves the paper market along
// open, low, high, close and then runs one executor cycle at the close.
func Run(ctx context.Context, opts Options, candles []Candle) (*Result, error) {
	if len(candles) == 0 {
		return nil, errors.New("no candles to replay")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	g, err := grid.New(opts.Grid)
	if err != nil {
		return nil, err
	}
	pair := opts.Grid.Pair

	paper := exchange.NewPaperExchange("backtest", opts.Paper, logger)
	first := candles[0]
	paper.CurrentTime = first.OpenTime
	paper.SetPrice(pair, first.Open)

	ex := executor.New("backtest", g, paper, executor.Options{
		Poll:   executor.PollPolicy{Attempts: 1},
		Logger: logger,
	})

	res := &Result{
		Pair:          pair,
		Start:         first.OpenTime,
		End:           candles[len(candles)-1].OpenTime,
		InitialEquity: paper.InitialEquity(pair, first.Open),
	}

	for _, c := range candles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paper.ApplyCandle(pair, c.Open, c.High, c.Low, c.Close, c.OpenTime)
		report, err := ex.RunCycle(ctx)
		if err != nil {
			return nil, fmt.Errorf("cycle at %s: %w", c.OpenTime.Format(time.RFC3339), err)
		}
		res.FailedOrders += report.Failed
		res.Candles++
	}

	last := candles[len(candles)-1]
	res.FinalPrice = last.Close
	res.FinalEquity = paper.RecordEquity(pair)
	res.EquityCurve = paper.EquityCurve
	res.Fills = paper.Fills()
	res.Fees = paper.TotalFees
	res.Balances = paper.Balances()
	res.Statistics = ex.Snapshot().Statistics

	logger.Info("backtest finished",
		zap.String("pair", pair),
		zap.Int("candles", res.Candles),
		zap.Int("fills", len(res.Fills)),
		zap.Float64("final_equity", res.FinalEquity))
	return res, nil
}
