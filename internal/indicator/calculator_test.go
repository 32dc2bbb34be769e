package indicator

import (
	"math"
	"testing"
	"time"

	"quant-backtest/internal/market"
)

func candlesFromCloses(closes ...float64) []market.Candle {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			Symbol:    "BTC/USDT",
			Timeframe: market.Timeframe1h,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    10,
		}
	}
	return out
}

func TestCrossover(t *testing.T) {
	cases := []struct {
		name                     string
		prevFast, prevSlow, f, s float64
		want                     Cross
	}{
		{"up from equal", 100, 100, 100.3, 100.2, CrossUp},
		{"down", 101, 100, 99, 100, CrossDown},
		{"still above", 101, 100, 102, 100, CrossNone},
		{"nan", math.NaN(), 100, 101, 100, CrossNone},
	}
	for _, tc := range cases {
		if got := Crossover(tc.prevFast, tc.prevSlow, tc.f, tc.s); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestComputeMovingAverages(t *testing.T) {
	calc, err := NewCalculator(Periods{Short: 3, Long: 5, RSI: 14, ATR: 14, Volume: 20})
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}

	res, err := calc.Compute(candlesFromCloses(100, 100, 100, 100, 100, 101))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if math.Abs(res.ShortMA-(301.0/3)) > 1e-9 {
		t.Fatalf("short ma = %v", res.ShortMA)
	}
	if math.Abs(res.LongMA-100.2) > 1e-9 {
		t.Fatalf("long ma = %v", res.LongMA)
	}
	if res.PrevShortMA != 100 || res.PrevLongMA != 100 {
		t.Fatalf("prev ma = %v/%v", res.PrevShortMA, res.PrevLongMA)
	}
	if res.Cross() != CrossUp {
		t.Fatalf("expected cross up")
	}
	if !math.IsNaN(res.RSI) || !math.IsNaN(res.ATR.Absolute) {
		t.Fatalf("rsi/atr should be NaN with six bars")
	}
	if res.Close != 101 || res.PreviousClose != 100 {
		t.Fatalf("close = %v prev = %v", res.Close, res.PreviousClose)
	}
}

func TestComputeInsufficientBars(t *testing.T) {
	calc, err := NewCalculator(Periods{Short: 3, Long: 5})
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	res, err := calc.Compute(candlesFromCloses(1, 2, 3, 4, 5))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if math.IsNaN(res.LongMA) || !math.IsNaN(res.PrevLongMA) {
		t.Fatalf("long ma valid only on the last bar, got %v / %v", res.LongMA, res.PrevLongMA)
	}
	if res.Cross() != CrossNone {
		t.Fatalf("no cross without a previous long value")
	}

	if _, err := calc.Compute(nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestComputeEMAAndRSI(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	calc, err := NewCalculator(Periods{Short: 5, Long: 20, MAType: "EMA", RSI: 14, ATR: 14, Volume: 20})
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	res, err := calc.Compute(candlesFromCloses(closes...))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if res.ShortMA <= res.LongMA {
		t.Fatalf("rising series: ema short %v should exceed long %v", res.ShortMA, res.LongMA)
	}
	if res.RSI < 99 {
		t.Fatalf("monotonic rise should give rsi near 100, got %v", res.RSI)
	}
	if res.ATR.Absolute <= 0 {
		t.Fatalf("atr = %v", res.ATR.Absolute)
	}
	if res.Volume.Ratio != 1 {
		t.Fatalf("volume ratio = %v", res.Volume.Ratio)
	}
}

func TestComputeCache(t *testing.T) {
	calc, _ := NewCalculator(Periods{Short: 2, Long: 3})
	candles := candlesFromCloses(1, 2, 3, 4)
	first, _ := calc.Compute(candles)
	candles[0].Close = 1000
	second, _ := calc.Compute(candles)
	if first.LongMA != second.LongMA {
		t.Fatalf("same tail should hit cache")
	}
}

func TestPeriodsValidate(t *testing.T) {
	if _, err := NewCalculator(Periods{Short: 5, Long: 5}); err == nil {
		t.Fatalf("short must be less than long")
	}
	if _, err := NewCalculator(Periods{Short: 1, Long: 5, MAType: "wma"}); err == nil {
		t.Fatalf("unsupported ma type")
	}
	if err := DefaultPeriods().Validate(); err != nil {
		t.Fatalf("default periods: %v", err)
	}
}

func TestSliceTail(t *testing.T) {
	if got := SliceTail([]float64{1, 2, 3}, 5); len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got := SliceTail([]float64{1, 2, 3}, 2); got[0] != 2 {
		t.Fatalf("got %v", got)
	}
	if SafeDivide(1, 0) != 0 {
		t.Fatalf("safe divide")
	}
}
