package indicator

import (
	"fmt"
	"math"
	"strings"
	"sync"

	talib "github.com/markcheno/go-talib"

	"quant-backtest/internal/market"
)

// MAType 为均线类型。
type MAType string

const (
	MATypeSMA MAType = "sma"
	MATypeEMA MAType = "ema"
)

// Periods 为指标周期配置。
type Periods struct {
	Short  int
	Long   int
	MAType MAType
	RSI    int
	ATR    int
	Volume int
}

// DefaultPeriods 返回默认周期。
func DefaultPeriods() Periods {
	return Periods{Short: 10, Long: 30, MAType: MATypeSMA, RSI: 14, ATR: 14, Volume: 20}
}

// Validate 校验周期配置。
func (p Periods) Validate() error {
	if p.Short <= 0 || p.Long <= 0 {
		return fmt.Errorf("indicator: 均线周期必须为正数 (short=%d, long=%d)", p.Short, p.Long)
	}
	if p.Short >= p.Long {
		return fmt.Errorf("indicator: 短周期 %d 必须小于长周期 %d", p.Short, p.Long)
	}
	switch p.MAType {
	case MATypeSMA, MATypeEMA:
	default:
		return fmt.Errorf("indicator: 不支持的均线类型 %q", p.MAType)
	}
	return nil
}

// ATRResult 保存 ATR 指标。
type ATRResult struct {
	Absolute float64
	Relative float64
}

// VolumeResult 保存成交量相关统计。
type VolumeResult struct {
	Current float64
	Average float64
	Ratio   float64
}

// Result 为一次指标计算的汇总，样本不足的指标为 NaN。
type Result struct {
	Symbol        string
	Timeframe     string
	Series        Series
	ShortMA       float64
	LongMA        float64
	PrevShortMA   float64
	PrevLongMA    float64
	RSI           float64
	ATR           ATRResult
	Volume        VolumeResult
	Close         float64
	PreviousClose float64
}

// Cross 返回本次计算的均线交叉方向。
func (r Result) Cross() Cross {
	return Crossover(r.PrevShortMA, r.PrevLongMA, r.ShortMA, r.LongMA)
}

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 提供技术指标计算并按 (交易对, 周期) 缓存最近一次结果。
type Calculator struct {
	periods Periods
	mu      sync.Mutex
	cache   map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator(periods Periods) (*Calculator, error) {
	if periods.MAType == "" {
		periods.MAType = MATypeSMA
	}
	periods.MAType = MAType(strings.ToLower(string(periods.MAType)))
	if err := periods.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{
		periods: periods,
		cache:   make(map[string]cacheEntry),
	}, nil
}

// Periods 返回周期配置。
func (c *Calculator) Periods() Periods { return c.periods }

// Compute 依据给定K线计算指标，K线需按时间升序。
func (c *Calculator) Compute(candles []market.Candle) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("indicator: 计算指标失败: 输入K线为空")
	}

	last := candles[len(candles)-1]
	slot := last.Symbol + "|" + last.Timeframe
	cacheKey := fmt.Sprintf("%d:%d:%g", len(candles), last.Timestamp.UnixNano(), last.Close)

	c.mu.Lock()
	if entry, ok := c.cache[slot]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result := c.calculate(NewSeries(candles))
	result.Symbol = last.Symbol
	result.Timeframe = last.Timeframe

	c.mu.Lock()
	c.cache[slot] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}

func (c *Calculator) calculate(series Series) Result {
	closes := series.Close
	p := c.periods

	shortMA := c.movingAverage(closes, p.Short)
	longMA := c.movingAverage(closes, p.Long)

	rsi := math.NaN()
	if p.RSI > 0 && len(closes) > p.RSI {
		rsi = Last(talib.Rsi(closes, p.RSI))
	}

	atr := ATRResult{Absolute: math.NaN(), Relative: math.NaN()}
	if p.ATR > 0 && len(closes) > p.ATR {
		abs := Last(talib.Atr(series.High, series.Low, closes, p.ATR))
		atr = ATRResult{Absolute: abs, Relative: SafeDivide(abs, Last(closes))}
	}

	volumeAvg := average(SliceTail(series.Volume, p.Volume))
	volumeCurrent := Last(series.Volume)

	return Result{
		Series:        series,
		ShortMA:       lastValid(shortMA, len(closes), p.Short, 1),
		LongMA:        lastValid(longMA, len(closes), p.Long, 1),
		PrevShortMA:   lastValid(shortMA, len(closes), p.Short, 2),
		PrevLongMA:    lastValid(longMA, len(closes), p.Long, 2),
		RSI:           rsi,
		ATR:           atr,
		Volume:        VolumeResult{Current: volumeCurrent, Average: volumeAvg, Ratio: SafeDivide(volumeCurrent, volumeAvg)},
		Close:         Last(closes),
		PreviousClose: Prev(closes),
	}
}

// movingAverage 在样本不足时返回 nil，talib 对短输入会越界。
func (c *Calculator) movingAverage(values []float64, period int) []float64 {
	if len(values) < period {
		return nil
	}
	if c.periods.MAType == MATypeEMA {
		return talib.Ema(values, period)
	}
	return talib.Sma(values, period)
}

// lastValid 取倒数第 back 个值；talib 在回看期内输出 0，因此需要按周期判断有效性。
func lastValid(values []float64, n, period, back int) float64 {
	idx := n - back
	if values == nil || idx < period-1 || idx < 0 {
		return math.NaN()
	}
	return values[idx]
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
