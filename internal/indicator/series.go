package indicator

import (
	"math"

	"quant-backtest/internal/market"
)

// Series 为指标计算所需的列式K线数据，按时间升序。
type Series struct {
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

// NewSeries 从K线创建 Series。
func NewSeries(candles []market.Candle) Series {
	n := len(candles)
	s := Series{
		High:   make([]float64, n),
		Low:    make([]float64, n),
		Close:  make([]float64, n),
		Volume: make([]float64, n),
	}
	for i, c := range candles {
		s.High[i], s.Low[i], s.Close[i], s.Volume[i] = c.High, c.Low, c.Close, c.Volume
	}
	return s
}

// Last 返回序列最后一个值，若为空则返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// Prev 返回序列倒数第二个值，若不足两个元素则返回 NaN。
func Prev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	return values[len(values)-2]
}

// SliceTail 返回序列末尾 n 个值，不足时返回全部。
func SliceTail(values []float64, n int) []float64 {
	if n <= 0 || len(values) == 0 {
		return nil
	}
	if n > len(values) {
		n = len(values)
	}
	dst := make([]float64, n)
	copy(dst, values[len(values)-n:])
	return dst
}

// SafeDivide 除法保护，除数为0时返回0。
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Cross 表示两条线的交叉方向。
type Cross int

const (
	CrossNone Cross = iota
	CrossUp
	CrossDown
)

// Crossover 比较快慢线前后两个值：由下向上穿越为 CrossUp，反之为 CrossDown。
// 任一值为 NaN 时返回 CrossNone。
func Crossover(prevFast, prevSlow, fast, slow float64) Cross {
	for _, v := range []float64{prevFast, prevSlow, fast, slow} {
		if math.IsNaN(v) {
			return CrossNone
		}
	}
	switch {
	case prevFast <= prevSlow && fast > slow:
		return CrossUp
	case prevFast >= prevSlow && fast < slow:
		return CrossDown
	default:
		return CrossNone
	}
}
