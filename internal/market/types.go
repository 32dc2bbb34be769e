package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// 常用周期。
const (
	Timeframe1m  = "1m"
	Timeframe5m  = "5m"
	Timeframe15m = "15m"
	Timeframe30m = "30m"
	Timeframe1h  = "1h"
	Timeframe4h  = "4h"
	Timeframe1d  = "1d"
	Timeframe1w  = "1w"
)

// ErrInvalidSymbol 表示交易对格式错误。
var ErrInvalidSymbol = errors.New("market: 交易对必须为 BASE/QUOTE 格式")

// Candle 代表单根K线，Timestamp 为K线开始时间。
type Candle struct {
	Symbol      string
	Venue       string
	Timeframe   string
	Timestamp   time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	QuoteVolume float64
}

// Ticker 以收盘价合成行情快照，买一卖一均取收盘价。
func (c Candle) Ticker() Ticker {
	return Ticker{
		Symbol:      c.Symbol,
		Venue:       c.Venue,
		Bid:         c.Close,
		Ask:         c.Close,
		Last:        c.Close,
		High:        c.High,
		Low:         c.Low,
		Volume:      c.Volume,
		QuoteVolume: c.QuoteVolume,
		Timestamp:   c.Timestamp,
	}
}

// Ticker 为最新行情快照。
type Ticker struct {
	Symbol      string
	Venue       string
	Bid         float64
	Ask         float64
	Last        float64
	High        float64
	Low         float64
	Volume      float64
	QuoteVolume float64
	Timestamp   time.Time
}

// MidPrice 返回买一卖一中间价。
func (t Ticker) MidPrice() float64 {
	return (t.Bid + t.Ask) / 2
}

// Spread 返回买卖价差。
func (t Ticker) Spread() float64 {
	return t.Ask - t.Bid
}

// SpreadPercentage 返回价差占中间价的百分比。
func (t Ticker) SpreadPercentage() float64 {
	mid := t.MidPrice()
	if mid == 0 {
		return 0
	}
	return t.Spread() / mid * 100
}

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64
	Amount float64
}

// OrderBook 为订单簿快照，Bids 降序、Asks 升序。
type OrderBook struct {
	Symbol    string
	Venue     string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
	Nonce     int64
}

// BestBid 返回买一档，空盘口时 ok 为 false。
func (ob OrderBook) BestBid() (OrderBookLevel, bool) {
	if len(ob.Bids) == 0 {
		return OrderBookLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk 返回卖一档。
func (ob OrderBook) BestAsk() (OrderBookLevel, bool) {
	if len(ob.Asks) == 0 {
		return OrderBookLevel{}, false
	}
	return ob.Asks[0], true
}

// MidPrice 返回盘口中间价，任一侧为空时返回 0。
func (ob OrderBook) MidPrice() float64 {
	bid, okBid := ob.BestBid()
	ask, okAsk := ob.BestAsk()
	if !okBid || !okAsk {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// Spread 返回盘口价差。
func (ob OrderBook) Spread() float64 {
	bid, okBid := ob.BestBid()
	ask, okAsk := ob.BestAsk()
	if !okBid || !okAsk {
		return 0
	}
	return ask.Price - bid.Price
}

var timeframes = map[string]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
	Timeframe1w:  7 * 24 * time.Hour,
}

// ParseTimeframe 将周期字符串转换为时长。
func ParseTimeframe(tf string) (time.Duration, error) {
	d, ok := timeframes[tf]
	if !ok {
		return 0, fmt.Errorf("market: 不支持的周期 %q", tf)
	}
	return d, nil
}

// SplitSymbol 拆分交易对，例如 BTC/USDT -> BTC, USDT。
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return parts[0], parts[1], nil
}

// Symbol 由基础资产与计价资产拼出交易对。
func Symbol(base, quote string) string {
	return base + "/" + quote
}
