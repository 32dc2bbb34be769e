package marketdata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quant-backtest/internal/market"
)

// CSVSeries 标识 CSV 文件对应的序列。
type CSVSeries struct {
	Symbol    string
	Venue     string
	Timeframe string
}

// LoadCSV 解析 timestamp,open,high,low,close,volume 格式的K线。
// timestamp 支持 RFC3339 或 Unix 秒/毫秒；首行非数字时视为表头。
func LoadCSV(r io.Reader, s CSVSeries) ([]market.Candle, error) {
	if _, _, err := market.SplitSymbol(s.Symbol); err != nil {
		return nil, err
	}
	if _, err := market.ParseTimeframe(s.Timeframe); err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		out  []market.Candle
		line int
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("marketdata: 读取 CSV 失败: %w", err)
		}
		line++
		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}
		if line == 1 && isHeader(record) {
			continue
		}
		if len(record) < 6 {
			return nil, fmt.Errorf("marketdata: 第 %d 行字段不足, 需要 6 列, 实际 %d", line, len(record))
		}

		ts, err := parseTimestamp(record[0])
		if err != nil {
			return nil, fmt.Errorf("marketdata: 第 %d 行时间戳非法: %w", line, err)
		}
		values := make([]float64, 5)
		for i := 0; i < 5; i++ {
			d, err := decimal.NewFromString(strings.TrimSpace(record[i+1]))
			if err != nil {
				return nil, fmt.Errorf("marketdata: 第 %d 行第 %d 列数值非法: %w", line, i+2, err)
			}
			values[i] = d.InexactFloat64()
		}

		out = append(out, market.Candle{
			Symbol:      s.Symbol,
			Venue:       s.Venue,
			Timeframe:   s.Timeframe,
			Timestamp:   ts,
			Open:        values[0],
			High:        values[1],
			Low:         values[2],
			Close:       values[3],
			Volume:      values[4],
			QuoteVolume: values[4] * values[3],
		})
	}

	sortCandles(out)
	return out, nil
}

func isHeader(record []string) bool {
	_, err := parseTimestamp(record[0])
	return err != nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// 超过 1e12 视为毫秒。
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
