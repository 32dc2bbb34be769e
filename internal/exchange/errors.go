package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，重试没有意义。
	ErrMaintenance = errors.New("exchange: 交易所维护中")
	// ErrUnsupportedExchange 表示未接入的交易所。
	ErrUnsupportedExchange = errors.New("exchange: 不支持的交易所")
)

// IsRetryable 判断错误是否为可重试的网络或限频错误。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyError 规范化调用错误并给出是否重试。
func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OnMaintenanceErrType {
		message := strings.TrimSpace(ccxtErr.Message)
		if message == "" {
			message = "exchange under maintenance"
		}
		return fmt.Errorf("%w: %s", ErrMaintenance, message), false
	}
	return err, IsRetryable(err)
}
