package account

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"quant-backtest/internal/market"
)

// ErrInsufficientBalance 余额不足。
var ErrInsufficientBalance = errors.New("account: 余额不足")

// Balance 为单一资产余额，总额由 Free 与 Locked 推导。
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total 返回可用与锁定之和。
func (b Balance) Total() float64 {
	return b.Free + b.Locked
}

// Account 维护某个交易场所下的多资产余额。
type Account struct {
	ID      string
	VenueID string
	Name    string

	mu       sync.RWMutex
	balances map[string]Balance
}

// New 创建空账户，name 为空时使用 venueID。
func New(venueID, name string) *Account {
	if name == "" {
		name = venueID
	}
	return &Account{
		ID:       uuid.NewString(),
		VenueID:  venueID,
		Name:     name,
		balances: make(map[string]Balance),
	}
}

// SetBalance 覆盖资产余额。
func (a *Account) SetBalance(asset string, free, locked float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[asset] = Balance{Asset: asset, Free: free, Locked: locked}
}

// Reset 清空所有余额。
func (a *Account) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances = make(map[string]Balance)
}

// Balance 返回资产余额，不存在时 ok 为 false。
func (a *Account) Balance(asset string) (Balance, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.balances[asset]
	return b, ok
}

// Balances 按资产名排序返回全部余额。
func (a *Account) Balances() []Balance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Balance, 0, len(a.balances))
	for _, b := range a.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// HasSufficient 判断可用余额是否足够。
func (a *Account) HasSufficient(asset string, amount float64) bool {
	b, ok := a.Balance(asset)
	return ok && b.Free >= amount
}

// Lock 将可用余额转入锁定。
func (a *Account) Lock(asset string, amount float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.balances[asset]
	if !ok || b.Free < amount {
		return fmt.Errorf("%w: 锁定 %s %v", ErrInsufficientBalance, asset, amount)
	}
	b.Free -= amount
	b.Locked += amount
	a.balances[asset] = b
	return nil
}

// Unlock 将锁定余额退回可用。
func (a *Account) Unlock(asset string, amount float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.balances[asset]
	if !ok || b.Locked < amount {
		return fmt.Errorf("%w: 解锁 %s %v", ErrInsufficientBalance, asset, amount)
	}
	b.Free += amount
	b.Locked -= amount
	a.balances[asset] = b
	return nil
}

// Deduct 从可用或锁定余额中扣除，不足时返回错误且不修改余额。
func (a *Account) Deduct(asset string, amount float64, fromLocked bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.balances[asset]
	if !ok {
		return fmt.Errorf("%w: 未持有 %s", ErrInsufficientBalance, asset)
	}
	if fromLocked {
		if b.Locked < amount {
			return fmt.Errorf("%w: 锁定 %s 余额 %v 小于 %v", ErrInsufficientBalance, asset, b.Locked, amount)
		}
		b.Locked -= amount
	} else {
		if b.Free < amount {
			return fmt.Errorf("%w: 可用 %s 余额 %v 小于 %v", ErrInsufficientBalance, asset, b.Free, amount)
		}
		b.Free -= amount
	}
	a.balances[asset] = b
	return nil
}

// Credit 增加可用余额，新资产从零开始。
func (a *Account) Credit(asset string, amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.balances[asset]
	b.Asset = asset
	b.Free += amount
	a.balances[asset] = b
}

// Debit 减少可用余额且允许为负，回测撮合不校验资金。
func (a *Account) Debit(asset string, amount float64) {
	a.Credit(asset, -amount)
}

// Snapshot 返回资产 -> 总额。
func (a *Account) Snapshot() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]float64, len(a.balances))
	for asset, b := range a.balances {
		out[asset] = b.Total()
	}
	return out
}

// Equity 以 quote 计价汇总权益，prices 形如 {"BTC/USDT": 50000}。
// 非计价资产余额不为零却缺少价格时返回 0。
func (a *Account) Equity(quote string, prices map[string]float64) float64 {
	equity, ok := a.EquityChecked(quote, prices)
	if !ok {
		return 0
	}
	return equity
}

// EquityChecked 与 Equity 相同，但通过 ok 区分缺价。
func (a *Account) EquityChecked(quote string, prices map[string]float64) (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var equity float64
	for asset, b := range a.balances {
		total := b.Total()
		if asset == quote {
			equity += total
			continue
		}
		if total == 0 {
			continue
		}
		price, ok := prices[market.Symbol(asset, quote)]
		if !ok {
			return 0, false
		}
		equity += total * price
	}
	return equity, true
}
