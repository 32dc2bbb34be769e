package order

import (
	"errors"
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newOpenOrder(t *testing.T, amount float64) *Order {
	t.Helper()
	o, err := New(Params{Symbol: "BTC/USDT", Kind: KindMarket, Side: SideBuy, Amount: amount}, "s1", "backtest", t0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Submit("v-1", t0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return o
}

func TestParamsValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Params
		ok   bool
	}{
		{"market without price", Params{Symbol: "BTC/USDT", Kind: KindMarket, Side: SideBuy, Amount: 1}, true},
		{"limit without price", Params{Symbol: "BTC/USDT", Kind: KindLimit, Side: SideBuy, Amount: 1}, false},
		{"limit with price", Params{Symbol: "BTC/USDT", Kind: KindLimit, Side: SideBuy, Amount: 1, Price: Float(100)}, true},
		{"stop without stop price", Params{Symbol: "BTC/USDT", Kind: KindStop, Side: SideSell, Amount: 1, Price: Float(100)}, false},
		{"stop_limit complete", Params{Symbol: "BTC/USDT", Kind: KindStopLimit, Side: SideSell, Amount: 1, Price: Float(99), StopPrice: Float(100)}, true},
		{"trailing without price", Params{Symbol: "BTC/USDT", Kind: KindTrailingStop, Side: SideSell, Amount: 1}, false},
		{"zero amount", Params{Symbol: "BTC/USDT", Kind: KindMarket, Side: SideBuy, Amount: 0}, false},
		{"bad symbol", Params{Symbol: "BTCUSDT", Kind: KindMarket, Side: SideBuy, Amount: 1}, false},
		{"bad side", Params{Symbol: "BTC/USDT", Kind: KindMarket, Side: "hold", Amount: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.p, "s1", "backtest", t0)
			if tc.ok && err != nil {
				t.Fatalf("expected valid params, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestFillWeightedAveragePrice(t *testing.T) {
	o := newOpenOrder(t, 2)

	if _, err := o.Fill(1, 100, 0.1, t0.Add(time.Minute)); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if o.Status() != StatusPartiallyFilled {
		t.Fatalf("expected partially_filled, got %s", o.Status())
	}
	if _, err := o.Fill(1, 110, 0.11, t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("second fill: %v", err)
	}

	if o.Status() != StatusFilled {
		t.Fatalf("expected filled, got %s", o.Status())
	}
	if o.AveragePrice() != 105 {
		t.Errorf("expected average price 105, got %v", o.AveragePrice())
	}
	if o.RemainingAmount() != 0 || o.FilledAmount() != 2 {
		t.Errorf("unexpected amounts filled=%v remaining=%v", o.FilledAmount(), o.RemainingAmount())
	}
	if !o.ClosedAt().Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("closed_at not stamped: %v", o.ClosedAt())
	}
	if len(o.Fills()) != 2 {
		t.Errorf("expected 2 fill records, got %d", len(o.Fills()))
	}
	if math.Abs(o.Fees()-0.21) > 1e-12 {
		t.Errorf("expected fees 0.21, got %v", o.Fees())
	}
}

func TestFillAmountInvariant(t *testing.T) {
	o := newOpenOrder(t, 1)
	for i := 0; i < 10; i++ {
		if _, err := o.Fill(0.1, 100, 0, t0); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
		if diff := math.Abs(o.FilledAmount() + o.RemainingAmount() - o.Amount()); diff > 1e-9 {
			t.Fatalf("filled+remaining drifted by %v", diff)
		}
	}
	if o.Status() != StatusFilled {
		t.Fatalf("expected filled after ten 0.1 fills, got %s (remaining %v)", o.Status(), o.RemainingAmount())
	}
}

func TestFillToleranceCompletesExactly(t *testing.T) {
	o := newOpenOrder(t, 1)
	for i := 0; i < 10; i++ {
		if _, err := o.Fill(0.1, 100, 0, t0); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
	}
	if o.FilledAmount() != o.Amount() || o.RemainingAmount() != 0 {
		t.Fatalf("filled %v remaining %v, want exactly %v and 0", o.FilledAmount(), o.RemainingAmount(), o.Amount())
	}

	over := newOpenOrder(t, 0.3)
	if _, err := over.Fill(0.1, 100, 0, t0); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if _, err := over.Fill(0.2+1e-13, 100, 0, t0); err != nil {
		t.Fatalf("over-fill within tolerance: %v", err)
	}
	if over.Status() != StatusFilled {
		t.Fatalf("expected filled, got %s", over.Status())
	}
	if over.FilledAmount()+over.RemainingAmount() != over.Amount() {
		t.Fatalf("filled %v + remaining %v != amount %v", over.FilledAmount(), over.RemainingAmount(), over.Amount())
	}
}

func TestFillRejectsInvalidAmounts(t *testing.T) {
	o := newOpenOrder(t, 1)

	if _, err := o.Fill(0, 100, 0, t0); !errors.Is(err, ErrInvalidFill) {
		t.Errorf("expected ErrInvalidFill for zero amount, got %v", err)
	}
	if _, err := o.Fill(1.5, 100, 0, t0); !errors.Is(err, ErrInvalidFill) {
		t.Errorf("expected ErrInvalidFill for excess amount, got %v", err)
	}
	if o.FilledAmount() != 0 || o.Status() != StatusOpen {
		t.Errorf("failed fills must not mutate the order")
	}
}

func TestFillRequiresActiveOrder(t *testing.T) {
	o, err := New(Params{Symbol: "BTC/USDT", Kind: KindMarket, Side: SideBuy, Amount: 1}, "s1", "backtest", t0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := o.Fill(1, 100, 0, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on pending fill, got %v", err)
	}
}

func TestTransitions(t *testing.T) {
	t.Run("submit twice", func(t *testing.T) {
		o := newOpenOrder(t, 1)
		if err := o.Submit("again", t0); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("reject from open", func(t *testing.T) {
		o := newOpenOrder(t, 1)
		if err := o.Reject("risk rule denied: position_size", t0); err != nil {
			t.Fatalf("Reject: %v", err)
		}
		if o.Status() != StatusRejected || o.RejectReason() == "" {
			t.Fatalf("unexpected state %s %q", o.Status(), o.RejectReason())
		}
	})

	t.Run("reject partially filled", func(t *testing.T) {
		o := newOpenOrder(t, 2)
		if _, err := o.Fill(1, 100, 0, t0); err != nil {
			t.Fatalf("Fill: %v", err)
		}
		if err := o.Reject("late", t0); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		if err := o.Cancel(t0); err != nil {
			t.Fatalf("cancel partially filled: %v", err)
		}
	})

	t.Run("terminal states are final", func(t *testing.T) {
		o := newOpenOrder(t, 1)
		if err := o.Expire(t0); err != nil {
			t.Fatalf("Expire: %v", err)
		}
		if err := o.Cancel(t0); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("cancel after expire: %v", err)
		}
		if err := o.Expire(t0); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expire twice: %v", err)
		}
		if _, err := o.Fill(1, 100, 0, t0); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("fill after expire: %v", err)
		}
	})
}

func TestSnapshot(t *testing.T) {
	o := newOpenOrder(t, 1)
	o.AddRealizedPnL(12.5)
	s := o.Snapshot()
	if s.ID != o.ID() || s.Status != StatusOpen || s.RealizedPnL != 12.5 || s.VenueOrderID != "v-1" {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}
