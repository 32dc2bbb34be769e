package risk

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteAuditorRecordsDenials(t *testing.T) {
	ctx := context.Background()
	auditor, err := NewSQLiteAuditor(openMemoryDB(t), 0, nil)
	require.NoError(t, err)

	at := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	require.NoError(t, auditor.RecordDenial(ctx, Denial{
		OrderID: "o-1", StrategyID: "s-1", Symbol: "BTC/USDT", Side: "buy", Amount: 2, Rule: RulePositionSize, At: at,
	}))
	require.NoError(t, auditor.LogEvent(ctx, at.Add(time.Hour), "note", "next day", ""))

	all, err := auditor.ListEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "order_denied", all[0].EventType)
	assert.Equal(t, "2024-03-01", all[0].TradingDate)
	assert.Contains(t, all[0].Details, `"order_id":"o-1"`)
	assert.True(t, all[0].OccurredAt.Equal(at))

	day, err := auditor.ListEvents(ctx, "2024-03-02", 10)
	require.NoError(t, err)
	require.Len(t, day, 1)
	assert.Equal(t, "note", day[0].EventType)
}

func TestSQLiteAuditorRequiresDB(t *testing.T) {
	_, err := NewSQLiteAuditor(nil, 0, nil)
	assert.Error(t, err)
}

func TestManagerWritesToSQLiteAuditor(t *testing.T) {
	ctx := context.Background()
	auditor, err := NewSQLiteAuditor(openMemoryDB(t), 0, nil)
	require.NoError(t, err)

	m := NewManager(nil)
	m.SetAuditor(auditor)
	m.AddRule(NewMaxTradesPerDayRule("", MaxTradesPerDayParams{MaxTrades: 0}, nil))
	m.UpdateContext(ContextUpdate{CurrentTime: &day1})

	dec := m.CheckOrder(ctx, marketOrder(t, "BTC/USDT", 1), fundedAccount(100))
	require.False(t, dec.Allowed)

	events, err := auditor.ListEvents(ctx, "2024-03-01", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, RuleMaxTradesPerDay)
}
