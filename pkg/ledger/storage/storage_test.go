package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/credits/pkg/ledger/model"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

func newMemoryTestStore(t *testing.T) Store {
	s := NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func newSQLiteTestStore(t *testing.T) Store {
	s, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRedisTestStore(t *testing.T) Store {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, WithKeyPrefix("test:"))
}

func TestMemoryStore(t *testing.T) { runStoreSuite(t, newMemoryTestStore) }
func TestSQLiteStore(t *testing.T) { runStoreSuite(t, newSQLiteTestStore) }
func TestRedisStore(t *testing.T)  { runStoreSuite(t, newRedisTestStore) }

// runStoreSuite checks the behavior every backend must share.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("ConcurrentDebitsDrainExactly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "alice", "chat", model.LimitUpdate{TokenCredits: model.Ptr[int64](100_000)})

		var wg sync.WaitGroup
		var ok, denied atomic.Int64
		for i := 0; i < 1000; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Debit(ctx, debitOp("alice", "chat", 100))
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, model.ErrInsufficientCredits):
					denied.Add(1)
				default:
					t.Errorf("unexpected debit error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1000), ok.Load())
		assert.Equal(t, int64(0), denied.Load())
		assert.Equal(t, int64(0), balance(t, s, "alice", "chat"))

		_, err := s.Debit(ctx, debitOp("alice", "chat", 1))
		require.ErrorIs(t, err, model.ErrInsufficientCredits)
	})

	t.Run("ConcurrentDebitsFloorOfBalance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "bob", "chat", model.LimitUpdate{TokenCredits: model.Ptr[int64](1050)})

		var wg sync.WaitGroup
		var ok atomic.Int64
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Debit(ctx, debitOp("bob", "chat", 100)); err == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(10), ok.Load())
		assert.Equal(t, int64(50), balance(t, s, "bob", "chat"))
	})

	t.Run("RefillThenDebit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "carol", "chat", model.LimitUpdate{
			TokenCredits:        model.Ptr[int64](50),
			AutoRefillEnabled:   model.Ptr(true),
			RefillAmount:        model.Ptr[int64](1000),
			RefillIntervalValue: model.Ptr[int64](1),
			RefillIntervalUnit:  model.Ptr(model.UnitDays),
		})

		out, err := s.Debit(ctx, debitOp("carol", "chat", 200))
		require.NoError(t, err)
		assert.Equal(t, int64(850), out.Balance)
		assert.True(t, out.Refilled)
		assert.Equal(t, int64(1000), out.RefillAmount)

		l, err := s.GetLimit(ctx, "carol", "chat")
		require.NoError(t, err)
		assert.True(t, l.LastRefill.Equal(baseTime), "last refill = %v", l.LastRefill)

		txs, err := s.Transactions(ctx, TxFilter{User: "carol"})
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, model.ContextAutoRefill, txs[0].Context)
		assert.Equal(t, int64(1000), txs[0].TokenValue)
		assert.Equal(t, model.ContextDebit, txs[1].Context)
		assert.Equal(t, int64(-200), txs[1].TokenValue)
		assert.Equal(t, int64(850), txs[1].Balance)
	})

	t.Run("RefillNotEnoughLeavesBalance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "dave", "chat", model.LimitUpdate{
			TokenCredits:        model.Ptr[int64](50),
			AutoRefillEnabled:   model.Ptr(true),
			RefillAmount:        model.Ptr[int64](100),
			RefillIntervalValue: model.Ptr[int64](1),
			RefillIntervalUnit:  model.Ptr(model.UnitHours),
		})

		_, err := s.Debit(ctx, debitOp("dave", "chat", 500))
		require.ErrorIs(t, err, model.ErrInsufficientCredits)

		var le *model.LedgerError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, int64(50), le.Balance)
		assert.Equal(t, int64(500), le.Requested)

		l, err := s.GetLimit(ctx, "dave", "chat")
		require.NoError(t, err)
		assert.Equal(t, int64(50), l.TokenCredits)
		assert.True(t, l.LastRefill.IsZero())
	})

	t.Run("DisabledEndpoint", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "erin", "chat", model.LimitUpdate{
			TokenCredits: model.Ptr[int64](500),
			Enabled:      model.Ptr(false),
		})

		_, err := s.Debit(ctx, debitOp("erin", "chat", 10))
		require.ErrorIs(t, err, model.ErrEndpointDisabled)
		assert.Equal(t, int64(500), balance(t, s, "erin", "chat"))

		txs, err := s.Transactions(ctx, TxFilter{User: "erin"})
		require.NoError(t, err)
		assert.Empty(t, txs)
	})

	t.Run("NotConfigured", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "frank", "chat", model.LimitUpdate{TokenCredits: model.Ptr[int64](10)})

		_, err := s.Debit(ctx, debitOp("frank", "embeddings", 1))
		require.ErrorIs(t, err, model.ErrEndpointNotConfigured)
		_, err = s.Debit(ctx, debitOp("nobody", "chat", 1))
		require.ErrorIs(t, err, model.ErrEndpointNotConfigured)
		_, err = s.GetLimit(ctx, "nobody", "chat")
		require.ErrorIs(t, err, model.ErrEndpointNotConfigured)
		_, err = s.GetRecord(ctx, "nobody")
		require.ErrorIs(t, err, model.ErrRecordNotFound)
	})

	t.Run("InvalidDebit", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Debit(context.Background(), debitOp("grace", "chat", -1))
		require.ErrorIs(t, err, model.ErrInvalidRequest)
	})

	t.Run("EndpointsAreIndependent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "heidi", "chat", model.LimitUpdate{TokenCredits: model.Ptr[int64](100)})
		setLimit(t, s, "heidi", "images", model.LimitUpdate{TokenCredits: model.Ptr[int64](100)})

		_, err := s.Debit(ctx, debitOp("heidi", "chat", 100))
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance(t, s, "heidi", "chat"))
		assert.Equal(t, int64(100), balance(t, s, "heidi", "images"))
	})

	t.Run("RefillIsIdempotentWithinInterval", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "ivan", "chat", model.LimitUpdate{
			TokenCredits:        model.Ptr[int64](0),
			AutoRefillEnabled:   model.Ptr(true),
			RefillAmount:        model.Ptr[int64](500),
			RefillIntervalValue: model.Ptr[int64](1),
			RefillIntervalUnit:  model.Ptr(model.UnitDays),
		})

		op := RefillOp{User: "ivan", Endpoint: "chat", Context: model.ContextAutoRefill, Now: baseTime, RequireAutoRefill: true}
		out, err := s.Refill(ctx, op)
		require.NoError(t, err)
		assert.True(t, out.Refilled)
		assert.Equal(t, int64(500), out.Balance)

		op.Now = baseTime.Add(time.Hour)
		out, err = s.Refill(ctx, op)
		require.NoError(t, err)
		assert.False(t, out.Refilled)
		assert.Equal(t, int64(500), out.Balance)

		op.Now = baseTime.Add(24 * time.Hour)
		out, err = s.Refill(ctx, op)
		require.NoError(t, err)
		assert.True(t, out.Refilled)
		assert.Equal(t, int64(1000), out.Balance)
	})

	t.Run("RefillRequiresAutoRefill", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "judy", "chat", model.LimitUpdate{
			RefillAmount:        model.Ptr[int64](500),
			RefillIntervalValue: model.Ptr[int64](1),
			RefillIntervalUnit:  model.Ptr(model.UnitDays),
		})

		out, err := s.Refill(ctx, RefillOp{User: "judy", Endpoint: "chat", Context: model.ContextAutoRefill, Now: baseTime, RequireAutoRefill: true})
		require.NoError(t, err)
		assert.False(t, out.Refilled)

		out, err = s.Refill(ctx, RefillOp{User: "judy", Endpoint: "chat", Context: model.ContextManualRefill, Now: baseTime})
		require.NoError(t, err)
		assert.True(t, out.Refilled)
		assert.Equal(t, int64(500), out.Balance)

		txs, err := s.Transactions(ctx, TxFilter{User: "judy", Context: model.ContextManualRefill})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, int64(500), txs[0].RawAmount)
	})

	t.Run("Adjust", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "kim", "chat", model.LimitUpdate{TokenCredits: model.Ptr[int64](100)})

		out, err := s.Adjust(ctx, AdjustOp{User: "kim", Endpoint: "chat", Delta: 250, Now: baseTime})
		require.NoError(t, err)
		assert.Equal(t, int64(350), out.Balance)

		_, err = s.Adjust(ctx, AdjustOp{User: "kim", Endpoint: "chat", Delta: -400, Now: baseTime})
		require.ErrorIs(t, err, model.ErrInsufficientCredits)
		assert.Equal(t, int64(350), balance(t, s, "kim", "chat"))

		txs, err := s.Transactions(ctx, TxFilter{User: "kim", Context: model.ContextAdjustment})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, int64(250), txs[0].TokenValue)
	})

	t.Run("RepeatedDebitOpIDAppliesOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "lee", "chat", model.LimitUpdate{TokenCredits: model.Ptr[int64](1000)})

		op := debitOp("lee", "chat", 100)
		op.OpID = "op-debit-1"
		for i := 0; i < 3; i++ {
			out, err := s.Debit(ctx, op)
			require.NoError(t, err, "attempt %d", i)
			assert.Equal(t, int64(900), out.Balance, "attempt %d", i)
		}
		assert.Equal(t, int64(900), balance(t, s, "lee", "chat"))

		txs, err := s.Transactions(ctx, TxFilter{User: "lee", Context: model.ContextDebit})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "op-debit-1", txs[0].ID)

		other := debitOp("lee", "chat", 100)
		other.OpID = "op-debit-2"
		out, err := s.Debit(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, int64(800), out.Balance)
	})

	t.Run("RepeatedRefillDebitReportsRefill", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "max", "chat", model.LimitUpdate{
			TokenCredits:        model.Ptr[int64](50),
			AutoRefillEnabled:   model.Ptr(true),
			RefillAmount:        model.Ptr[int64](1000),
			RefillIntervalValue: model.Ptr[int64](1),
			RefillIntervalUnit:  model.Ptr(model.UnitDays),
		})

		op := debitOp("max", "chat", 200)
		op.OpID = "op-refill-debit"
		first, err := s.Debit(ctx, op)
		require.NoError(t, err)
		again, err := s.Debit(ctx, op)
		require.NoError(t, err)
		assert.Equal(t, *first, *again)
		assert.Equal(t, int64(850), again.Balance)
		assert.True(t, again.Refilled)
		assert.Equal(t, int64(1000), again.RefillAmount)

		txs, err := s.Transactions(ctx, TxFilter{User: "max"})
		require.NoError(t, err)
		assert.Len(t, txs, 2)
	})

	t.Run("RepeatedAdjustOpIDAppliesOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "ned", "chat", model.LimitUpdate{TokenCredits: model.Ptr[int64](100)})

		op := AdjustOp{User: "ned", Endpoint: "chat", Delta: -60, Now: baseTime, OpID: "op-adjust-1"}
		for i := 0; i < 2; i++ {
			out, err := s.Adjust(ctx, op)
			require.NoError(t, err, "attempt %d", i)
			assert.Equal(t, int64(40), out.Balance, "attempt %d", i)
		}
		assert.Equal(t, int64(40), balance(t, s, "ned", "chat"))
	})

	t.Run("AlertStateCompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "leo", "chat", model.LimitUpdate{TokenCredits: model.Ptr[int64](1500)})

		next := model.AlertState{Sent: []int64{5000, 2000}, ObservedBalance: 1500, LastReset: baseTime}
		require.NoError(t, s.SwapAlertState(ctx, "leo", "chat", 0, next))

		err := s.SwapAlertState(ctx, "leo", "chat", 0, next)
		require.ErrorIs(t, err, model.ErrStorageConflict)

		l, err := s.GetLimit(ctx, "leo", "chat")
		require.NoError(t, err)
		assert.Equal(t, int64(1), l.AlertVersion)
		assert.Equal(t, []int64{5000, 2000}, l.AlertsSent)
		assert.Equal(t, int64(1500), l.AlertBalance)
		assert.True(t, l.LastAlertReset.Equal(baseTime))

		err = s.SwapAlertState(ctx, "leo", "missing", 0, next)
		require.ErrorIs(t, err, model.ErrEndpointNotConfigured)
	})

	t.Run("UpsertPatchesOnlyGivenFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "mia", "chat", model.LimitUpdate{
			TokenCredits: model.Ptr[int64](100),
			RefillAmount: model.Ptr[int64](20),
		})
		l := setLimit(t, s, "mia", "chat", model.LimitUpdate{Enabled: model.Ptr(false)})

		assert.Equal(t, int64(100), l.TokenCredits)
		assert.Equal(t, int64(20), l.RefillAmount)
		assert.False(t, l.Enabled)
		assert.Equal(t, model.UnitDays, l.RefillIntervalUnit)

		_, err := s.UpsertLimit(ctx, "mia", model.LimitUpdate{Endpoint: "chat", TokenCredits: model.Ptr[int64](-1)}, baseTime)
		require.ErrorIs(t, err, model.ErrInvalidRequest)
	})

	t.Run("RecordAndRemove", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.EnsureRecord(ctx, "nina", baseTime)
		require.NoError(t, err)
		assert.True(t, created)
		created, err = s.EnsureRecord(ctx, "nina", baseTime)
		require.NoError(t, err)
		assert.False(t, created)

		setLimit(t, s, "nina", "chat", model.LimitUpdate{TokenCredits: model.Ptr[int64](1)})
		setLimit(t, s, "nina", "audio", model.LimitUpdate{TokenCredits: model.Ptr[int64](2)})

		rec, err := s.GetRecord(ctx, "nina")
		require.NoError(t, err)
		assert.Equal(t, []string{"audio", "chat"}, rec.Endpoints())

		require.NoError(t, s.RemoveLimit(ctx, "nina", "audio", baseTime))
		require.ErrorIs(t, s.RemoveLimit(ctx, "nina", "audio", baseTime), model.ErrEndpointNotConfigured)

		rec, err = s.GetRecord(ctx, "nina")
		require.NoError(t, err)
		assert.Equal(t, []string{"chat"}, rec.Endpoints())

		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"nina"}, users)
	})

	t.Run("ListAutoRefill", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "zed", "chat", model.LimitUpdate{AutoRefillEnabled: model.Ptr(true)})
		setLimit(t, s, "amy", "chat", model.LimitUpdate{AutoRefillEnabled: model.Ptr(true)})
		setLimit(t, s, "amy", "images", model.LimitUpdate{AutoRefillEnabled: model.Ptr(false)})

		refs, err := s.ListAutoRefill(ctx)
		require.NoError(t, err)
		assert.Equal(t, []model.LimitRef{{User: "amy", Endpoint: "chat"}, {User: "zed", Endpoint: "chat"}}, refs)

		setLimit(t, s, "zed", "chat", model.LimitUpdate{AutoRefillEnabled: model.Ptr(false)})
		refs, err = s.ListAutoRefill(ctx)
		require.NoError(t, err)
		assert.Equal(t, []model.LimitRef{{User: "amy", Endpoint: "chat"}}, refs)
	})

	t.Run("TransactionFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		setLimit(t, s, "olga", "chat", model.LimitUpdate{TokenCredits: model.Ptr[int64](1000)})
		setLimit(t, s, "olga", "images", model.LimitUpdate{TokenCredits: model.Ptr[int64](1000)})

		for i := 0; i < 3; i++ {
			op := debitOp("olga", "chat", 10)
			op.Now = baseTime.Add(time.Duration(i) * time.Minute)
			_, err := s.Debit(ctx, op)
			require.NoError(t, err)
		}
		_, err := s.Debit(ctx, debitOp("olga", "images", 5))
		require.NoError(t, err)

		txs, err := s.Transactions(ctx, TxFilter{User: "olga", Endpoint: "chat"})
		require.NoError(t, err)
		assert.Len(t, txs, 3)

		txs, err = s.Transactions(ctx, TxFilter{User: "olga", Since: baseTime.Add(time.Minute)})
		require.NoError(t, err)
		assert.Len(t, txs, 2)

		txs, err = s.Transactions(ctx, TxFilter{User: "olga", Until: baseTime.Add(time.Minute)})
		require.NoError(t, err)
		assert.Len(t, txs, 2)

		txs, err = s.Transactions(ctx, TxFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, txs, 1)
	})

	t.Run("AppendTransaction", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		entry := model.TransactionEntry{
			ID:         "migration-1",
			User:       "pat",
			Endpoint:   "chat",
			TokenType:  model.TokenCredits,
			Context:    model.ContextMigration,
			RawAmount:  700,
			TokenValue: 700,
			Balance:    700,
			CreatedAt:  baseTime,
		}
		require.NoError(t, s.AppendTransaction(ctx, entry))

		txs, err := s.Transactions(ctx, TxFilter{User: "pat"})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "migration-1", txs[0].ID)
		assert.Equal(t, model.ContextMigration, txs[0].Context)

		require.ErrorIs(t, s.AppendTransaction(ctx, model.TransactionEntry{}), model.ErrInvalidRequest)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Ping(context.Background()))
	})
}

func setLimit(t *testing.T, s Store, user, endpoint string, u model.LimitUpdate) *model.EndpointLimit {
	t.Helper()
	u.Endpoint = endpoint
	l, err := s.UpsertLimit(context.Background(), user, u, baseTime)
	require.NoError(t, err)
	return l
}

func balance(t *testing.T, s Store, user, endpoint string) int64 {
	t.Helper()
	l, err := s.GetLimit(context.Background(), user, endpoint)
	require.NoError(t, err)
	return l.TokenCredits
}

func debitOp(user, endpoint string, amount int64) DebitOp {
	return DebitOp{
		User:      user,
		Endpoint:  endpoint,
		Amount:    amount,
		TokenType: model.TokenCredits,
		RawAmount: amount,
		Now:       baseTime,
	}
}

func TestMemoryStore_TransactionCap(t *testing.T) {
	s := NewMemoryStoreWithConfig(MemoryStoreConfig{MaxTransactions: 3})
	ctx := context.Background()
	setLimit(t, s, "u", "chat", model.LimitUpdate{TokenCredits: model.Ptr[int64](100)})

	for i := 0; i < 5; i++ {
		op := debitOp("u", "chat", 1)
		op.Now = baseTime.Add(time.Duration(i) * time.Second)
		_, err := s.Debit(ctx, op)
		require.NoError(t, err)
	}

	txs, err := s.Transactions(ctx, TxFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, int64(97), txs[0].Balance)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	err := s.Ping(context.Background())
	require.ErrorIs(t, err, model.ErrStorageUnavailable)
	assert.True(t, model.IsTransient(err))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Config{Backend: BackendSQLite, SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "x.db")}})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Backend: "cassandra"})
	require.Error(t, err)
}
