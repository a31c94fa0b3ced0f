package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"trafficmon/internal/storage"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "state.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestKVSetGetExpire(t *testing.T) {
	clock := quartz.NewMock(t)
	st := openTestStore(t, WithClock(clock))
	ctx := context.Background()

	_, ok, err := st.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.Set(ctx, "traffic:snapshot", []byte(`{"a":1}`), time.Hour))
	v, ok, err := st.Get(ctx, "traffic:snapshot")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"a":1}`, string(v))

	clock.Advance(time.Hour)
	_, ok, err = st.Get(ctx, "traffic:snapshot")
	require.NoError(t, err)
	require.False(t, ok, "key must expire exactly at ttl")
}

func TestKVOverwriteRefreshesTTL(t *testing.T) {
	clock := quartz.NewMock(t)
	st := openTestStore(t, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "k", []byte("1"), time.Minute))
	clock.Advance(50 * time.Second)
	require.NoError(t, st.Set(ctx, "k", []byte("2"), time.Minute))
	clock.Advance(50 * time.Second)

	v, ok, err := st.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(v))
}

func TestKVListByPrefix(t *testing.T) {
	clock := quartz.NewMock(t)
	st := openTestStore(t, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "traffic:notifications:u1", []byte("a"), time.Hour))
	require.NoError(t, st.Set(ctx, "traffic:notifications:u2", []byte("b"), time.Minute))
	require.NoError(t, st.Set(ctx, "traffic:notificationsX", []byte("c"), time.Hour))
	require.NoError(t, st.Set(ctx, "traffic:snapshot", []byte("d"), 0))

	values, err := st.List(ctx, "traffic:notifications:")
	require.NoError(t, err)
	require.Len(t, values, 2)

	clock.Advance(2 * time.Minute)
	values, err = st.List(ctx, "traffic:notifications:")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a")}, values)
}

func TestLikePrefixIsEscaped(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "a_b", []byte("1"), 0))
	require.NoError(t, st.Set(ctx, "axb", []byte("2"), 0))

	values, err := st.List(ctx, "a_")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1")}, values)
}

func TestAccountDirectory(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, ok, err := st.LookupAccount(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.UpsertAccount(ctx, storage.Account{ID: "u1", DisplayName: "Иван", ExternalID: "1001"}))
	require.NoError(t, st.UpsertAccount(ctx, storage.Account{ID: "u1", DisplayName: "Иван П.", ExternalID: "1001", Username: "ivan"}))

	acc, ok, err := st.LookupAccount(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Иван П.", acc.DisplayName)
	require.Equal(t, "ivan", acc.Username)

	require.Error(t, st.UpsertAccount(ctx, storage.Account{}))
}

func TestAlertJournal(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, st.RecordAlert(ctx, storage.AlertRecord{
			AccountID:   id,
			CheckType:   "fast",
			AmountGB:    6,
			ThresholdGB: 5,
			NodeID:      "n1",
			TS:          base.Add(time.Duration(i) * time.Minute),
		}))
	}

	alerts, err := st.RecentAlerts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	require.Equal(t, "u3", alerts[0].AccountID)
	require.Equal(t, "u2", alerts[1].AccountID)
	require.True(t, alerts[0].TS.Equal(base.Add(2*time.Minute)))
}

func TestAuditRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Write(ctx, storage.AuditEvent{Subject: "1001", Action: "traffic:fast", Source: "telegram", Status: "ok"}))
	require.NoError(t, st.Write(ctx, storage.AuditEvent{Subject: "1002", Action: "traffic:status", Source: "web", Status: "denied"}))

	events, err := st.QueryAudit(ctx, storage.AuditQuery{Subject: "1001"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "traffic:fast", events[0].Action)
}
