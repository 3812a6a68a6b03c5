package alerter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-poolguard/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var refTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestTriggerAlert_SendsWebhookAndHonoursCooldown(t *testing.T) {
	var calls int32
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &clock{now: refTime}
	store := storage.NewMemoryStore()
	a := NewAlerter(context.Background(), store, Options{WebhookURL: srv.URL, Cooldown: time.Hour, Clock: c.Now}, zap.NewNop().Sugar())

	alert := Alert{IPAddress: "1.2.3.4", AccountID: "acct-a", Pools: []string{"34001"}, Reason: "Collective protection", FraudScore: 80}

	sent, err := a.TriggerAlert(context.Background(), alert)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, "1.2.3.4", got.IPAddress)
	assert.Equal(t, []string{"34001"}, got.Pools)

	c.now = refTime.Add(30 * time.Minute)
	sent, err = a.TriggerAlert(context.Background(), alert)
	require.NoError(t, err)
	assert.False(t, sent)

	c.now = refTime.Add(61 * time.Minute)
	sent, err = a.TriggerAlert(context.Background(), alert)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTriggerAlert_WebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAlerter(context.Background(), storage.NewMemoryStore(),
		Options{WebhookURL: srv.URL, Clock: func() time.Time { return refTime }}, zap.NewNop().Sugar())

	sent, err := a.TriggerAlert(context.Background(), Alert{IPAddress: "1.2.3.4"})
	assert.Error(t, err)
	assert.False(t, sent)

	// 发送失败不进入冷却，下次仍会重试
	assert.Equal(t, 0, a.CleanupOldHistory())
}

func TestTriggerAlert_ConcurrentCallsSendOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(context.Background(), storage.NewMemoryStore(),
		Options{WebhookURL: srv.URL, Cooldown: time.Hour, Clock: func() time.Time { return refTime }}, zap.NewNop().Sugar())

	const n = 20
	var wg sync.WaitGroup
	var sentCount int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sent, err := a.TriggerAlert(context.Background(), Alert{IPAddress: "1.2.3.4", Pools: []string{"34001"}})
			assert.NoError(t, err)
			if sent {
				atomic.AddInt32(&sentCount, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&sentCount))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTriggerAlert_FailureRestoresPreviousCooldown(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &clock{now: refTime}
	a := NewAlerter(context.Background(), storage.NewMemoryStore(),
		Options{WebhookURL: srv.URL, Cooldown: time.Hour, Clock: c.Now}, zap.NewNop().Sugar())

	sent, err := a.TriggerAlert(context.Background(), Alert{IPAddress: "1.2.3.4"})
	require.NoError(t, err)
	require.True(t, sent)

	fail.Store(true)
	c.now = refTime.Add(90 * time.Minute)
	_, err = a.TriggerAlert(context.Background(), Alert{IPAddress: "1.2.3.4"})
	assert.Error(t, err)

	// 失败后恢复上一次的告警时间
	a.alertHistoryMu.Lock()
	assert.Equal(t, refTime, a.alertHistory["1.2.3.4"])
	a.alertHistoryMu.Unlock()

	fail.Store(false)
	sent, err = a.TriggerAlert(context.Background(), Alert{IPAddress: "1.2.3.4"})
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestNewAlerter_RestoresCooldownFromStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveAlertEvent(ctx, "1.2.3.4", "acct-a", []string{"34001"}, "x", refTime.Add(-10*time.Minute)))
	require.NoError(t, store.SaveAlertEvent(ctx, "5.6.7.8", "acct-a", []string{"34001"}, "x", refTime.Add(-2*time.Hour)))

	a := NewAlerter(ctx, store, Options{Cooldown: time.Hour, Clock: func() time.Time { return refTime }}, zap.NewNop().Sugar())

	sent, err := a.TriggerAlert(ctx, Alert{IPAddress: "1.2.3.4"})
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = a.TriggerAlert(ctx, Alert{IPAddress: "5.6.7.8"})
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestCleanupOldHistory(t *testing.T) {
	c := &clock{now: refTime}
	a := NewAlerter(context.Background(), storage.NewMemoryStore(), Options{Cooldown: time.Hour, Clock: c.Now}, zap.NewNop().Sugar())

	_, err := a.TriggerAlert(context.Background(), Alert{IPAddress: "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, 1, a.CleanupOldHistory())

	c.now = refTime.Add(2 * time.Hour)
	assert.Equal(t, 0, a.CleanupOldHistory())
}
