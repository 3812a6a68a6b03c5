package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"go-poolguard/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func upsert(ip, pool string, days int, now time.Time) models.BlockedIPUpsert {
	return models.BlockedIPUpsert{
		IPAddress:    ip,
		PoolCode:     pool,
		Reason:       "Collective protection",
		BlockedBy:    "acct-a",
		DurationDays: days,
		Now:          now,
	}
}

func TestMemoryStore_BlockForPoolIsIdempotentPerPool(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.BlockForPool(ctx, upsert("1.2.3.4", "34001", 7, refTime))
	require.NoError(t, err)
	assert.True(t, first)

	first, err = s.BlockForPool(ctx, upsert("1.2.3.4", "34001", 7, refTime.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, first)

	b, err := s.GetBlockedIP(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, []string{"34001"}, b.PoolCodes)
	assert.Equal(t, 2, b.DetectionCount)
	assert.Equal(t, refTime, b.BlockedAt)
}

func TestMemoryStore_PerPoolExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.BlockForPool(ctx, upsert("1.2.3.4", "34001", 1, refTime))
	require.NoError(t, err)
	_, err = s.BlockForPool(ctx, upsert("1.2.3.4", "34002", 7, refTime))
	require.NoError(t, err)

	later := refTime.Add(2 * 24 * time.Hour)
	b, err := s.GetBlockedIP(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, b.ActiveInPool("34001", later))
	assert.True(t, b.ActiveInPool("34002", later))
	assert.Equal(t, refTime.Add(7*24*time.Hour), *b.ExpiresAt)

	ips, err := s.PoolIPs(ctx, []string{"34001"}, later)
	require.NoError(t, err)
	assert.Empty(t, ips)

	ips, err = s.PoolIPs(ctx, []string{"34001", "34002"}, later)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4"}, ips)
}

func TestMemoryStore_ConcurrentBlocksDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := s.BlockForPool(ctx, upsert("5.6.7.8", "06001", 7, refTime))
			assert.NoError(t, err)
			if first {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	b, err := s.GetBlockedIP(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.Equal(t, n, b.DetectionCount)
	assert.Len(t, b.PoolCodes, 1)
	assert.Equal(t, 1, firsts)
}

func TestMemoryStore_RemoveExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.BlockForPool(ctx, upsert("1.2.3.4", "34001", 1, refTime))
	require.NoError(t, err)
	require.NoError(t, s.BlockGlobally(ctx, "9.9.9.9", "manual", "ops", refTime))

	removed, err := s.RemoveExpired(ctx, "1.2.3.4", refTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.RemoveExpired(ctx, "1.2.3.4", refTime.Add(25*time.Hour))
	require.NoError(t, err)
	assert.True(t, removed)

	b, err := s.GetBlockedIP(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Nil(t, b)

	removed, err = s.RemoveExpired(ctx, "9.9.9.9", refTime.Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, removed)

	global, err := s.GlobalIPs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"9.9.9.9"}, global)
}

func TestMemoryStore_MembershipRejoinKeepsCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, created, err := s.CreatePool(ctx, models.Pool{Code: "34001", RegionCode: "34", SectorCode: "001", CreatedAt: refTime})
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = s.CreatePool(ctx, models.Pool{Code: "34001", RegionCode: "34", SectorCode: "001"})
	require.NoError(t, err)
	assert.False(t, created)

	m := models.PoolMembership{PoolCode: "34001", AccountID: "acct-a", ClickThreshold: 3, BlockDurationDays: 7, Active: true, JoinedAt: refTime}
	isNew, err := s.UpsertMembership(ctx, m)
	require.NoError(t, err)
	assert.True(t, isNew)

	m.ClickThreshold = 8
	m.JoinedAt = refTime.Add(time.Hour)
	isNew, err = s.UpsertMembership(ctx, m)
	require.NoError(t, err)
	assert.False(t, isNew)

	pool, err := s.GetPool(ctx, "34001")
	require.NoError(t, err)
	assert.Equal(t, 1, pool.MemberCount)

	ms, err := s.Memberships(ctx, "acct-a")
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, 8, ms[0].ClickThreshold)
	assert.Equal(t, refTime, ms[0].JoinedAt)

	_, err = s.UpsertMembership(ctx, models.PoolMembership{PoolCode: "99999", AccountID: "acct-a"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_ClickStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	clicks := []models.ClickEvent{
		{ID: "1", AccountID: "acct-a", CampaignID: "c1", DeviceType: "mobile"},
		{ID: "2", AccountID: "acct-a", CampaignID: "c1", DeviceType: "mobile", Suspicious: true},
		{ID: "3", AccountID: "acct-a", CampaignID: "c2", DeviceType: "desktop", Suspicious: true, Blocked: true},
		{ID: "4", AccountID: "acct-b", CampaignID: "c9", DeviceType: "desktop"},
	}
	for _, c := range clicks {
		require.NoError(t, s.SaveClick(ctx, c))
	}

	stats, err := s.ClickStats(ctx, "acct-a", "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Suspicious)
	assert.Equal(t, 1, stats.Blocked)
	assert.Equal(t, 1, stats.Clean)
	assert.Equal(t, 66.67, stats.FraudPercentage)
	assert.Equal(t, map[string]int{"mobile": 2, "desktop": 1}, stats.Devices)

	stats, err = s.ClickStats(ctx, "acct-a", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 50.0, stats.FraudPercentage)
}

func TestMemoryStore_RecentVisitsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveVisit(ctx, models.VisitorEvent{
			ID:        string(rune('a' + i)),
			AccountID: "acct-a",
			CreatedAt: refTime.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.SaveVisit(ctx, models.VisitorEvent{ID: "old", AccountID: "acct-a", CreatedAt: refTime.Add(-2 * time.Hour)}))

	visits, err := s.RecentVisits(ctx, "acct-a", refTime.Add(-time.Hour), 3)
	require.NoError(t, err)
	require.Len(t, visits, 3)
	assert.Equal(t, "e", visits[0].ID)
	assert.Equal(t, "c", visits[2].ID)
}

func TestMemoryStore_RemoveExpiredKeepsLivePools(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.BlockForPool(ctx, upsert("1.2.3.4", "34002", 7, refTime))
	require.NoError(t, err)
	_, err = s.BlockForPool(ctx, upsert("1.2.3.4", "34001", 1, refTime))
	require.NoError(t, err)

	b, err := s.GetBlockedIP(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, refTime.Add(7*24*time.Hour), *b.ExpiresAt)

	removed, err := s.RemoveExpired(ctx, "1.2.3.4", refTime.Add(2*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, removed)

	ips, err := s.PoolIPs(ctx, []string{"34002"}, refTime.Add(2*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4"}, ips)

	removed, err = s.RemoveExpired(ctx, "1.2.3.4", refTime.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestMemoryStore_CountPoolBlocksSinceUsesPoolEntryTime(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.BlockForPool(ctx, upsert("1.2.3.4", "34001", 7, refTime))
	require.NoError(t, err)
	later := refTime.Add(3 * 24 * time.Hour)
	_, err = s.BlockForPool(ctx, upsert("1.2.3.4", "34002", 7, later))
	require.NoError(t, err)
	// 重复封禁不改变进入时间
	_, err = s.BlockForPool(ctx, upsert("1.2.3.4", "34001", 7, later))
	require.NoError(t, err)

	since := later.Add(-24 * time.Hour)
	n, err := s.CountPoolBlocksSince(ctx, "34002", since)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountPoolBlocksSince(ctx, "34001", since)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	b, err := s.GetBlockedIP(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, refTime, b.PoolBlockedAt["34001"])
	assert.Equal(t, later, b.PoolBlockedAt["34002"])
}
