package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go-poolguard/pkg/models"
)

// MemoryStore 内存实现，用于测试与本地演示
type MemoryStore struct {
	mu        sync.RWMutex
	blocked   map[string]*models.BlockedIP
	pools     map[string]*models.Pool
	members   map[string]map[string]models.PoolMembership // account -> pool -> membership
	clicks    []models.ClickEvent
	visits    []models.VisitorEvent
	campaigns map[string]*models.CampaignCounters
	alerts    map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocked:   make(map[string]*models.BlockedIP),
		pools:     make(map[string]*models.Pool),
		members:   make(map[string]map[string]models.PoolMembership),
		campaigns: make(map[string]*models.CampaignCounters),
		alerts:    make(map[string]time.Time),
	}
}

func copyBlocked(b *models.BlockedIP) *models.BlockedIP {
	c := *b
	c.PoolCodes = append([]string(nil), b.PoolCodes...)
	c.PoolExpiry = make(map[string]time.Time, len(b.PoolExpiry))
	for k, v := range b.PoolExpiry {
		c.PoolExpiry[k] = v
	}
	c.PoolBlockedAt = make(map[string]time.Time, len(b.PoolBlockedAt))
	for k, v := range b.PoolBlockedAt {
		c.PoolBlockedAt[k] = v
	}
	if b.ExpiresAt != nil {
		exp := *b.ExpiresAt
		c.ExpiresAt = &exp
	}
	return &c
}

func (s *MemoryStore) GetBlockedIP(ctx context.Context, ip string) (*models.BlockedIP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocked[ip]
	if !ok {
		return nil, nil
	}
	return copyBlocked(b), nil
}

func (s *MemoryStore) BlockForPool(ctx context.Context, u models.BlockedIPUpsert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp := u.ExpiresAt()
	b, ok := s.blocked[u.IPAddress]
	if !ok {
		b = &models.BlockedIP{
			IPAddress:     u.IPAddress,
			PoolExpiry:    make(map[string]time.Time),
			PoolBlockedAt: make(map[string]time.Time),
			Reason:        u.Reason,
			BlockedBy:     u.BlockedBy,
			BlockedAt:     u.Now,
		}
		s.blocked[u.IPAddress] = b
	}
	if b.PoolBlockedAt == nil {
		b.PoolBlockedAt = make(map[string]time.Time)
	}

	_, inPool := b.PoolExpiry[u.PoolCode]
	if !inPool {
		b.PoolCodes = append(b.PoolCodes, u.PoolCode)
		b.PoolBlockedAt[u.PoolCode] = u.Now
	}
	b.PoolExpiry[u.PoolCode] = exp
	b.ExpiresAt = b.LatestPoolExpiry()
	b.DetectionCount++
	return !inPool, nil
}

func (s *MemoryStore) BlockGlobally(ctx context.Context, ip, reason, blockedBy string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocked[ip]
	if !ok {
		b = &models.BlockedIP{
			IPAddress:     ip,
			PoolExpiry:    make(map[string]time.Time),
			PoolBlockedAt: make(map[string]time.Time),
			BlockedBy:     blockedBy,
			BlockedAt:     now,
		}
		s.blocked[ip] = b
	}
	b.Global = true
	b.Reason = reason
	return nil
}

func (s *MemoryStore) RemoveExpired(ctx context.Context, ip string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocked[ip]
	if !ok || !b.Expired(now) {
		return false, nil
	}
	delete(s.blocked, ip)
	return true, nil
}

func (s *MemoryStore) GlobalIPs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ips []string
	for ip, b := range s.blocked {
		if b.Global {
			ips = append(ips, ip)
		}
	}
	sort.Strings(ips)
	return ips, nil
}

func (s *MemoryStore) PoolIPs(ctx context.Context, poolCodes []string, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ips []string
	for ip, b := range s.blocked {
		for _, code := range poolCodes {
			if b.ActiveInPool(code, now) {
				ips = append(ips, ip)
				break
			}
		}
	}
	sort.Strings(ips)
	return ips, nil
}

func (s *MemoryStore) CountPoolBlocksSince(ctx context.Context, poolCode string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, b := range s.blocked {
		if at, ok := b.PoolBlockedAt[poolCode]; ok && !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreatePool(ctx context.Context, pool models.Pool) (*models.Pool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pools[pool.Code]; ok {
		p := *existing
		return &p, false, nil
	}
	p := pool
	s.pools[pool.Code] = &p
	out := p
	return &out, true, nil
}

func (s *MemoryStore) GetPool(ctx context.Context, code string) (*models.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[code]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", models.ErrNotFound, code)
	}
	out := *p
	return &out, nil
}

func (s *MemoryStore) UpdateSector(ctx context.Context, code, sectorName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[code]
	if !ok {
		return fmt.Errorf("%w: pool %s", models.ErrNotFound, code)
	}
	p.SectorName = sectorName
	return nil
}

func (s *MemoryStore) UpsertMembership(ctx context.Context, m models.PoolMembership) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[m.PoolCode]
	if !ok {
		return false, fmt.Errorf("%w: pool %s", models.ErrNotFound, m.PoolCode)
	}
	byPool, ok := s.members[m.AccountID]
	if !ok {
		byPool = make(map[string]models.PoolMembership)
		s.members[m.AccountID] = byPool
	}
	existing, exists := byPool[m.PoolCode]
	if exists {
		m.JoinedAt = existing.JoinedAt
	} else {
		p.MemberCount++
	}
	byPool[m.PoolCode] = m
	return !exists, nil
}

func (s *MemoryStore) Memberships(ctx context.Context, accountID string) ([]models.PoolMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PoolMembership, 0, len(s.members[accountID]))
	for _, m := range s.members[accountID] {
		if m.Active {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolCode < out[j].PoolCode })
	return out, nil
}

func (s *MemoryStore) IncrementBlockedIPs(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[code]
	if !ok {
		return fmt.Errorf("%w: pool %s", models.ErrNotFound, code)
	}
	p.TotalBlockedIPs++
	return nil
}

func (s *MemoryStore) SaveClick(ctx context.Context, click models.ClickEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	click.Reasons = append([]string(nil), click.Reasons...)
	s.clicks = append(s.clicks, click)
	return nil
}

func (s *MemoryStore) RecentClicksByIP(ctx context.Context, ip string, since time.Time) ([]models.ClickEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ClickEvent
	for i := len(s.clicks) - 1; i >= 0; i-- {
		c := s.clicks[i]
		if c.IPAddress == ip && !c.Timestamp.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) IncrementCampaign(ctx context.Context, campaignID string, delta models.CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[campaignID]
	if !ok {
		c = &models.CampaignCounters{CampaignID: campaignID}
		s.campaigns[campaignID] = c
	}
	c.Total += delta.Total
	c.Suspicious += delta.Suspicious
	c.Blocked += delta.Blocked
	return nil
}

func (s *MemoryStore) CampaignCounters(ctx context.Context, campaignID string) (*models.CampaignCounters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[campaignID]
	if !ok {
		return &models.CampaignCounters{CampaignID: campaignID}, nil
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) ClickStats(ctx context.Context, accountID, campaignID string) (*models.ClickStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.ClickStats{Devices: make(map[string]int)}
	for _, c := range s.clicks {
		if accountID != "" && c.AccountID != accountID {
			continue
		}
		if campaignID != "" && c.CampaignID != campaignID {
			continue
		}
		stats.Total++
		if c.Suspicious {
			stats.Suspicious++
		}
		if c.Blocked {
			stats.Blocked++
		}
		stats.Devices[c.DeviceType]++
	}
	finishStats(stats)
	return stats, nil
}

func (s *MemoryStore) SaveVisit(ctx context.Context, visit models.VisitorEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.visits = append(s.visits, visit)
	return nil
}

func (s *MemoryStore) RecentVisits(ctx context.Context, accountID string, since time.Time, limit int) ([]models.VisitorEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.VisitorEvent
	for i := len(s.visits) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		v := s.visits[i]
		if v.AccountID == accountID && !v.CreatedAt.Before(since) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveAlertEvent(ctx context.Context, ip, accountID string, pools []string, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts[ip] = at
	return nil
}

func (s *MemoryStore) RecentAlerts(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]time.Time)
	for ip, at := range s.alerts {
		if at.After(since) {
			out[ip] = at
		}
	}
	return out, nil
}

// finishStats 计算干净点击数与作弊比例（保留两位小数）
func finishStats(stats *models.ClickStats) {
	stats.Clean = stats.Total - stats.Suspicious
	if stats.Total > 0 {
		pct := float64(stats.Suspicious) / float64(stats.Total) * 100
		stats.FraudPercentage = float64(int64(pct*100+0.5)) / 100
	}
}
