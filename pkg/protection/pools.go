package protection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go-poolguard/pkg/models"
	"go-poolguard/pkg/storage"

	"go.uber.org/zap"
)

// PoolService 池的创建、加入与统计
type PoolService struct {
	store                 storage.Store
	defaultClickThreshold int
	defaultBlockDays      int
	clock                 func() time.Time
	log                   *zap.SugaredLogger
}

func NewPoolService(store storage.Store, defaultClickThreshold, defaultBlockDays int, clock func() time.Time, log *zap.SugaredLogger) *PoolService {
	if clock == nil {
		clock = time.Now
	}
	return &PoolService{
		store:                 store,
		defaultClickThreshold: defaultClickThreshold,
		defaultBlockDays:      defaultBlockDays,
		clock:                 clock,
		log:                   log,
	}
}

// CreatePool 幂等创建，已存在时返回已有的池
func (p *PoolService) CreatePool(ctx context.Context, code, sectorName string) (*models.Pool, error) {
	region, sector, err := models.ParsePoolCode(code)
	if err != nil {
		return nil, err
	}

	pool, created, err := p.store.CreatePool(ctx, models.Pool{
		Code:       code,
		RegionCode: region,
		SectorCode: sector,
		SectorName: strings.TrimSpace(sectorName),
		CreatedAt:  p.clock(),
	})
	if err != nil {
		return nil, err
	}
	if created {
		p.log.Infof("新建防护池: pool=%s, region=%s, sector=%s", code, region, sector)
	}
	return pool, nil
}

// JoinPool 加入池或更新已有成员的设置；0 表示使用默认值
func (p *PoolService) JoinPool(ctx context.Context, accountID, code string, clickThreshold, blockDurationDays int) (*models.PoolMembership, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account", models.ErrValidation)
	}
	if _, _, err := models.ParsePoolCode(code); err != nil {
		return nil, err
	}
	if clickThreshold == 0 {
		clickThreshold = p.defaultClickThreshold
	}
	if blockDurationDays == 0 {
		blockDurationDays = p.defaultBlockDays
	}
	if err := models.ValidateMembershipSettings(clickThreshold, blockDurationDays); err != nil {
		return nil, err
	}

	m := models.PoolMembership{
		PoolCode:          code,
		AccountID:         accountID,
		ClickThreshold:    clickThreshold,
		BlockDurationDays: blockDurationDays,
		Active:            true,
		JoinedAt:          p.clock(),
	}
	created, err := p.store.UpsertMembership(ctx, m)
	if err != nil {
		return nil, err
	}
	if created {
		p.log.Infof("账户 %s 加入池 %s", accountID, code)
	} else {
		p.log.Infof("账户 %s 更新池 %s 设置: threshold=%d, days=%d", accountID, code, clickThreshold, blockDurationDays)
	}
	return &m, nil
}

// AssignSector 设置行业名称
func (p *PoolService) AssignSector(ctx context.Context, code, sectorName string) error {
	if _, _, err := models.ParsePoolCode(code); err != nil {
		return err
	}
	sectorName = strings.TrimSpace(sectorName)
	if sectorName == "" {
		return fmt.Errorf("%w: empty sector name", models.ErrValidation)
	}
	return p.store.UpdateSector(ctx, code, sectorName)
}

// PoolStats 池统计，RecentThreats 为最近 24 小时进入该池的封禁 IP 数
func (p *PoolService) PoolStats(ctx context.Context, code string) (*models.PoolStats, error) {
	if _, _, err := models.ParsePoolCode(code); err != nil {
		return nil, err
	}
	pool, err := p.store.GetPool(ctx, code)
	if err != nil {
		return nil, err
	}
	recent, err := p.store.CountPoolBlocksSince(ctx, code, p.clock().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	return &models.PoolStats{
		PoolCode:        pool.Code,
		SectorName:      pool.SectorName,
		MemberCount:     pool.MemberCount,
		TotalBlockedIPs: pool.TotalBlockedIPs,
		RecentThreats:   recent,
	}, nil
}

// AccountPools 账户当前加入的池
func (p *PoolService) AccountPools(ctx context.Context, accountID string) ([]models.PoolMembership, error) {
	return p.store.Memberships(ctx, accountID)
}
