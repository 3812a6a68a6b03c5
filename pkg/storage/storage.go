package storage

import (
	"context"
	"database/sql"
	"time"

	"go-poolguard/pkg/config"
	"go-poolguard/pkg/models"

	_ "github.com/go-sql-driver/mysql"
)

// BlocklistStore 封禁名单存取
// BlockForPool 必须是原子的“集合并入 + 计数递增”，并发检测不能丢失更新
type BlocklistStore interface {
	// GetBlockedIP 不存在时返回 nil, nil
	GetBlockedIP(ctx context.Context, ip string) (*models.BlockedIP, error)
	// BlockForPool 返回该 IP 是否首次进入此池
	BlockForPool(ctx context.Context, u models.BlockedIPUpsert) (bool, error)
	BlockGlobally(ctx context.Context, ip, reason, blockedBy string, now time.Time) error
	// RemoveExpired 仅在记录仍然过期时删除，返回是否删除
	RemoveExpired(ctx context.Context, ip string, now time.Time) (bool, error)
	GlobalIPs(ctx context.Context) ([]string, error)
	PoolIPs(ctx context.Context, poolCodes []string, now time.Time) ([]string, error)
	CountPoolBlocksSince(ctx context.Context, poolCode string, since time.Time) (int, error)
}

// PoolStore 池与成员关系
type PoolStore interface {
	// CreatePool 已存在时返回已有的池和 false
	CreatePool(ctx context.Context, pool models.Pool) (*models.Pool, bool, error)
	// GetPool 不存在时返回 models.ErrNotFound
	GetPool(ctx context.Context, code string) (*models.Pool, error)
	UpdateSector(ctx context.Context, code, sectorName string) error
	// UpsertMembership 返回是否为新成员（新成员会增加池成员数）
	UpsertMembership(ctx context.Context, m models.PoolMembership) (bool, error)
	Memberships(ctx context.Context, accountID string) ([]models.PoolMembership, error)
	IncrementBlockedIPs(ctx context.Context, code string) error
}

// ClickStore 点击记录与活动计数
type ClickStore interface {
	SaveClick(ctx context.Context, click models.ClickEvent) error
	// RecentClicksByIP 返回 since 之后该 IP 的点击，新到旧
	RecentClicksByIP(ctx context.Context, ip string, since time.Time) ([]models.ClickEvent, error)
	IncrementCampaign(ctx context.Context, campaignID string, delta models.CounterDelta) error
	CampaignCounters(ctx context.Context, campaignID string) (*models.CampaignCounters, error)
	ClickStats(ctx context.Context, accountID, campaignID string) (*models.ClickStats, error)
}

// VisitStore 访客事件
type VisitStore interface {
	SaveVisit(ctx context.Context, visit models.VisitorEvent) error
	// RecentVisits 返回账户 since 之后的访客，新到旧，最多 limit 条
	RecentVisits(ctx context.Context, accountID string, since time.Time, limit int) ([]models.VisitorEvent, error)
}

// AlertStore 告警记录
type AlertStore interface {
	SaveAlertEvent(ctx context.Context, ip, accountID string, pools []string, reason string, at time.Time) error
	RecentAlerts(ctx context.Context, since time.Time) (map[string]time.Time, error)
}

// Store 关系型存储需要实现的全部接口
type Store interface {
	BlocklistStore
	PoolStore
	ClickStore
	VisitStore
	AlertStore
}

// OpenMySQL 按配置打开 MySQL 连接池
func OpenMySQL(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(cfg.MySQL.MaxIdle)
	db.SetMaxOpenConns(cfg.MySQL.MaxOpen)
	return db, nil
}
