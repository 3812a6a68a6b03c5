package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-poolguard/pkg/models"

	"go.uber.org/zap"
)

// MySQLStore MySQL 实现
// DSN 需要带 parseTime=true
type MySQLStore struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

func NewMySQLStore(db *sql.DB, log *zap.SugaredLogger) *MySQLStore {
	return &MySQLStore{db: db, log: log}
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS pools (
		pool_code         CHAR(5) PRIMARY KEY,
		city_plate_code   CHAR(2) NOT NULL,
		sector_code       CHAR(3) NOT NULL,
		sector_name       VARCHAR(128) NOT NULL DEFAULT '',
		member_count      INT NOT NULL DEFAULT 0,
		total_blocked_ips INT NOT NULL DEFAULT 0,
		created_at        DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pool_members (
		pool_code           CHAR(5) NOT NULL,
		user_id             VARCHAR(64) NOT NULL,
		click_threshold     INT NOT NULL,
		block_duration_days INT NOT NULL,
		is_active           BOOLEAN NOT NULL DEFAULT TRUE,
		joined_at           DATETIME NOT NULL,
		PRIMARY KEY (pool_code, user_id),
		KEY idx_pool_members_user (user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS blocked_ips (
		ip_address         VARCHAR(45) PRIMARY KEY,
		is_global          BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at         DATETIME NULL,
		detection_count    INT NOT NULL DEFAULT 0,
		reason             VARCHAR(255) NOT NULL DEFAULT '',
		blocked_by_user_id VARCHAR(64) NOT NULL DEFAULT '',
		blocked_at         DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blocked_ip_pools (
		ip_address VARCHAR(45) NOT NULL,
		pool_code  CHAR(5) NOT NULL,
		expires_at DATETIME NOT NULL,
		blocked_at DATETIME NOT NULL,
		PRIMARY KEY (ip_address, pool_code),
		KEY idx_blocked_ip_pools_pool (pool_code, expires_at)
	)`,
	`CREATE TABLE IF NOT EXISTS clicks (
		id               VARCHAR(36) PRIMARY KEY,
		campaign_id      VARCHAR(64) NOT NULL,
		user_id          VARCHAR(64) NOT NULL,
		ip_address       VARCHAR(45) NOT NULL,
		user_agent       TEXT,
		referer          TEXT,
		device_type      VARCHAR(32) NOT NULL DEFAULT '',
		location_city    VARCHAR(64) NOT NULL DEFAULT '',
		location_country VARCHAR(8) NOT NULL DEFAULT '',
		is_suspicious    BOOLEAN NOT NULL DEFAULT FALSE,
		is_blocked       BOOLEAN NOT NULL DEFAULT FALSE,
		fraud_score      INT NOT NULL DEFAULT 0,
		fraud_reasons    JSON,
		created_at       DATETIME NOT NULL,
		KEY idx_clicks_ip (ip_address, created_at),
		KEY idx_clicks_user (user_id, campaign_id)
	)`,
	`CREATE TABLE IF NOT EXISTS visits (
		id         VARCHAR(36) PRIMARY KEY,
		user_id    VARCHAR(64) NOT NULL,
		ip_address VARCHAR(45) NOT NULL,
		risk_score DECIMAL(5,2) NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		payload    JSON NOT NULL,
		KEY idx_visits_user (user_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_counters (
		campaign_id             VARCHAR(64) PRIMARY KEY,
		total_clicks            INT NOT NULL DEFAULT 0,
		suspicious_clicks_count INT NOT NULL DEFAULT 0,
		blocked_clicks_count    INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS alert_events (
		id         BIGINT AUTO_INCREMENT PRIMARY KEY,
		ip_address VARCHAR(45) NOT NULL,
		user_id    VARCHAR(64) NOT NULL,
		pool_codes JSON,
		reason     VARCHAR(255) NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		KEY idx_alert_events_time (created_at)
	)`,
}

// Migrate 建表（MySQL 驱动默认不支持多语句，逐条执行）
func (s *MySQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) GetBlockedIP(ctx context.Context, ip string) (*models.BlockedIP, error) {
	b := &models.BlockedIP{
		IPAddress:     ip,
		PoolExpiry:    make(map[string]time.Time),
		PoolBlockedAt: make(map[string]time.Time),
	}
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT is_global, expires_at, detection_count, reason, blocked_by_user_id, blocked_at
		FROM blocked_ips
		WHERE ip_address = ?
	`, ip).Scan(&b.Global, &expires, &b.DetectionCount, &b.Reason, &b.BlockedBy, &b.BlockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blocked ip: %w", err)
	}
	if expires.Valid {
		b.ExpiresAt = &expires.Time
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_code, expires_at, blocked_at
		FROM blocked_ip_pools
		WHERE ip_address = ?
		ORDER BY pool_code
	`, ip)
	if err != nil {
		return nil, fmt.Errorf("failed to get blocked ip pools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var code string
		var exp, at time.Time
		if err := rows.Scan(&code, &exp, &at); err != nil {
			return nil, fmt.Errorf("failed to scan blocked ip pool: %w", err)
		}
		b.PoolCodes = append(b.PoolCodes, code)
		b.PoolExpiry[code] = exp
		b.PoolBlockedAt[code] = at
	}
	return b, rows.Err()
}

// BlockForPool 在同一事务中完成计数递增与池集合并入
// blocked_ip_pools 的 RowsAffected 为 1 表示新插入（更新为 2，值未变为 0）
// 记录级 expires_at 只增不减，保持为各池过期时间的上界
func (s *MySQLStore) BlockForPool(ctx context.Context, u models.BlockedIPUpsert) (bool, error) {
	exp := u.ExpiresAt()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocked_ips (ip_address, is_global, expires_at, detection_count, reason, blocked_by_user_id, blocked_at)
		VALUES (?, FALSE, ?, 1, ?, ?, ?)
		ON DUPLICATE KEY UPDATE detection_count = detection_count + 1,
			expires_at = GREATEST(COALESCE(expires_at, VALUES(expires_at)), VALUES(expires_at))
	`, u.IPAddress, exp, u.Reason, u.BlockedBy, u.Now); err != nil {
		return false, fmt.Errorf("failed to upsert blocked ip: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO blocked_ip_pools (ip_address, pool_code, expires_at, blocked_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE expires_at = VALUES(expires_at)
	`, u.IPAddress, u.PoolCode, exp, u.Now)
	if err != nil {
		return false, fmt.Errorf("failed to upsert blocked ip pool: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit block: %w", err)
	}
	return affected == 1, nil
}

func (s *MySQLStore) BlockGlobally(ctx context.Context, ip, reason, blockedBy string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_ips (ip_address, is_global, expires_at, detection_count, reason, blocked_by_user_id, blocked_at)
		VALUES (?, TRUE, NULL, 0, ?, ?, ?)
		ON DUPLICATE KEY UPDATE is_global = TRUE, reason = VALUES(reason)
	`, ip, reason, blockedBy, now)
	if err != nil {
		return fmt.Errorf("failed to block ip globally: %w", err)
	}
	return nil
}

// RemoveExpired 条件删除，避免与并发的重新封禁竞争
// 只要还有一个池未过期就保留整条记录
func (s *MySQLStore) RemoveExpired(ctx context.Context, ip string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM blocked_ips
		WHERE ip_address = ? AND is_global = FALSE
			AND NOT EXISTS (SELECT 1 FROM blocked_ip_pools WHERE ip_address = ? AND expires_at > ?)
	`, ip, ip, now)
	if err != nil {
		return false, fmt.Errorf("failed to remove expired block: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blocked_ip_pools WHERE ip_address = ?`, ip); err != nil {
		return false, fmt.Errorf("failed to remove expired block pools: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit removal: %w", err)
	}
	return true, nil
}

func (s *MySQLStore) GlobalIPs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT ip_address FROM blocked_ips WHERE is_global = TRUE ORDER BY ip_address`)
}

func (s *MySQLStore) PoolIPs(ctx context.Context, poolCodes []string, now time.Time) ([]string, error) {
	if len(poolCodes) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(poolCodes)), ",")
	args := make([]interface{}, 0, len(poolCodes)+1)
	for _, code := range poolCodes {
		args = append(args, code)
	}
	args = append(args, now)

	query := `SELECT DISTINCT ip_address FROM blocked_ip_pools WHERE pool_code IN (` +
		placeholders + `) AND expires_at > ? ORDER BY ip_address`
	return s.queryStrings(ctx, query, args...)
}

func (s *MySQLStore) CountPoolBlocksSince(ctx context.Context, poolCode string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM blocked_ip_pools
		WHERE pool_code = ? AND blocked_at >= ?
	`, poolCode, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pool blocks: %w", err)
	}
	return n, nil
}

func (s *MySQLStore) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *MySQLStore) CreatePool(ctx context.Context, pool models.Pool) (*models.Pool, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT IGNORE INTO pools (pool_code, city_plate_code, sector_code, sector_name, member_count, total_blocked_ips, created_at)
		VALUES (?, ?, ?, ?, 0, 0, ?)
	`, pool.Code, pool.RegionCode, pool.SectorCode, pool.SectorName, pool.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create pool: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	p, err := s.GetPool(ctx, pool.Code)
	if err != nil {
		return nil, false, err
	}
	if affected == 1 {
		s.log.Infof("创建防护池: pool_code=%s", pool.Code)
	}
	return p, affected == 1, nil
}

func (s *MySQLStore) GetPool(ctx context.Context, code string) (*models.Pool, error) {
	var p models.Pool
	err := s.db.QueryRowContext(ctx, `
		SELECT pool_code, city_plate_code, sector_code, sector_name, member_count, total_blocked_ips, created_at
		FROM pools
		WHERE pool_code = ?
	`, code).Scan(&p.Code, &p.RegionCode, &p.SectorCode, &p.SectorName, &p.MemberCount, &p.TotalBlockedIPs, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool %s", models.ErrNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}
	return &p, nil
}

func (s *MySQLStore) UpdateSector(ctx context.Context, code, sectorName string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pools SET sector_name = ? WHERE pool_code = ?`, sectorName, code)
	if err != nil {
		return fmt.Errorf("failed to update sector: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// 名称未变化时 affected 也为 0，需要再确认池是否存在
		if _, err := s.GetPool(ctx, code); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) UpsertMembership(ctx context.Context, m models.PoolMembership) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var code string
	err = tx.QueryRowContext(ctx, `SELECT pool_code FROM pools WHERE pool_code = ? FOR UPDATE`, m.PoolCode).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: pool %s", models.ErrNotFound, m.PoolCode)
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock pool: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pool_members (pool_code, user_id, click_threshold, block_duration_days, is_active, joined_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE click_threshold = VALUES(click_threshold),
			block_duration_days = VALUES(block_duration_days),
			is_active = VALUES(is_active)
	`, m.PoolCode, m.AccountID, m.ClickThreshold, m.BlockDurationDays, m.Active, m.JoinedAt)
	if err != nil {
		return false, fmt.Errorf("failed to upsert membership: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	created := affected == 1
	if created {
		if _, err := tx.ExecContext(ctx, `UPDATE pools SET member_count = member_count + 1 WHERE pool_code = ?`, m.PoolCode); err != nil {
			return false, fmt.Errorf("failed to bump member count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit membership: %w", err)
	}
	return created, nil
}

func (s *MySQLStore) Memberships(ctx context.Context, accountID string) ([]models.PoolMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_code, user_id, click_threshold, block_duration_days, is_active, joined_at
		FROM pool_members
		WHERE user_id = ? AND is_active = TRUE
		ORDER BY pool_code
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.PoolMembership
	for rows.Next() {
		var m models.PoolMembership
		if err := rows.Scan(&m.PoolCode, &m.AccountID, &m.ClickThreshold, &m.BlockDurationDays, &m.Active, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MySQLStore) IncrementBlockedIPs(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pools SET total_blocked_ips = total_blocked_ips + 1 WHERE pool_code = ?`, code)
	if err != nil {
		return fmt.Errorf("failed to increment blocked ips: %w", err)
	}
	return nil
}

func (s *MySQLStore) SaveClick(ctx context.Context, click models.ClickEvent) error {
	reasonsJSON, err := json.Marshal(click.Reasons)
	if err != nil {
		s.log.Errorf("原因序列化失败: %v", err)
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clicks (
			id, campaign_id, user_id, ip_address, user_agent, referer, device_type,
			location_city, location_country, is_suspicious, is_blocked, fraud_score, fraud_reasons, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		click.ID, click.CampaignID, click.AccountID, click.IPAddress, click.UserAgent, click.Referrer, click.DeviceType,
		click.City, click.Country, click.Suspicious, click.Blocked, click.FraudScore, reasonsJSON, click.Timestamp,
	)
	if err != nil {
		s.log.Errorf("保存点击失败: ip=%s, error=%v", click.IPAddress, err)
		return err
	}
	return nil
}

func (s *MySQLStore) RecentClicksByIP(ctx context.Context, ip string, since time.Time) ([]models.ClickEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, user_id, ip_address, created_at
		FROM clicks
		WHERE ip_address = ? AND created_at >= ?
		ORDER BY created_at DESC
	`, ip, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent clicks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ClickEvent
	for rows.Next() {
		var c models.ClickEvent
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.AccountID, &c.IPAddress, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan click: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *MySQLStore) IncrementCampaign(ctx context.Context, campaignID string, delta models.CounterDelta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_counters (campaign_id, total_clicks, suspicious_clicks_count, blocked_clicks_count)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE total_clicks = total_clicks + VALUES(total_clicks),
			suspicious_clicks_count = suspicious_clicks_count + VALUES(suspicious_clicks_count),
			blocked_clicks_count = blocked_clicks_count + VALUES(blocked_clicks_count)
	`, campaignID, delta.Total, delta.Suspicious, delta.Blocked)
	if err != nil {
		return fmt.Errorf("failed to increment campaign counters: %w", err)
	}
	return nil
}

func (s *MySQLStore) CampaignCounters(ctx context.Context, campaignID string) (*models.CampaignCounters, error) {
	c := &models.CampaignCounters{CampaignID: campaignID}
	err := s.db.QueryRowContext(ctx, `
		SELECT total_clicks, suspicious_clicks_count, blocked_clicks_count
		FROM campaign_counters
		WHERE campaign_id = ?
	`, campaignID).Scan(&c.Total, &c.Suspicious, &c.Blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign counters: %w", err)
	}
	return c, nil
}

// ClickStats 空的 accountID / campaignID 表示不过滤
func (s *MySQLStore) ClickStats(ctx context.Context, accountID, campaignID string) (*models.ClickStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_type, COUNT(*), SUM(is_suspicious), SUM(is_blocked)
		FROM clicks
		WHERE (? = '' OR user_id = ?) AND (? = '' OR campaign_id = ?)
		GROUP BY device_type
	`, accountID, accountID, campaignID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query click stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &models.ClickStats{Devices: make(map[string]int)}
	for rows.Next() {
		var device string
		var total, suspicious, blocked int
		if err := rows.Scan(&device, &total, &suspicious, &blocked); err != nil {
			return nil, fmt.Errorf("failed to scan click stats: %w", err)
		}
		stats.Devices[device] = total
		stats.Total += total
		stats.Suspicious += suspicious
		stats.Blocked += blocked
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	finishStats(stats)
	return stats, nil
}

// SaveVisit 访客画像整体以 JSON 存储，评分单独成列便于查询
func (s *MySQLStore) SaveVisit(ctx context.Context, visit models.VisitorEvent) error {
	payload, err := json.Marshal(visit)
	if err != nil {
		return fmt.Errorf("failed to marshal visit: %w", err)
	}
	score := 0.0
	if visit.Result != nil {
		score = visit.Result.RiskScore
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO visits (id, user_id, ip_address, risk_score, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, visit.ID, visit.AccountID, visit.IPAddress, score, visit.CreatedAt, payload)
	if err != nil {
		s.log.Errorf("保存访客失败: ip=%s, error=%v", visit.IPAddress, err)
		return err
	}
	return nil
}

func (s *MySQLStore) RecentVisits(ctx context.Context, accountID string, since time.Time, limit int) ([]models.VisitorEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM visits
		WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?
	`, accountID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent visits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.VisitorEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		var v models.VisitorEvent
		if err := json.Unmarshal(payload, &v); err != nil {
			s.log.Warnf("访客记录解析失败，跳过: %v", err)
			continue
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *MySQLStore) SaveAlertEvent(ctx context.Context, ip, accountID string, pools []string, reason string, at time.Time) error {
	poolsJSON, err := json.Marshal(pools)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_events (ip_address, user_id, pool_codes, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ip, accountID, poolsJSON, reason, at)
	if err != nil {
		s.log.Errorf("保存告警事件失败: %v", err)
		return err
	}

	affected, _ := result.RowsAffected()
	s.log.Debugf("成功保存告警事件，影响行数: %d", affected)
	return nil
}

// RecentAlerts 每个 IP 最近一次告警时间，用于重启后恢复冷却状态
func (s *MySQLStore) RecentAlerts(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip_address, MAX(created_at)
		FROM alert_events
		WHERE created_at > ?
		GROUP BY ip_address
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]time.Time)
	for rows.Next() {
		var ip string
		var at time.Time
		if err := rows.Scan(&ip, &at); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out[ip] = at
	}
	return out, rows.Err()
}
