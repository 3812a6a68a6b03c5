package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go-poolguard/pkg/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	blockedKey       = "poolguard:blocked:%s"
	blockedPoolsKey  = "poolguard:blocked:%s:pools"
	poolExpiryKey    = "poolguard:pool:%s:expiry"
	poolBlockedAtKey = "poolguard:pool:%s:blocked_at"
	globalKey        = "poolguard:global"

	poolFieldPrefix   = "pool:"
	poolAtFieldPrefix = "pool_at:"
)

var errNotExpired = errors.New("block not expired")

// RedisBlocklist 基于 Redis 的封禁名单，多实例部署时共享
// 每个 IP 一个 hash，另有每池按过期时间排序的 zset 用于批量查询
type RedisBlocklist struct {
	client *redis.Client
	log    *zap.SugaredLogger
}

func NewRedisBlocklist(client *redis.Client, log *zap.SugaredLogger) *RedisBlocklist {
	return &RedisBlocklist{client: client, log: log}
}

func (r *RedisBlocklist) GetBlockedIP(ctx context.Context, ip string) (*models.BlockedIP, error) {
	fields, err := r.client.HGetAll(ctx, fmt.Sprintf(blockedKey, ip)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get blocked ip: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseBlockedHash(ip, fields), nil
}

func parseBlockedHash(ip string, fields map[string]string) *models.BlockedIP {
	b := &models.BlockedIP{
		IPAddress:     ip,
		PoolExpiry:    make(map[string]time.Time),
		PoolBlockedAt: make(map[string]time.Time),
		Global:        fields["is_global"] == "1",
		Reason:        fields["reason"],
		BlockedBy:     fields["blocked_by"],
	}
	b.DetectionCount, _ = strconv.Atoi(fields["detection_count"])
	if ts, err := strconv.ParseInt(fields["blocked_at"], 10, 64); err == nil {
		b.BlockedAt = time.Unix(ts, 0).UTC()
	}
	for field, value := range fields {
		ts, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(field, poolFieldPrefix):
			code := strings.TrimPrefix(field, poolFieldPrefix)
			b.PoolCodes = append(b.PoolCodes, code)
			b.PoolExpiry[code] = time.Unix(ts, 0).UTC()
		case strings.HasPrefix(field, poolAtFieldPrefix):
			b.PoolBlockedAt[strings.TrimPrefix(field, poolAtFieldPrefix)] = time.Unix(ts, 0).UTC()
		}
	}
	sort.Strings(b.PoolCodes)
	b.ExpiresAt = b.LatestPoolExpiry()
	return b
}

// BlockForPool MULTI/EXEC 内完成：SADD 判断是否首次进入此池，HINCRBY 递增计数
// 记录级过期时间不单独存储，读取时取各池最大值
func (r *RedisBlocklist) BlockForPool(ctx context.Context, u models.BlockedIPUpsert) (bool, error) {
	key := fmt.Sprintf(blockedKey, u.IPAddress)
	exp := u.ExpiresAt().Unix()

	pipe := r.client.TxPipeline()
	added := pipe.SAdd(ctx, fmt.Sprintf(blockedPoolsKey, u.IPAddress), u.PoolCode)
	pipe.HIncrBy(ctx, key, "detection_count", 1)
	pipe.HSetNX(ctx, key, "reason", u.Reason)
	pipe.HSetNX(ctx, key, "blocked_by", u.BlockedBy)
	pipe.HSetNX(ctx, key, "blocked_at", u.Now.Unix())
	pipe.HSet(ctx, key, poolFieldPrefix+u.PoolCode, exp)
	pipe.HSetNX(ctx, key, poolAtFieldPrefix+u.PoolCode, u.Now.Unix())
	pipe.ZAdd(ctx, fmt.Sprintf(poolExpiryKey, u.PoolCode), &redis.Z{Score: float64(exp), Member: u.IPAddress})
	pipe.ZAddNX(ctx, fmt.Sprintf(poolBlockedAtKey, u.PoolCode), &redis.Z{Score: float64(u.Now.Unix()), Member: u.IPAddress})

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to block ip for pool: %w", err)
	}
	return added.Val() == 1, nil
}

func (r *RedisBlocklist) BlockGlobally(ctx context.Context, ip, reason, blockedBy string, now time.Time) error {
	key := fmt.Sprintf(blockedKey, ip)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, "is_global", 1, "reason", reason)
	pipe.HSetNX(ctx, key, "blocked_by", blockedBy)
	pipe.HSetNX(ctx, key, "blocked_at", now.Unix())
	pipe.SAdd(ctx, globalKey, ip)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to block ip globally: %w", err)
	}
	return nil
}

// RemoveExpired WATCH 该 IP 的 hash，期间被重新封禁则放弃删除
// 所有池都过期才删除整条记录
func (r *RedisBlocklist) RemoveExpired(ctx context.Context, ip string, now time.Time) (bool, error) {
	key := fmt.Sprintf(blockedKey, ip)
	poolsKey := fmt.Sprintf(blockedPoolsKey, ip)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return errNotExpired
		}
		b := parseBlockedHash(ip, fields)
		if !b.Expired(now) {
			return errNotExpired
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, poolsKey)
			for _, code := range b.PoolCodes {
				pipe.ZRem(ctx, fmt.Sprintf(poolExpiryKey, code), ip)
				pipe.ZRem(ctx, fmt.Sprintf(poolBlockedAtKey, code), ip)
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		r.log.Debugf("清理过期封禁: ip=%s", ip)
		return true, nil
	case errors.Is(err, errNotExpired), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("failed to remove expired block: %w", err)
	}
}

func (r *RedisBlocklist) GlobalIPs(ctx context.Context) ([]string, error) {
	ips, err := r.client.SMembers(ctx, globalKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list global ips: %w", err)
	}
	sort.Strings(ips)
	return ips, nil
}

// PoolIPs 取各池中过期时间晚于 now 的成员
func (r *RedisBlocklist) PoolIPs(ctx context.Context, poolCodes []string, now time.Time) ([]string, error) {
	seen := make(map[string]struct{})
	var ips []string
	for _, code := range poolCodes {
		members, err := r.client.ZRangeByScore(ctx, fmt.Sprintf(poolExpiryKey, code), &redis.ZRangeBy{
			Min: "(" + strconv.FormatInt(now.Unix(), 10),
			Max: "+inf",
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list pool %s ips: %w", code, err)
		}
		for _, ip := range members {
			if _, ok := seen[ip]; ok {
				continue
			}
			seen[ip] = struct{}{}
			ips = append(ips, ip)
		}
	}
	sort.Strings(ips)
	return ips, nil
}

func (r *RedisBlocklist) CountPoolBlocksSince(ctx context.Context, poolCode string, since time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, fmt.Sprintf(poolBlockedAtKey, poolCode),
		strconv.FormatInt(since.Unix(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count pool blocks: %w", err)
	}
	return int(n), nil
}

// SplitStore 封禁名单走 Redis，其余数据仍在关系型存储
type SplitStore struct {
	Store
	blocklist BlocklistStore
}

func NewSplitStore(base Store, blocklist BlocklistStore) *SplitStore {
	return &SplitStore{Store: base, blocklist: blocklist}
}

func (s *SplitStore) GetBlockedIP(ctx context.Context, ip string) (*models.BlockedIP, error) {
	return s.blocklist.GetBlockedIP(ctx, ip)
}

func (s *SplitStore) BlockForPool(ctx context.Context, u models.BlockedIPUpsert) (bool, error) {
	return s.blocklist.BlockForPool(ctx, u)
}

func (s *SplitStore) BlockGlobally(ctx context.Context, ip, reason, blockedBy string, now time.Time) error {
	return s.blocklist.BlockGlobally(ctx, ip, reason, blockedBy, now)
}

func (s *SplitStore) RemoveExpired(ctx context.Context, ip string, now time.Time) (bool, error) {
	return s.blocklist.RemoveExpired(ctx, ip, now)
}

func (s *SplitStore) GlobalIPs(ctx context.Context) ([]string, error) {
	return s.blocklist.GlobalIPs(ctx)
}

func (s *SplitStore) PoolIPs(ctx context.Context, poolCodes []string, now time.Time) ([]string, error) {
	return s.blocklist.PoolIPs(ctx, poolCodes, now)
}

func (s *SplitStore) CountPoolBlocksSince(ctx context.Context, poolCode string, since time.Time) (int, error) {
	return s.blocklist.CountPoolBlocksSince(ctx, poolCode, since)
}
