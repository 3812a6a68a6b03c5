package models

import (
	"time"
)

// VisitorEvent 访客事件（追踪脚本上报的完整访客画像）
// 可选的数值字段使用指针：nil 表示未上报，与显式的 0 含义不同
type VisitorEvent struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`

	IPAddress string `json:"ip_address"`
	IPType    string `json:"ip_type,omitempty"`
	ISP       string `json:"isp,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Country   string   `json:"country,omitempty"`
	City      string   `json:"city,omitempty"`
	District  string   `json:"district,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	DeviceType   string `json:"device_type,omitempty"`
	DeviceBrand  string `json:"device_brand,omitempty"`
	DeviceModel  string `json:"device_model,omitempty"`
	OS           string `json:"os,omitempty"`
	Browser      string `json:"browser,omitempty"`
	ScreenWidth  *int   `json:"screen_width,omitempty"`
	ScreenHeight *int   `json:"screen_height,omitempty"`

	TimeOnPage     *float64 `json:"time_on_page,omitempty"`
	ScrollDepth    *float64 `json:"scroll_depth,omitempty"`
	ClickCount     *int     `json:"click_count,omitempty"`
	MouseMovements *int     `json:"mouse_movements,omitempty"`

	CanvasFingerprint string `json:"canvas_fingerprint,omitempty"`
	WebGLFingerprint  string `json:"webgl_fingerprint,omitempty"`

	Timezone string `json:"timezone,omitempty"`
	Language string `json:"language,omitempty"`

	Referrer string `json:"referer,omitempty"`
	ClickID  string `json:"gclid,omitempty"`

	// 评分结果，持久化时填充
	Result *ScoreResult `json:"result,omitempty"`
}

// DeviceProfile 设备画像键（类型-品牌-系统）
func (v VisitorEvent) DeviceProfile() string {
	return v.DeviceType + "-" + v.DeviceBrand + "-" + v.OS
}

// ClickEvent 广告点击事件
type ClickEvent struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	AccountID  string    `json:"user_id"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Referrer   string    `json:"referer,omitempty"`
	DeviceType string    `json:"device_type,omitempty"`
	City       string    `json:"location_city,omitempty"`
	Country    string    `json:"location_country,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	Suspicious bool     `json:"is_suspicious"`
	Blocked    bool     `json:"is_blocked"`
	FraudScore int      `json:"fraud_score"`
	Reasons    []string `json:"fraud_reasons,omitempty"`
}

// Pool 防护池：同地区同行业的账户共享 IP 封禁
type Pool struct {
	Code            string    `json:"pool_code"`
	RegionCode      string    `json:"city_plate_code"`
	SectorCode      string    `json:"sector_code"`
	SectorName      string    `json:"sector_name,omitempty"`
	MemberCount     int       `json:"member_count"`
	TotalBlockedIPs int       `json:"total_blocked_ips"`
	CreatedAt       time.Time `json:"created_at"`
}

// PoolMembership 池成员关系及成员自己的防护设置
type PoolMembership struct {
	PoolCode          string    `json:"pool_code"`
	AccountID         string    `json:"user_id"`
	ClickThreshold    int       `json:"click_threshold"`
	BlockDurationDays int       `json:"block_duration_days"`
	Active            bool      `json:"is_active"`
	JoinedAt          time.Time `json:"joined_at"`
}

// BlockedIP 被封禁 IP 记录
type BlockedIP struct {
	IPAddress string   `json:"ip_address"`
	PoolCodes []string `json:"pool_codes"`
	// 每个池独立的过期时间与首次进入该池的时间
	PoolExpiry    map[string]time.Time `json:"pool_expiry,omitempty"`
	PoolBlockedAt map[string]time.Time `json:"pool_blocked_at,omitempty"`
	Global        bool                 `json:"is_global"`
	// ExpiresAt 取各池过期时间的最大值
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	DetectionCount int        `json:"detection_count"`
	Reason         string     `json:"reason"`
	BlockedBy      string     `json:"blocked_by_user_id"`
	BlockedAt      time.Time  `json:"blocked_at"`
}

// Expired 记录级过期判断：全局封禁永不过期，否则所有池都过期才算过期
func (b *BlockedIP) Expired(now time.Time) bool {
	if b == nil || b.Global {
		return false
	}
	if len(b.PoolExpiry) > 0 {
		for _, exp := range b.PoolExpiry {
			if now.Before(exp) {
				return false
			}
		}
		return true
	}
	if b.ExpiresAt == nil {
		return false
	}
	return !now.Before(*b.ExpiresAt)
}

// LatestPoolExpiry 各池过期时间中最晚的一个
func (b *BlockedIP) LatestPoolExpiry() *time.Time {
	var latest *time.Time
	for _, exp := range b.PoolExpiry {
		if latest == nil || exp.After(*latest) {
			e := exp
			latest = &e
		}
	}
	return latest
}

// ActiveInPool 判断 IP 在某个池中是否仍处于封禁状态
func (b *BlockedIP) ActiveInPool(poolCode string, now time.Time) bool {
	if b == nil {
		return false
	}
	found := false
	for _, code := range b.PoolCodes {
		if code == poolCode {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if exp, ok := b.PoolExpiry[poolCode]; ok {
		return now.Before(exp)
	}
	return !b.Expired(now)
}

// BlockedIPUpsert 单池封禁写入参数
type BlockedIPUpsert struct {
	IPAddress    string
	PoolCode     string
	Reason       string
	BlockedBy    string
	DurationDays int
	Now          time.Time
}

// ExpiresAt 本次写入的过期时间
func (u BlockedIPUpsert) ExpiresAt() time.Time {
	return u.Now.Add(time.Duration(u.DurationDays) * 24 * time.Hour)
}

// CounterDelta 活动计数器增量
type CounterDelta struct {
	Total      int `json:"total"`
	Suspicious int `json:"suspicious"`
	Blocked    int `json:"blocked"`
}

// CampaignCounters 活动累计计数
type CampaignCounters struct {
	CampaignID string `json:"campaign_id"`
	Total      int    `json:"total_clicks"`
	Suspicious int    `json:"suspicious_clicks_count"`
	Blocked    int    `json:"blocked_clicks_count"`
}

// ClickStats 点击统计
type ClickStats struct {
	Total           int            `json:"total_clicks"`
	Suspicious      int            `json:"suspicious_clicks"`
	Blocked         int            `json:"blocked_clicks"`
	Clean           int            `json:"clean_clicks"`
	FraudPercentage float64        `json:"fraud_percentage"`
	Devices         map[string]int `json:"devices"`
}

// PoolStats 池统计
type PoolStats struct {
	PoolCode        string `json:"pool_code"`
	SectorName      string `json:"sector_name,omitempty"`
	MemberCount     int    `json:"member_count"`
	TotalBlockedIPs int    `json:"total_blocked_ips"`
	RecentThreats   int    `json:"recent_threats"`
}

// ProcessStatus 点击处理结论
type ProcessStatus string

const (
	StatusClean      ProcessStatus = "clean"
	StatusSuspicious ProcessStatus = "suspicious"
	StatusBlocked    ProcessStatus = "blocked"
)

// ProcessResult 协调器对单次点击的处理结果
type ProcessResult struct {
	Status     ProcessStatus `json:"status"`
	Suspicious bool          `json:"is_suspicious"`
	Blocked    bool          `json:"is_blocked"`
	FraudScore int           `json:"fraud_score"`
	Reasons    []string      `json:"fraud_reasons,omitempty"`
	// 触发集体防护的池数量
	PropagatedPools int `json:"propagated_pools,omitempty"`
}
