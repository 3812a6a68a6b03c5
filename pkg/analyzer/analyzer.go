package analyzer

import (
	"fmt"
	"strings"
	"time"

	"go-poolguard/pkg/config"
	"go-poolguard/pkg/models"
)

const (
	clickVelocityWindow = time.Minute
	clickFanOutWindow   = time.Hour

	maxCampaignsPerIP = 3
	maxAccountsPerIP  = 2
)

// ClickVerdict 点击快速通道的结论
type ClickVerdict struct {
	Suspicious bool
	Score      int
	Reasons    []string
	// 已封禁且未过期，直接判定
	AlreadyBlocked bool
	// 命中封禁记录但已过期，调用方可以物理删除
	ExpiredBlock bool
}

// ClickAnalyzerOptions 点击分析参数
type ClickAnalyzerOptions struct {
	DefaultClickThreshold int
	SuspiciousThreshold   int
	DomesticCountry       string
	Clock                 func() time.Time
}

func ClickOptionsFromConfig(cfg config.ProtectionConfig) ClickAnalyzerOptions {
	return ClickAnalyzerOptions{
		DefaultClickThreshold: cfg.DefaultClickThreshold,
		SuspiciousThreshold:   cfg.SuspiciousThreshold,
		DomesticCountry:       cfg.DomesticCountry,
	}
}

// ClickAnalyzer 付费点击追踪的轻量评分，逐项累加不加权
type ClickAnalyzer struct {
	opts ClickAnalyzerOptions
}

func NewClickAnalyzer(opts ClickAnalyzerOptions) *ClickAnalyzer {
	if opts.DefaultClickThreshold <= 0 {
		opts.DefaultClickThreshold = 5
	}
	if opts.SuspiciousThreshold <= 0 {
		opts.SuspiciousThreshold = 70
	}
	if opts.DomesticCountry == "" {
		opts.DomesticCountry = "TR"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &ClickAnalyzer{opts: opts}
}

// AnalyzeClick 分析单次点击
// block 为该 IP 的封禁记录（可为 nil），history 为该 IP 最近一小时的点击，
// settings 为点击所属账户的池成员设置（可为 nil，使用默认阈值）
func (a *ClickAnalyzer) AnalyzeClick(click models.ClickEvent, block *models.BlockedIP, history []models.ClickEvent, settings *models.PoolMembership) ClickVerdict {
	now := click.Timestamp
	if now.IsZero() {
		now = a.opts.Clock()
	}

	var verdict ClickVerdict
	if block != nil {
		if block.Expired(now) {
			verdict.ExpiredBlock = true
		} else {
			return ClickVerdict{
				Suspicious:     true,
				Score:          100,
				Reasons:        []string{"IP already blocked"},
				AlreadyBlocked: true,
			}
		}
	}

	score := 0
	var reasons []string

	if pattern := firstContained(strings.ToLower(click.UserAgent), clickBotPatterns); pattern != "" {
		score += 40
		reasons = append(reasons, "Bot user agent detected")
	}

	threshold := a.opts.DefaultClickThreshold
	if settings != nil && settings.ClickThreshold > 0 {
		threshold = settings.ClickThreshold
	}
	recent := 0
	campaigns := make(map[string]struct{})
	accounts := make(map[string]struct{})
	for _, c := range history {
		if c.IPAddress != click.IPAddress || c.Timestamp.After(now) {
			continue
		}
		age := now.Sub(c.Timestamp)
		if age <= clickVelocityWindow {
			recent++
		}
		if age <= clickFanOutWindow {
			if c.AccountID == click.AccountID && c.CampaignID != "" {
				campaigns[c.CampaignID] = struct{}{}
			}
			if c.AccountID != "" {
				accounts[c.AccountID] = struct{}{}
			}
		}
	}
	if recent >= threshold {
		score += 30
		reasons = append(reasons, fmt.Sprintf("Threshold exceeded: %d clicks (limit: %d)", recent, threshold))
	}
	if len(campaigns) > maxCampaignsPerIP {
		score += 25
		reasons = append(reasons, fmt.Sprintf("Multiple campaigns targeted: %d", len(campaigns)))
	}
	if len(accounts) > maxAccountsPerIP {
		score += 30
		reasons = append(reasons, fmt.Sprintf("Multiple accounts targeted: %d", len(accounts)))
	}

	if click.Referrer == "" || strings.EqualFold(click.Referrer, "direct") {
		score += 5
		reasons = append(reasons, "No referrer or direct traffic")
	}

	// 未上报国家按本地流量处理
	if click.Country != "" && !strings.EqualFold(click.Country, a.opts.DomesticCountry) {
		score += 20
		reasons = append(reasons, "Non-domestic traffic: "+click.Country)
	}

	if score > 100 {
		score = 100
	}
	verdict.Score = score
	verdict.Reasons = reasons
	verdict.Suspicious = score >= a.opts.SuspiciousThreshold
	return verdict
}
