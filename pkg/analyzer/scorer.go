package analyzer

import (
	"math"
	"time"

	"go-poolguard/pkg/config"
	"go-poolguard/pkg/models"
)

// Thresholds 风险等级分界
type Thresholds struct {
	Medium   float64
	High     float64
	Critical float64
}

// Locale 本地城市与期望的时区/语言，用于指纹一致性检查
type Locale struct {
	Cities         []string
	Timezones      []string
	LanguagePrefix string
}

// ScorerOptions 风险评分器参数
type ScorerOptions struct {
	Weights    map[models.RiskCategory]float64
	Thresholds Thresholds
	Locale     Locale
	// 为空时使用内置机房网段
	HostingPrefixes *PrefixList
	Clock           func() time.Time
}

// DefaultScorerOptions 默认权重 IP .25 / 设备 .15 / 行为 .30 / 指纹 .15 / 模式 .15
func DefaultScorerOptions() ScorerOptions {
	return OptionsFromConfig(config.Default().Scoring)
}

func OptionsFromConfig(cfg config.ScoringConfig) ScorerOptions {
	return ScorerOptions{
		Weights: map[models.RiskCategory]float64{
			models.CategoryIP:          cfg.Weights.IP,
			models.CategoryDevice:      cfg.Weights.Device,
			models.CategoryBehavior:    cfg.Weights.Behavior,
			models.CategoryFingerprint: cfg.Weights.Fingerprint,
			models.CategoryPattern:     cfg.Weights.Pattern,
		},
		Thresholds: Thresholds{
			Medium:   cfg.MediumThreshold,
			High:     cfg.HighThreshold,
			Critical: cfg.CriticalThreshold,
		},
		Locale: Locale{
			Cities:         cfg.Locale.Cities,
			Timezones:      cfg.Locale.Timezones,
			LanguagePrefix: cfg.Locale.LanguagePrefix,
		},
	}
}

// history 评分时的只读历史快照
type history struct {
	ref    time.Time
	visits []models.VisitorEvent
}

func (h history) within(d time.Duration) []models.VisitorEvent {
	cutoff := h.ref.Add(-d)
	out := make([]models.VisitorEvent, 0, len(h.visits))
	for _, v := range h.visits {
		if !v.CreatedAt.IsZero() && v.CreatedAt.After(cutoff) {
			out = append(out, v)
		}
	}
	return out
}

// categoryAnalyzer 单个类别的分析函数，无副作用
type categoryAnalyzer struct {
	category models.RiskCategory
	run      func(s *RiskScorer, ev *models.VisitorEvent, h history) (float64, []models.RiskFactor)
}

// RiskScorer 多类别加权风险评分器
// Score 是输入的纯函数，不持有可变状态
type RiskScorer struct {
	weights    map[models.RiskCategory]float64
	thresholds Thresholds
	locale     Locale
	hosting    *PrefixList
	clock      func() time.Time
	analyzers  []categoryAnalyzer
}

func NewRiskScorer(opts ScorerOptions) *RiskScorer {
	if opts.HostingPrefixes == nil {
		opts.HostingPrefixes = NewPrefixList(hostingPrefixes, nil)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &RiskScorer{
		weights:    opts.Weights,
		thresholds: opts.Thresholds,
		locale:     opts.Locale,
		hosting:    opts.HostingPrefixes,
		clock:      opts.Clock,
		analyzers: []categoryAnalyzer{
			{models.CategoryIP, (*RiskScorer).analyzeIP},
			{models.CategoryDevice, (*RiskScorer).analyzeDevice},
			{models.CategoryBehavior, (*RiskScorer).analyzeBehavior},
			{models.CategoryFingerprint, (*RiskScorer).analyzeFingerprint},
			{models.CategoryPattern, (*RiskScorer).analyzePattern},
		},
	}
}

// BlacklistResult 已在封禁名单中的 IP 直接给满分
func BlacklistResult() models.ScoreResult {
	return models.ScoreResult{
		RiskScore:   100,
		RiskLevel:   models.RiskCritical,
		ShouldBlock: true,
		RiskFactors: []models.RiskFactor{{
			Category:    models.CategoryBlacklist,
			Description: "IP previously blocked",
			Score:       100,
			Severity:    models.SeverityCritical,
		}},
	}
}

// Score 计算 0-100 风险分、风险等级与是否封禁
// recent 为调用时刻的历史快照（新到旧），globalBlocked/poolBlocked 为封禁名单快照
func (s *RiskScorer) Score(ev models.VisitorEvent, recent []models.VisitorEvent, globalBlocked, poolBlocked []string) models.ScoreResult {
	if containsIP(globalBlocked, ev.IPAddress) || containsIP(poolBlocked, ev.IPAddress) {
		return BlacklistResult()
	}

	ref := ev.CreatedAt
	if ref.IsZero() {
		ref = s.clock()
	}
	h := history{ref: ref, visits: recent}

	factors := make([]models.RiskFactor, 0)
	subscores := make(map[models.RiskCategory]float64, len(s.analyzers))
	for _, a := range s.analyzers {
		score, fs := a.run(s, &ev, h)
		subscores[a.category] = capScore(score)
		factors = append(factors, fs...)
	}

	total := s.weightedTotal(subscores)
	result := models.ScoreResult{
		RiskFactors: factors,
		Subscores:   subscores,
	}
	result.RiskLevel = s.LevelFor(total)
	result.ShouldBlock = result.RiskLevel == models.RiskHigh || result.RiskLevel == models.RiskCritical

	// critical 因子强制封禁，分数至少为 critical 阈值
	if result.HasCritical() {
		result.ShouldBlock = true
		if total < s.thresholds.Critical {
			total = s.thresholds.Critical
		}
		result.RiskLevel = s.LevelFor(total)
	}
	result.RiskScore = math.Round(total*100) / 100
	return result
}

func (s *RiskScorer) weightedTotal(subscores map[models.RiskCategory]float64) float64 {
	total := 0.0
	for category, score := range subscores {
		total += s.weights[category] * capScore(score)
	}
	return capScore(total)
}

// LevelFor 分数到风险等级的阶梯函数
func (s *RiskScorer) LevelFor(score float64) models.RiskLevel {
	switch {
	case score >= s.thresholds.Critical:
		return models.RiskCritical
	case score >= s.thresholds.High:
		return models.RiskHigh
	case score >= s.thresholds.Medium:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func capScore(score float64) float64 {
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

func containsIP(list []string, ip string) bool {
	if ip == "" {
		return false
	}
	for _, blocked := range list {
		if blocked == ip {
			return true
		}
	}
	return false
}

func factor(category models.RiskCategory, description string, score float64, severity models.Severity, details string) models.RiskFactor {
	return models.RiskFactor{
		Category:    category,
		Description: description,
		Score:       score,
		Severity:    severity,
		Details:     details,
	}
}
