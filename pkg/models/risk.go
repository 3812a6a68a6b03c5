package models

// RiskCategory 风险因子类别
type RiskCategory string

const (
	CategoryIP          RiskCategory = "ip"
	CategoryDevice      RiskCategory = "device"
	CategoryBehavior    RiskCategory = "behavior"
	CategoryFingerprint RiskCategory = "fingerprint"
	CategoryPattern     RiskCategory = "pattern"
	CategoryBlacklist   RiskCategory = "blacklist"
)

// Severity 风险因子严重程度
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFactor 单个可解释的风险贡献，生成后不再修改
type RiskFactor struct {
	Category    RiskCategory `json:"category"`
	Description string       `json:"factor"`
	Score       float64      `json:"score"`
	Severity    Severity     `json:"severity"`
	Details     string       `json:"details,omitempty"`
}

// ScoreResult 评分结果
type ScoreResult struct {
	RiskScore   float64                  `json:"riskScore"`
	RiskLevel   RiskLevel                `json:"riskLevel"`
	ShouldBlock bool                     `json:"shouldBlock"`
	RiskFactors []RiskFactor             `json:"riskFactors"`
	Subscores   map[RiskCategory]float64 `json:"subscores,omitempty"`
}

// HasCritical 是否包含 critical 级别的因子
func (r ScoreResult) HasCritical() bool {
	for _, f := range r.RiskFactors {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
