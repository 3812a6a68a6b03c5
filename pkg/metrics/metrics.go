package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 服务指标，注册到调用方提供的 Registerer
type Metrics struct {
	ClicksProcessed  *prometheus.CounterVec
	VisitsProcessed  prometheus.Counter
	RiskScore        prometheus.Histogram
	ClickFraudScore  prometheus.Histogram
	IPsBlocked       prometheus.Counter
	PropagationFails prometheus.Counter
	AlertsTriggered  prometheus.Counter
	ExpiredRemoved   prometheus.Counter
	StageDuration    *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClicksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poolguard_clicks_processed_total",
			Help: "已处理的点击总数（按结论）",
		}, []string{"status"}),

		VisitsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "poolguard_visits_processed_total",
			Help: "已评分的访客总数",
		}),

		RiskScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "poolguard_risk_scores",
			Help:    "访客风险分数分布",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),

		ClickFraudScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "poolguard_click_fraud_scores",
			Help:    "点击作弊分数分布",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),

		IPsBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "poolguard_pool_blocks_total",
			Help: "写入池封禁的次数",
		}),

		PropagationFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "poolguard_propagation_failures_total",
			Help: "集体防护中写入失败的池数",
		}),

		AlertsTriggered: factory.NewCounter(prometheus.CounterOpts{
			Name: "poolguard_alerts_triggered_total",
			Help: "触发的告警总数",
		}),

		ExpiredRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "poolguard_expired_blocks_removed_total",
			Help: "惰性清理的过期封禁数",
		}),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poolguard_stage_seconds",
				Help:    "处理阶段耗时",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
			},
			[]string{"stage"},
		),
	}
}

// NewNop 使用独立的 Registry，测试中可以重复创建
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
