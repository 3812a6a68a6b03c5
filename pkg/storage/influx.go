package storage

import (
	"context"

	"go-poolguard/pkg/config"
	"go-poolguard/pkg/models"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// PointWriter api.WriteAPIBlocking 的子集
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// ScoreRecorder 把每次评分写入 InfluxDB，供看板查看趋势
type ScoreRecorder struct {
	writer PointWriter
	client influxdb2.Client
	log    *zap.SugaredLogger
}

func NewScoreRecorder(writer PointWriter, log *zap.SugaredLogger) *ScoreRecorder {
	return &ScoreRecorder{writer: writer, log: log}
}

// NewInfluxRecorder 按配置创建 InfluxDB 客户端，未配置 URL 时返回 nil
func NewInfluxRecorder(cfg *config.Config, log *zap.SugaredLogger) *ScoreRecorder {
	if cfg.InfluxDB.URL == "" {
		return nil
	}
	client := influxdb2.NewClient(cfg.InfluxDB.URL, cfg.InfluxDB.Token)
	return &ScoreRecorder{
		writer: client.WriteAPIBlocking(cfg.InfluxDB.Org, cfg.InfluxDB.Bucket),
		client: client,
		log:    log,
	}
}

// RecordVisit 保存访客评分
func (r *ScoreRecorder) RecordVisit(ctx context.Context, visit models.VisitorEvent, result models.ScoreResult) error {
	fields := map[string]interface{}{
		"risk_score":   result.RiskScore,
		"should_block": result.ShouldBlock,
		"factor_count": len(result.RiskFactors),
	}
	for category, sub := range result.Subscores {
		fields["subscore_"+string(category)] = sub
	}

	p := influxdb2.NewPoint(
		"visit_score",
		map[string]string{
			"account_id": visit.AccountID,
			"risk_level": string(result.RiskLevel),
			"country":    visit.Country,
		},
		fields,
		visit.CreatedAt,
	)

	if err := r.writer.WritePoint(ctx, p); err != nil {
		r.log.Errorf("保存访客评分失败: %v", err)
		return err
	}
	return nil
}

// RecordClick 保存点击评分
func (r *ScoreRecorder) RecordClick(ctx context.Context, click models.ClickEvent) error {
	p := influxdb2.NewPoint(
		"click_score",
		map[string]string{
			"account_id":  click.AccountID,
			"campaign_id": click.CampaignID,
		},
		map[string]interface{}{
			"fraud_score": click.FraudScore,
			"suspicious":  click.Suspicious,
			"blocked":     click.Blocked,
		},
		click.Timestamp,
	)

	if err := r.writer.WritePoint(ctx, p); err != nil {
		r.log.Errorf("保存点击评分失败: %v", err)
		return err
	}
	return nil
}

func (r *ScoreRecorder) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
