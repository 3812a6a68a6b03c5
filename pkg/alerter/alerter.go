package alerter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go-poolguard/pkg/storage"

	"go.uber.org/zap"
)

// Alert 集体防护告警内容
type Alert struct {
	IPAddress  string    `json:"ip_address"`
	AccountID  string    `json:"user_id"`
	Pools      []string  `json:"pool_codes"`
	Reason     string    `json:"reason"`
	FraudScore int       `json:"fraud_score"`
	Timestamp  time.Time `json:"timestamp"`
}

// Options 告警参数
type Options struct {
	WebhookURL string
	Cooldown   time.Duration
	Client     *http.Client
	Clock      func() time.Time
}

// Alerter 告警处理器，同一 IP 在冷却期内只告警一次
type Alerter struct {
	store      storage.AlertStore
	webhookURL string
	client     *http.Client
	clock      func() time.Time
	log        *zap.SugaredLogger

	alertHistory   map[string]time.Time // IP -> 最后告警时间
	alertHistoryMu sync.Mutex
	cooldown       time.Duration
}

// NewAlerter 创建告警处理器，并从存储中恢复冷却期内的告警记录
func NewAlerter(ctx context.Context, store storage.AlertStore, opts Options, log *zap.SugaredLogger) *Alerter {
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Hour
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	a := &Alerter{
		store:        store,
		webhookURL:   opts.WebhookURL,
		client:       opts.Client,
		clock:        opts.Clock,
		log:          log,
		alertHistory: make(map[string]time.Time),
		cooldown:     opts.Cooldown,
	}

	if err := a.loadRecentAlerts(ctx); err != nil {
		log.Errorf("加载最近告警记录失败: %v", err)
	}
	return a
}

func (a *Alerter) loadRecentAlerts(ctx context.Context) error {
	recent, err := a.store.RecentAlerts(ctx, a.clock().Add(-a.cooldown))
	if err != nil {
		return err
	}

	a.alertHistoryMu.Lock()
	defer a.alertHistoryMu.Unlock()
	for ip, at := range recent {
		a.alertHistory[ip] = at
	}

	a.log.Infof("已加载 %d 条最近告警记录", len(recent))
	return nil
}

// Run 定时清理过期的告警历史，直到 ctx 结束
func (a *Alerter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := a.CleanupOldHistory()
			a.log.Debugf("已完成告警历史清理，当前记录数: %d", n)
		}
	}
}

// TriggerAlert 触发告警，返回是否实际发送（冷却期内返回 false）
// 发送前先占住冷却窗口，并发调用只有一个能通过；发送失败时归还
func (a *Alerter) TriggerAlert(ctx context.Context, alert Alert) (bool, error) {
	now := a.clock()

	prev, reserved := a.reserve(alert.IPAddress, now)
	if !reserved {
		a.log.Debugf("IP %s 在冷却期内，跳过告警", alert.IPAddress)
		return false, nil
	}

	if err := a.store.SaveAlertEvent(ctx, alert.IPAddress, alert.AccountID, alert.Pools, alert.Reason, now); err != nil {
		a.release(alert.IPAddress, now, prev)
		a.log.Errorf("保存告警记录失败: %v", err)
		return false, err
	}

	if a.webhookURL != "" {
		if alert.Timestamp.IsZero() {
			alert.Timestamp = now
		}
		if err := a.sendAlertNotification(ctx, alert); err != nil {
			a.release(alert.IPAddress, now, prev)
			a.log.Errorf("发送告警通知失败: %v", err)
			return false, err
		}
	}

	a.log.Infof("成功触发告警: ip=%s, pools=%v, 分数=%d", alert.IPAddress, alert.Pools, alert.FraudScore)
	return true, nil
}

// reserve 冷却期外时写入本次告警时间，返回原有记录
func (a *Alerter) reserve(ip string, now time.Time) (*time.Time, bool) {
	a.alertHistoryMu.Lock()
	defer a.alertHistoryMu.Unlock()

	lastAlertTime, exists := a.alertHistory[ip]
	if exists && now.Sub(lastAlertTime) < a.cooldown {
		return nil, false
	}
	a.alertHistory[ip] = now
	if !exists {
		return nil, true
	}
	return &lastAlertTime, true
}

// release 撤销 reserve 写入的记录（已被其他告警覆盖时不动）
func (a *Alerter) release(ip string, reservedAt time.Time, prev *time.Time) {
	a.alertHistoryMu.Lock()
	defer a.alertHistoryMu.Unlock()

	if at, ok := a.alertHistory[ip]; !ok || !at.Equal(reservedAt) {
		return
	}
	if prev == nil {
		delete(a.alertHistory, ip)
		return
	}
	a.alertHistory[ip] = *prev
}

func (a *Alerter) sendAlertNotification(ctx context.Context, alert Alert) error {
	jsonData, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// CleanupOldHistory 清理过期的告警历史，返回剩余记录数
func (a *Alerter) CleanupOldHistory() int {
	a.alertHistoryMu.Lock()
	defer a.alertHistoryMu.Unlock()

	now := a.clock()
	for ip, lastAlertTime := range a.alertHistory {
		if now.Sub(lastAlertTime) > a.cooldown {
			delete(a.alertHistory, ip)
		}
	}
	return len(a.alertHistory)
}
