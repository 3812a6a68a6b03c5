package protection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go-poolguard/pkg/alerter"
	"go-poolguard/pkg/analyzer"
	"go-poolguard/pkg/metrics"
	"go-poolguard/pkg/models"
	"go-poolguard/pkg/storage"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Enricher 补全事件的地理与网络信息
type Enricher interface {
	EnrichVisit(v *models.VisitorEvent)
	EnrichClick(c *models.ClickEvent)
}

// Recorder 评分时序记录
type Recorder interface {
	RecordVisit(ctx context.Context, visit models.VisitorEvent, result models.ScoreResult) error
	RecordClick(ctx context.Context, click models.ClickEvent) error
}

// AlertSender 集体防护告警
type AlertSender interface {
	TriggerAlert(ctx context.Context, alert alerter.Alert) (bool, error)
}

// Options 协调器参数
type Options struct {
	DefaultBlockDays    int
	SuspiciousThreshold int
	RecentWindow        time.Duration
	RecentLimit         int
	Clock               func() time.Time
	NewID               func() string
}

// Deps 协调器依赖，Enricher/Recorder/Alerter 可以为空
type Deps struct {
	Store         storage.Store
	ClickAnalyzer *analyzer.ClickAnalyzer
	Scorer        *analyzer.RiskScorer
	Enricher      Enricher
	Recorder      Recorder
	Alerter       AlertSender
	Metrics       *metrics.Metrics
	Log           *zap.SugaredLogger
}

// Coordinator 把评分结论落地为封禁状态，并向账户所在的全部池扩散
type Coordinator struct {
	store    storage.Store
	clicks   *analyzer.ClickAnalyzer
	scorer   *analyzer.RiskScorer
	enricher Enricher
	recorder Recorder
	alerts   AlertSender
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
	opts     Options
}

func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if opts.DefaultBlockDays <= 0 {
		opts.DefaultBlockDays = 7
	}
	if opts.SuspiciousThreshold <= 0 {
		opts.SuspiciousThreshold = 70
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = time.Hour
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 500
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	return &Coordinator{
		store:    deps.Store,
		clicks:   deps.ClickAnalyzer,
		scorer:   deps.Scorer,
		enricher: deps.Enricher,
		recorder: deps.Recorder,
		alerts:   deps.Alerter,
		metrics:  deps.Metrics,
		log:      deps.Log,
		opts:     opts,
	}
}

// blockedFor 全局封禁，或在账户任一池中仍未过期
func blockedFor(block *models.BlockedIP, memberships []models.PoolMembership, now time.Time) bool {
	if block == nil {
		return false
	}
	if block.Global {
		return true
	}
	for _, m := range memberships {
		if block.ActiveInPool(m.PoolCode, now) {
			return true
		}
	}
	return false
}

// IsBlockedForAccount IP 对该账户是否处于封禁状态
func (c *Coordinator) IsBlockedForAccount(ctx context.Context, ip, accountID string) (bool, error) {
	block, err := c.store.GetBlockedIP(ctx, ip)
	if err != nil {
		return false, err
	}
	if block == nil {
		return false, nil
	}
	if block.Global {
		return true, nil
	}
	memberships, err := c.store.Memberships(ctx, accountID)
	if err != nil {
		return false, err
	}
	return blockedFor(block, memberships, c.opts.Clock()), nil
}

// strictestSettings 账户在多个池中时取最小的点击阈值
func strictestSettings(memberships []models.PoolMembership) *models.PoolMembership {
	var best *models.PoolMembership
	for i := range memberships {
		if best == nil || memberships[i].ClickThreshold < best.ClickThreshold {
			best = &memberships[i]
		}
	}
	return best
}

// ProcessClick 点击快速通道：封禁检查 → 分析 → 落库与计数 → 必要时集体防护
func (c *Coordinator) ProcessClick(ctx context.Context, click models.ClickEvent, accountID string) (*models.ProcessResult, error) {
	start := time.Now()
	defer func() {
		c.metrics.StageDuration.WithLabelValues("process_click").Observe(time.Since(start).Seconds())
	}()

	if click.IPAddress == "" {
		return nil, fmt.Errorf("%w: click without ip address", models.ErrValidation)
	}
	if accountID == "" {
		accountID = click.AccountID
	}
	if accountID == "" {
		return nil, fmt.Errorf("%w: click without account", models.ErrValidation)
	}
	click.AccountID = accountID

	now := c.opts.Clock()
	if click.Timestamp.IsZero() {
		click.Timestamp = now
	}
	if click.ID == "" {
		click.ID = c.opts.NewID()
	}
	if c.enricher != nil {
		c.enricher.EnrichClick(&click)
	}

	memberships, err := c.store.Memberships(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	block, err := c.store.GetBlockedIP(ctx, click.IPAddress)
	if err != nil {
		return nil, fmt.Errorf("load block record: %w", err)
	}

	if blockedFor(block, memberships, now) {
		c.log.Infof("已封禁IP的点击: ip=%s, account=%s", click.IPAddress, accountID)
		c.metrics.ClicksProcessed.WithLabelValues(string(models.StatusBlocked)).Inc()
		return &models.ProcessResult{
			Status:     models.StatusBlocked,
			Suspicious: true,
			Blocked:    true,
			FraudScore: 100,
			Reasons:    []string{"IP already blocked by pool protection"},
		}, nil
	}

	history, err := c.store.RecentClicksByIP(ctx, click.IPAddress, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("load click history: %w", err)
	}

	verdict := c.clicks.AnalyzeClick(click, block, history, strictestSettings(memberships))
	if verdict.ExpiredBlock {
		c.removeExpired(ctx, click.IPAddress, now)
	}

	click.Suspicious = verdict.Suspicious
	click.Blocked = verdict.AlreadyBlocked
	click.FraudScore = verdict.Score
	click.Reasons = verdict.Reasons
	c.metrics.ClickFraudScore.Observe(float64(verdict.Score))

	// 各项副作用相互独立，单项失败只记录日志
	if err := c.store.SaveClick(ctx, click); err != nil {
		c.log.Errorf("保存点击失败: id=%s, error=%v", click.ID, err)
	}
	delta := models.CounterDelta{Total: 1}
	if click.Suspicious {
		delta.Suspicious = 1
	}
	if click.Blocked {
		delta.Blocked = 1
	}
	if click.CampaignID != "" {
		if err := c.store.IncrementCampaign(ctx, click.CampaignID, delta); err != nil {
			c.log.Errorf("更新活动计数失败: campaign=%s, error=%v", click.CampaignID, err)
		}
	}
	if c.recorder != nil {
		if err := c.recorder.RecordClick(ctx, click); err != nil {
			c.log.Warnf("写入点击时序失败: %v", err)
		}
	}

	result := &models.ProcessResult{
		Status:     models.StatusClean,
		Suspicious: click.Suspicious,
		Blocked:    click.Blocked,
		FraudScore: click.FraudScore,
		Reasons:    click.Reasons,
	}
	if click.Suspicious {
		result.Status = models.StatusSuspicious
	}
	if click.Blocked {
		result.Status = models.StatusBlocked
	}

	if verdict.Suspicious && verdict.Score >= c.opts.SuspiciousThreshold {
		result.PropagatedPools = c.propagate(ctx, click.IPAddress, accountID, memberships, fraudReason(verdict.Reasons), verdict.Score)
	}

	c.metrics.ClicksProcessed.WithLabelValues(string(result.Status)).Inc()
	c.log.Infof("点击处理完成: account=%s, ip=%s, status=%s, score=%d", accountID, click.IPAddress, result.Status, result.FraudScore)
	return result, nil
}

// ProcessVisit 完整访客画像走多类别评分，需要封禁时同样触发集体防护
func (c *Coordinator) ProcessVisit(ctx context.Context, visit models.VisitorEvent, accountID string) (*models.ScoreResult, error) {
	start := time.Now()
	defer func() {
		c.metrics.StageDuration.WithLabelValues("process_visit").Observe(time.Since(start).Seconds())
	}()

	if visit.IPAddress == "" {
		return nil, fmt.Errorf("%w: visit without ip address", models.ErrValidation)
	}
	if accountID == "" {
		accountID = visit.AccountID
	}
	if accountID == "" {
		return nil, fmt.Errorf("%w: visit without account", models.ErrValidation)
	}
	visit.AccountID = accountID

	now := c.opts.Clock()
	if visit.CreatedAt.IsZero() {
		visit.CreatedAt = now
	}
	if visit.ID == "" {
		visit.ID = c.opts.NewID()
	}
	if c.enricher != nil {
		c.enricher.EnrichVisit(&visit)
	}

	memberships, err := c.store.Memberships(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	block, err := c.store.GetBlockedIP(ctx, visit.IPAddress)
	if err != nil {
		return nil, fmt.Errorf("load block record: %w", err)
	}

	// 已封禁的 IP 不再评分，也不再触发集体防护
	var result models.ScoreResult
	alreadyBlocked := blockedFor(block, memberships, now)
	if alreadyBlocked {
		c.log.Infof("已封禁IP的访问: ip=%s, account=%s", visit.IPAddress, accountID)
		result = analyzer.BlacklistResult()
	} else {
		result, err = c.scoreVisit(ctx, visit, accountID, memberships, now)
		if err != nil {
			return nil, err
		}
	}
	c.metrics.VisitsProcessed.Inc()
	c.metrics.RiskScore.Observe(result.RiskScore)

	visit.Result = &result
	if err := c.store.SaveVisit(ctx, visit); err != nil {
		c.log.Errorf("保存访客失败: id=%s, error=%v", visit.ID, err)
	}
	if c.recorder != nil {
		if err := c.recorder.RecordVisit(ctx, visit, result); err != nil {
			c.log.Warnf("写入访客时序失败: %v", err)
		}
	}

	if result.ShouldBlock && !alreadyBlocked && !blacklistOnly(result) {
		descriptions := make([]string, 0, len(result.RiskFactors))
		for _, f := range result.RiskFactors {
			descriptions = append(descriptions, f.Description)
		}
		c.propagate(ctx, visit.IPAddress, accountID, memberships, fraudReason(descriptions), int(result.RiskScore))
	}

	c.log.Infof("访客评分完成: account=%s, ip=%s, score=%.2f, level=%s", accountID, visit.IPAddress, result.RiskScore, result.RiskLevel)
	return &result, nil
}

func (c *Coordinator) scoreVisit(ctx context.Context, visit models.VisitorEvent, accountID string, memberships []models.PoolMembership, now time.Time) (models.ScoreResult, error) {
	recent, err := c.store.RecentVisits(ctx, accountID, visit.CreatedAt.Add(-c.opts.RecentWindow), c.opts.RecentLimit)
	if err != nil {
		return models.ScoreResult{}, fmt.Errorf("load recent visits: %w", err)
	}
	global, err := c.store.GlobalIPs(ctx)
	if err != nil {
		return models.ScoreResult{}, fmt.Errorf("load global blocklist: %w", err)
	}
	codes := make([]string, 0, len(memberships))
	for _, m := range memberships {
		codes = append(codes, m.PoolCode)
	}
	poolBlocked, err := c.store.PoolIPs(ctx, codes, now)
	if err != nil {
		return models.ScoreResult{}, fmt.Errorf("load pool blocklist: %w", err)
	}
	return c.scorer.Score(visit, recent, global, poolBlocked), nil
}

// blacklistOnly 结果只来自封禁名单命中
func blacklistOnly(result models.ScoreResult) bool {
	if len(result.RiskFactors) == 0 {
		return false
	}
	for _, f := range result.RiskFactors {
		if f.Category != models.CategoryBlacklist {
			return false
		}
	}
	return true
}

// fraudReason 取前三条原因
func fraudReason(reasons []string) string {
	if len(reasons) > 3 {
		reasons = reasons[:3]
	}
	return "Fraud detected: " + strings.Join(reasons, ", ")
}

// BlockIPForPool 单池封禁写入；首次进入该池时累加池的封禁 IP 数
func (c *Coordinator) BlockIPForPool(ctx context.Context, ip, poolCode, reason, blockedBy string, durationDays int) error {
	if _, _, err := models.ParsePoolCode(poolCode); err != nil {
		return err
	}
	if durationDays == 0 {
		durationDays = c.opts.DefaultBlockDays
	}
	if durationDays < models.MinBlockDurationDays || durationDays > models.MaxBlockDurationDays {
		return fmt.Errorf("%w: block duration %d out of range", models.ErrValidation, durationDays)
	}

	first, err := c.store.BlockForPool(ctx, models.BlockedIPUpsert{
		IPAddress:    ip,
		PoolCode:     poolCode,
		Reason:       reason,
		BlockedBy:    blockedBy,
		DurationDays: durationDays,
		Now:          c.opts.Clock(),
	})
	if err != nil {
		return err
	}
	c.metrics.IPsBlocked.Inc()

	if first {
		if err := c.store.IncrementBlockedIPs(ctx, poolCode); err != nil {
			c.log.Warnf("更新池封禁计数失败: pool=%s, error=%v", poolCode, err)
		}
	}
	c.log.Infof("池 %s 已封禁 IP %s（%d 天）", poolCode, ip, durationDays)
	return nil
}

// propagate 向账户所在的每个池并发写入封禁，返回成功的池数
// 单个池失败不影响其他池，也不向调用方返回错误
func (c *Coordinator) propagate(ctx context.Context, ip, accountID string, memberships []models.PoolMembership, reason string, score int) int {
	if len(memberships) == 0 {
		c.log.Infof("账户 %s 未加入任何池，跳过集体防护", accountID)
		return 0
	}
	c.log.Warnf("触发集体防护: ip=%s, account=%s, pools=%d", ip, accountID, len(memberships))

	var (
		g      errgroup.Group
		mu     sync.Mutex
		errs   *multierror.Error
		failed []string
		done   []string
	)
	for _, m := range memberships {
		m := m
		g.Go(func() error {
			err := c.BlockIPForPool(ctx, ip, m.PoolCode, reason, accountID, m.BlockDurationDays)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("pool %s: %w", m.PoolCode, err))
				failed = append(failed, m.PoolCode)
				return nil
			}
			done = append(done, m.PoolCode)
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		perr := &models.PropagationError{IPAddress: ip, FailedPools: failed, Errs: errs}
		c.log.Errorf("集体防护部分失败: %v", perr)
		c.metrics.PropagationFails.Add(float64(len(failed)))
	}
	c.log.Warnf("集体防护完成: ip=%s, 成功 %d 个池, 失败 %d 个池", ip, len(done), len(failed))

	if c.alerts != nil && len(done) > 0 {
		sent, err := c.alerts.TriggerAlert(ctx, alerter.Alert{
			IPAddress:  ip,
			AccountID:  accountID,
			Pools:      done,
			Reason:     reason,
			FraudScore: score,
			Timestamp:  c.opts.Clock(),
		})
		if err != nil {
			c.log.Warnf("集体防护告警失败: %v", err)
		} else if sent {
			c.metrics.AlertsTriggered.Inc()
		}
	}
	return len(done)
}

func (c *Coordinator) removeExpired(ctx context.Context, ip string, now time.Time) {
	removed, err := c.store.RemoveExpired(ctx, ip, now)
	if err != nil {
		c.log.Warnf("清理过期封禁失败: ip=%s, error=%v", ip, err)
		return
	}
	if removed {
		c.metrics.ExpiredRemoved.Inc()
		c.log.Infof("IP %s 封禁已过期并被移除", ip)
	}
}

// BlockGlobally 运营人员手动全局封禁，永不过期，检测流程不会调用
func (c *Coordinator) BlockGlobally(ctx context.Context, ip, reason, operatorID string) error {
	if ip == "" {
		return fmt.Errorf("%w: empty ip address", models.ErrValidation)
	}
	if err := c.store.BlockGlobally(ctx, ip, reason, operatorID, c.opts.Clock()); err != nil {
		return err
	}
	c.log.Warnf("全局封禁 IP %s: %s (operator=%s)", ip, reason, operatorID)
	return nil
}

// ClickStats 点击统计，campaignID 为空时统计账户全部活动
func (c *Coordinator) ClickStats(ctx context.Context, accountID, campaignID string) (*models.ClickStats, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account", models.ErrValidation)
	}
	return c.store.ClickStats(ctx, accountID, campaignID)
}
