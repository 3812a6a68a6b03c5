package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-poolguard/pkg/analyzer"
	"go-poolguard/pkg/config"
	"go-poolguard/pkg/models"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Processor 点击与访客事件的处理方
type Processor interface {
	ProcessClick(ctx context.Context, click models.ClickEvent, accountID string) (*models.ProcessResult, error)
	ProcessVisit(ctx context.Context, visit models.VisitorEvent, accountID string) (*models.ScoreResult, error)
}

type Consumer struct {
	consumer   sarama.ConsumerGroup
	proc       Processor
	clickTopic string
	visitTopic string
	// 白名单内的 IP 不进入评分
	whitelist *analyzer.PrefixList
	log       *zap.SugaredLogger
	ready     chan bool
}

// clickMessage 兼容只在 related.ip 中携带客户端地址的上报
type clickMessage struct {
	models.ClickEvent
	Related struct {
		IP []string `json:"ip"`
	} `json:"related"`
}

type visitMessage struct {
	models.VisitorEvent
	Related struct {
		IP []string `json:"ip"`
	} `json:"related"`
}

func NewConsumer(cfg *config.Config, proc Processor, log *zap.SugaredLogger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	version, err := sarama.ParseKafkaVersion(cfg.Kafka.Version)
	if err != nil {
		return nil, err
	}
	saramaConfig.Version = version
	saramaConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Group.Session.Timeout = 20 * time.Second
	saramaConfig.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	saramaConfig.Net.DialTimeout = 30 * time.Second
	saramaConfig.Net.ReadTimeout = 30 * time.Second
	saramaConfig.Net.WriteTimeout = 30 * time.Second

	if n := len(cfg.Security.WhitelistIPs); n > 0 {
		log.Infof("从配置加载白名单，共 %d 条记录", n)
	}

	log.Infof("正在连接 Kafka brokers: %v", cfg.Kafka.Brokers)
	group, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		consumer:   group,
		proc:       proc,
		clickTopic: cfg.Kafka.ClickTopic,
		visitTopic: cfg.Kafka.VisitTopic,
		whitelist:  analyzer.NewPrefixList(cfg.Security.WhitelistIPs, log),
		log:        log,
		ready:      make(chan bool),
	}, nil
}

// Start 消费点击与访客两个 topic，直到 ctx 结束
func (c *Consumer) Start(ctx context.Context) error {
	topics := []string{c.clickTopic, c.visitTopic}

	go func() {
		for err := range c.consumer.Errors() {
			c.log.Errorf("消费组错误: %v", err)
		}
	}()

	c.log.Infof("开始消费 topics: %v", topics)
	for {
		if err := c.consumer.Consume(ctx, topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Errorf("消费出错: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}

		if ctx.Err() != nil {
			c.log.Infof("上下文结束，停止消费: %v", ctx.Err())
			return nil
		}

		c.ready = make(chan bool)
	}
}

func (c *Consumer) Setup(_ sarama.ConsumerGroupSession) error {
	close(c.ready)
	return nil
}

func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			c.log.Debugf("收到消息: topic=%s, partition=%d, offset=%d",
				message.Topic, message.Partition, message.Offset)

			// 处理失败同样提交位点，避免坏消息阻塞分区
			if err := c.handle(session.Context(), message); err != nil {
				c.log.Errorf("处理消息失败: topic=%s, offset=%d, error=%v", message.Topic, message.Offset, err)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	switch message.Topic {
	case c.clickTopic:
		click, err := decodeClick(message.Value)
		if err != nil {
			c.log.Warnf("点击数据无效: %v, raw message: %s", err, string(message.Value))
			return nil
		}
		if c.whitelisted(click.IPAddress) {
			return nil
		}
		_, err = c.proc.ProcessClick(ctx, click, click.AccountID)
		return err

	case c.visitTopic:
		visit, err := decodeVisit(message.Value)
		if err != nil {
			c.log.Warnf("访客数据无效: %v, raw message: %s", err, string(message.Value))
			return nil
		}
		if c.whitelisted(visit.IPAddress) {
			return nil
		}
		_, err = c.proc.ProcessVisit(ctx, visit, visit.AccountID)
		return err

	default:
		c.log.Warnf("未知 topic: %s", message.Topic)
		return nil
	}
}

func (c *Consumer) whitelisted(ip string) bool {
	if c.whitelist == nil {
		return false
	}
	if prefix := c.whitelist.Match(ip); prefix != "" {
		c.log.Debugf("IP %s 在白名单 %s 中，跳过", ip, prefix)
		return true
	}
	return false
}

func decodeClick(raw []byte) (models.ClickEvent, error) {
	var msg clickMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.ClickEvent{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	click := msg.ClickEvent
	if click.IPAddress == "" && len(msg.Related.IP) > 0 {
		click.IPAddress = msg.Related.IP[len(msg.Related.IP)-1]
	}
	if click.IPAddress == "" || click.AccountID == "" {
		return models.ClickEvent{}, fmt.Errorf("%w: ip_address and user_id are required", models.ErrValidation)
	}
	return click, nil
}

func decodeVisit(raw []byte) (models.VisitorEvent, error) {
	var msg visitMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.VisitorEvent{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	visit := msg.VisitorEvent
	if visit.IPAddress == "" && len(msg.Related.IP) > 0 {
		visit.IPAddress = msg.Related.IP[len(msg.Related.IP)-1]
	}
	if visit.IPAddress == "" || visit.AccountID == "" {
		return models.VisitorEvent{}, fmt.Errorf("%w: ip_address and account_id are required", models.ErrValidation)
	}
	return visit, nil
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}
