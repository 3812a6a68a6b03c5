package consumer

import (
	"context"
	"errors"
	"testing"

	"go-poolguard/pkg/analyzer"
	"go-poolguard/pkg/models"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProcessor struct {
	clicks []models.ClickEvent
	visits []models.VisitorEvent
	err    error
}

func (f *fakeProcessor) ProcessClick(ctx context.Context, click models.ClickEvent, accountID string) (*models.ProcessResult, error) {
	f.clicks = append(f.clicks, click)
	return &models.ProcessResult{Status: models.StatusClean}, f.err
}

func (f *fakeProcessor) ProcessVisit(ctx context.Context, visit models.VisitorEvent, accountID string) (*models.ScoreResult, error) {
	f.visits = append(f.visits, visit)
	return &models.ScoreResult{}, f.err
}

func newTestConsumer(proc Processor) *Consumer {
	return &Consumer{
		proc:       proc,
		clickTopic: "ad-clicks",
		visitTopic: "ad-visits",
		log:        zap.NewNop().Sugar(),
		ready:      make(chan bool),
	}
}

func TestDecodeClick(t *testing.T) {
	click, err := decodeClick([]byte(`{"campaign_id":"camp-1","user_id":"acct-a","ip_address":"1.2.3.4","user_agent":"curl/8.0","location_country":"DE"}`))
	require.NoError(t, err)
	assert.Equal(t, "acct-a", click.AccountID)
	assert.Equal(t, "1.2.3.4", click.IPAddress)
	assert.Equal(t, "DE", click.Country)

	click, err = decodeClick([]byte(`{"user_id":"acct-a","related":{"ip":["10.0.0.1","5.6.7.8"]}}`))
	require.NoError(t, err)
	assert.Equal(t, "5.6.7.8", click.IPAddress)

	_, err = decodeClick([]byte(`{"user_id":"acct-a"}`))
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = decodeClick([]byte(`not json`))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestDecodeVisit(t *testing.T) {
	visit, err := decodeVisit([]byte(`{"account_id":"acct-a","ip_address":"1.2.3.4","time_on_page":0,"screen_width":1920}`))
	require.NoError(t, err)
	require.NotNil(t, visit.TimeOnPage)
	assert.Equal(t, 0.0, *visit.TimeOnPage)
	assert.Nil(t, visit.ScrollDepth)
	require.NotNil(t, visit.ScreenWidth)
	assert.Equal(t, 1920, *visit.ScreenWidth)

	_, err = decodeVisit([]byte(`{"ip_address":"1.2.3.4"}`))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestHandle_RoutesByTopic(t *testing.T) {
	proc := &fakeProcessor{}
	c := newTestConsumer(proc)
	ctx := context.Background()

	require.NoError(t, c.handle(ctx, &sarama.ConsumerMessage{
		Topic: "ad-clicks",
		Value: []byte(`{"user_id":"acct-a","ip_address":"1.2.3.4"}`),
	}))
	require.NoError(t, c.handle(ctx, &sarama.ConsumerMessage{
		Topic: "ad-visits",
		Value: []byte(`{"account_id":"acct-b","ip_address":"5.6.7.8"}`),
	}))
	require.NoError(t, c.handle(ctx, &sarama.ConsumerMessage{Topic: "other", Value: []byte(`{}`)}))

	require.Len(t, proc.clicks, 1)
	assert.Equal(t, "acct-a", proc.clicks[0].AccountID)
	require.Len(t, proc.visits, 1)
	assert.Equal(t, "acct-b", proc.visits[0].AccountID)
}

func TestHandle_InvalidPayloadIsDropped(t *testing.T) {
	proc := &fakeProcessor{}
	c := newTestConsumer(proc)

	err := c.handle(context.Background(), &sarama.ConsumerMessage{Topic: "ad-clicks", Value: []byte(`{"user_id":""}`)})
	assert.NoError(t, err)
	assert.Empty(t, proc.clicks)
}

func TestHandle_ProcessorError(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("store down")}
	c := newTestConsumer(proc)

	err := c.handle(context.Background(), &sarama.ConsumerMessage{
		Topic: "ad-clicks",
		Value: []byte(`{"user_id":"acct-a","ip_address":"1.2.3.4"}`),
	})
	assert.EqualError(t, err, "store down")
}

func TestHandle_WhitelistedIPIsSkipped(t *testing.T) {
	proc := &fakeProcessor{}
	c := newTestConsumer(proc)
	c.whitelist = analyzer.NewPrefixList([]string{"10.0.0.0/8", "192.168.1.5"}, nil)
	ctx := context.Background()

	require.NoError(t, c.handle(ctx, &sarama.ConsumerMessage{
		Topic: "ad-clicks",
		Value: []byte(`{"user_id":"acct-a","ip_address":"10.1.2.3"}`),
	}))
	require.NoError(t, c.handle(ctx, &sarama.ConsumerMessage{
		Topic: "ad-visits",
		Value: []byte(`{"account_id":"acct-a","ip_address":"192.168.1.5"}`),
	}))
	require.NoError(t, c.handle(ctx, &sarama.ConsumerMessage{
		Topic: "ad-clicks",
		Value: []byte(`{"user_id":"acct-a","ip_address":"8.8.8.8"}`),
	}))

	assert.Empty(t, proc.visits)
	require.Len(t, proc.clicks, 1)
	assert.Equal(t, "8.8.8.8", proc.clicks[0].IPAddress)
}
