//go:build integration

package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/matthewjhunter/courier/internal/logging"
)

type RabbitMQIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *rabbitmq.RabbitMQContainer
	amqpURL   string
}

func (s *RabbitMQIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := rabbitmq.Run(s.ctx,
		"rabbitmq:3.13-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	amqpURL, err := container.AmqpURL(s.ctx)
	s.Require().NoError(err)
	s.amqpURL = amqpURL
}

func (s *RabbitMQIntegrationSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestRabbitMQIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RabbitMQIntegrationSuite))
}

func (s *RabbitMQIntegrationSuite) TestConnectWithoutQueue() {
	pub, err := NewRabbitMQ(Config{URL: s.amqpURL, Exchange: "courier-noqueue", RoutingKey: "refresh.completed"}, logging.Discard())
	s.Require().NoError(err)
	s.NoError(pub.Close())
}

func (s *RabbitMQIntegrationSuite) TestPublishRefresh() {
	cfg := Config{
		URL:        s.amqpURL,
		Exchange:   "courier-test",
		RoutingKey: "refresh.completed",
		QueueName:  "courier-refresh-test",
	}
	pub, err := NewRabbitMQ(cfg, logging.Discard())
	s.Require().NoError(err)
	defer pub.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	ev := RefreshEvent{
		UserID:      "u1",
		Reason:      "interval",
		Sources:     3,
		Succeeded:   2,
		Failed:      1,
		NewArticles: 7,
		Applied:     4,
		StartedAt:   now.Add(-2 * time.Second),
		CompletedAt: now,
	}
	s.Require().NoError(pub.PublishRefresh(s.ctx, ev))

	msg := s.consumeMessage(cfg)
	s.Require().NotNil(msg)
	s.Equal("application/json", msg.ContentType)
	s.Equal(uint8(amqp.Persistent), msg.DeliveryMode)

	var got RefreshEvent
	s.Require().NoError(json.Unmarshal(msg.Body, &got))
	s.Equal("interval", got.Reason)
	s.Equal(7, got.NewArticles)
	s.Equal(4, got.Applied)
	s.True(got.CompletedAt.Equal(now))
}

func (s *RabbitMQIntegrationSuite) consumeMessage(cfg Config) *amqp.Delivery {
	conn, err := amqp.Dial(s.amqpURL)
	s.Require().NoError(err)
	defer conn.Close()

	ch, err := conn.Channel()
	s.Require().NoError(err)
	defer ch.Close()

	msgs, err := ch.Consume(cfg.QueueName, "", true, false, false, false, nil)
	s.Require().NoError(err)

	select {
	case msg := <-msgs:
		return &msg
	case <-time.After(5 * time.Second):
		s.Fail("Timeout waiting for message")
		return nil
	}
}
