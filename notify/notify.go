package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/streamflow/logger"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Message struct {
	MessageId   string    `json:"messageId"`
	Topic       string    `json:"topic"`
	Subject     string    `json:"subject,omitempty"`
	Message     string    `json:"message"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Publisher delivers notifications. Publish returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, subject string, message string) (string, error)
}

func newMessage(topic string, subject string, message string) (Message, error) {
	if len(strings.TrimSpace(topic)) == 0 {
		return Message{}, fmt.Errorf("topic is empty")
	}
	return Message{
		MessageId:   uuid.New().String(),
		Topic:       topic,
		Subject:     subject,
		Message:     message,
		PublishedAt: time.Now().UTC(),
	}, nil
}

var _ Publisher = new(RedisPublisher)

// RedisPublisher publishes the JSON encoded message on the channel
// <namespace>:TOPIC:<topic>.
type RedisPublisher struct {
	client    rd.UniversalClient
	namespace string
}

func NewRedisPublisher(client rd.UniversalClient, namespace string) *RedisPublisher {
	return &RedisPublisher{client: client, namespace: namespace}
}

func (p *RedisPublisher) Channel(topic string) string {
	return fmt.Sprintf("%s:TOPIC:%s", p.namespace, topic)
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, subject string, message string) (string, error) {
	msg, err := newMessage(topic, subject, message)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	receivers, err := p.client.Publish(ctx, p.Channel(topic), data).Result()
	if err != nil {
		logger.Error("error publishing notification", zap.String("topic", topic), zap.Error(err))
		return "", err
	}
	logger.Debug("notification published", zap.String("topic", topic), zap.String("messageId", msg.MessageId), zap.Int64("receivers", receivers))
	return msg.MessageId, nil
}

var _ Publisher = new(LogPublisher)

// LogPublisher writes notifications to the structured log.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, topic string, subject string, message string) (string, error) {
	msg, err := newMessage(topic, subject, message)
	if err != nil {
		return "", err
	}
	logger.Info("notification", zap.String("topic", topic), zap.String("subject", subject), zap.String("message", message), zap.String("messageId", msg.MessageId))
	return msg.MessageId, nil
}

var _ Publisher = new(MemoryPublisher)

// MemoryPublisher keeps every message, for tests and local runs.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, topic string, subject string, message string) (string, error) {
	msg, err := newMessage(topic, subject, message)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return msg.MessageId, nil
}

func (p *MemoryPublisher) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.messages {
		if len(topic) == 0 || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
