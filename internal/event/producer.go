package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/utafrali/identity/internal/domain"
	pkgkafka "github.com/utafrali/identity/pkg/kafka"
	"github.com/utafrali/identity/pkg/logger"
)

// Kafka topics for user lifecycle events.
var (
	TopicUserRegistered      = pkgkafka.Topic("user", "registered")
	TopicUserProviderLinked  = pkgkafka.Topic("user", "provider_linked")
	TopicUserUpdated         = pkgkafka.Topic("user", "updated")
	TopicUserPasswordChanged = pkgkafka.Topic("user", "password_changed")
	TopicUserDeleted         = pkgkafka.Topic("user", "deleted")
)

const (
	// AggregateTypeUser is the aggregate every event here belongs to.
	AggregateTypeUser = "user"

	// SourceIdentityService identifies this service as the event source.
	SourceIdentityService = "identity-service"
)

// Registration methods carried by UserRegisteredData.
const (
	MethodPassword = "password"
)

// UserRegisteredData is the payload for identity.user.registered.
type UserRegisteredData struct {
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	Method        string `json:"method"`
	EmailVerified bool   `json:"email_verified"`
}

// ProviderLinkedData is the payload for identity.user.provider_linked.
type ProviderLinkedData struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
}

// UserUpdatedData is the payload for identity.user.updated.
type UserUpdatedData struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// UserRefData is the payload for events that only name the user.
type UserRefData struct {
	UserID string `json:"user_id"`
}

// Publisher emits user lifecycle events.
type Publisher interface {
	PublishUserRegistered(ctx context.Context, user *domain.User, method string) error
	PublishProviderLinked(ctx context.Context, user *domain.User, provider domain.Provider) error
	PublishUserUpdated(ctx context.Context, user *domain.User) error
	PublishPasswordChanged(ctx context.Context, userID string) error
	PublishUserDeleted(ctx context.Context, userID string) error
}

// eventWriter is satisfied by *pkgkafka.Producer.
type eventWriter interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes user events to Kafka.
type Producer struct {
	kafka  eventWriter
	logger *slog.Logger
}

// NewProducer creates a Producer over a Kafka producer.
func NewProducer(kafka eventWriter, logger *slog.Logger) *Producer {
	return &Producer{kafka: kafka, logger: logger}
}

// PublishUserRegistered publishes identity.user.registered.
func (p *Producer) PublishUserRegistered(ctx context.Context, user *domain.User, method string) error {
	pub := user.Public()
	return p.publish(ctx, TopicUserRegistered, user.ID, UserRegisteredData{
		UserID:        user.ID,
		Name:          user.Name,
		Email:         pub.Email,
		Method:        method,
		EmailVerified: user.Profile().EmailVerified,
	})
}

// PublishProviderLinked publishes identity.user.provider_linked.
func (p *Producer) PublishProviderLinked(ctx context.Context, user *domain.User, provider domain.Provider) error {
	return p.publish(ctx, TopicUserProviderLinked, user.ID, ProviderLinkedData{
		UserID:   user.ID,
		Provider: provider.String(),
	})
}

// PublishUserUpdated publishes identity.user.updated.
func (p *Producer) PublishUserUpdated(ctx context.Context, user *domain.User) error {
	return p.publish(ctx, TopicUserUpdated, user.ID, UserUpdatedData{UserID: user.ID, Name: user.Name})
}

// PublishPasswordChanged publishes identity.user.password_changed.
func (p *Producer) PublishPasswordChanged(ctx context.Context, userID string) error {
	return p.publish(ctx, TopicUserPasswordChanged, userID, UserRefData{UserID: userID})
}

// PublishUserDeleted publishes identity.user.deleted.
func (p *Producer) PublishUserDeleted(ctx context.Context, userID string) error {
	return p.publish(ctx, TopicUserDeleted, userID, UserRefData{UserID: userID})
}

func (p *Producer) publish(ctx context.Context, topic, userID string, data any) error {
	event, err := pkgkafka.NewEvent(topic, userID, AggregateTypeUser, SourceIdentityService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published event",
		slog.String("topic", topic),
		slog.String("user_id", userID),
	)
	return nil
}

// NoopPublisher discards every event. It is installed when events are
// disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishUserRegistered(context.Context, *domain.User, string) error { return nil }

func (NoopPublisher) PublishProviderLinked(context.Context, *domain.User, domain.Provider) error {
	return nil
}

func (NoopPublisher) PublishUserUpdated(context.Context, *domain.User) error { return nil }

func (NoopPublisher) PublishPasswordChanged(context.Context, string) error { return nil }

func (NoopPublisher) PublishUserDeleted(context.Context, string) error { return nil }

var (
	_ Publisher = (*Producer)(nil)
	_ Publisher = NoopPublisher{}
)
