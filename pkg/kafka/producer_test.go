package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// --- Event tests ---

func TestNewEvent_Fields(t *testing.T) {
	type registered struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}

	data := registered{UserID: "u-1", Email: "ann@x.com"}
	event, err := NewEvent("user.registered", "u-1", "user", "identity-service", data)
	require.NoError(t, err)

	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, "user.registered", event.EventType)
	assert.Equal(t, "u-1", event.AggregateID)
	assert.Equal(t, "user", event.AggregateType)
	assert.Equal(t, "identity-service", event.Source)
	assert.Equal(t, 1, event.Version)
	assert.WithinDuration(t, time.Now().UTC(), event.Timestamp, 2*time.Second)

	var decoded registered
	require.NoError(t, event.UnmarshalData(&decoded))
	assert.Equal(t, data, decoded)
}

func TestNewEvent_InvalidData(t *testing.T) {
	_, err := NewEvent("user.updated", "u-1", "user", "identity-service", make(chan int))
	require.Error(t, err)
}

func TestEvent_EnvelopeDecodes(t *testing.T) {
	original, err := NewEvent("user.deleted", "u-9", "user", "identity-service", map[string]string{"user_id": "u-9"})
	require.NoError(t, err)
	original.WithCorrelationID("corr-abc").WithMetadata("provider", "github")

	raw, err := original.Marshal()
	require.NoError(t, err)

	restored, err := UnmarshalEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, original.EventID, restored.EventID)
	assert.Equal(t, "corr-abc", restored.CorrelationID)
	assert.Equal(t, map[string]string{"provider": "github"}, restored.Metadata)
	assert.JSONEq(t, string(original.Data), string(restored.Data))
}

func TestUnmarshalEvent_InvalidJSON(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{broken json`))
	require.Error(t, err)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "identity.user.registered", Topic("user", "registered"))
	assert.Equal(t, "identity.user.provider_linked", Topic("user", "provider_linked"))
}

// --- Producer tests ---

func TestDefaultProducerConfig(t *testing.T) {
	cfg := DefaultProducerConfig([]string{"broker1:9092"})
	assert.Equal(t, []string{"broker1:9092"}, cfg.Brokers)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.BatchTimeout)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
}

func TestProducer_PublishWritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	reg := prometheus.NewRegistry()
	metrics, err := NewProducerMetrics(reg)
	require.NoError(t, err)
	p := newProducer(w, nil, metrics, discardLogger())

	event, err := NewEvent("user.registered", "u-1", "user", "identity-service", map[string]string{"user_id": "u-1"})
	require.NoError(t, err)
	event.WithCorrelationID("req-7")

	require.NoError(t, p.Publish(context.Background(), "identity.user.registered", event))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "identity.user.registered", msg.Topic)
	assert.Equal(t, []byte("u-1"), msg.Key)
	assert.Equal(t, "user.registered", headerValue(msg, "event_type"))
	assert.Equal(t, "identity-service", headerValue(msg, "source"))
	assert.Equal(t, "req-7", headerValue(msg, "correlation_id"))

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &envelope))
	assert.Equal(t, event.EventID, envelope["event_id"])

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.published.WithLabelValues("identity.user.registered")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.failed.WithLabelValues("identity.user.registered")))
}

func TestProducer_PublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	metrics, err := NewProducerMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	p := newProducer(w, nil, metrics, discardLogger())

	event, err := NewEvent("user.deleted", "u-2", "user", "identity-service", nil)
	require.NoError(t, err)

	err = p.Publish(context.Background(), "identity.user.deleted", event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity.user.deleted")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failed.WithLabelValues("identity.user.deleted")))
}

func TestProducer_NilMetrics(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, nil, nil, nil)

	event, err := NewEvent("user.updated", "u-3", "user", "identity-service", nil)
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), "identity.user.updated", event))
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewProducer_DoesNotConnect(t *testing.T) {
	p := NewProducer(DefaultProducerConfig([]string{"localhost:19092"}), nil, nil)
	require.NotNil(t, p)
	assert.Equal(t, []string{"localhost:19092"}, p.brokers)
	assert.NoError(t, p.Close())
}

func TestPingBrokers_NoBrokers(t *testing.T) {
	err := PingBrokers(t.Context(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no brokers configured")
}
