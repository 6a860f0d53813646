package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event names consumers subscribe to.
const (
	MintingDelayed               = "minting:delayed"
	MintingHighFailureRate       = "minting:highFailureRate"
	TransactionHighFees          = "transaction:highFees"
	TransactionDelayed           = "transaction:delayed"
	CollectionVerificationFailed = "collection:verificationFailed"
	MonitoringError              = "monitoring:error"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operational event raised by the monitor.
type Alert struct {
	Event    string            `json:"event"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// Sink delivers alerts to whoever watches them.
type Sink interface {
	Emit(ctx context.Context, a Alert) error
}

// LoggerSink writes alerts to the structured logger.
type LoggerSink struct {
	logger *slog.Logger
}

func NewLoggerSink(logger *slog.Logger) *LoggerSink {
	return &LoggerSink{logger: logger}
}

func (s *LoggerSink) Emit(_ context.Context, a Alert) error {
	if s == nil || s.logger == nil {
		return nil
	}
	attrs := []any{slog.String("event", a.Event), slog.String("severity", string(a.Severity))}
	for k, v := range a.Fields {
		attrs = append(attrs, slog.String(k, v))
	}
	if a.Severity == SeverityCritical {
		s.logger.Error(a.Message, attrs...)
	} else {
		s.logger.Warn(a.Message, attrs...)
	}
	return nil
}

const DefaultStream = "gigledger:alerts"

// RedisStreamSink appends alerts to a Redis stream trimmed to maxLen entries.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = 10_000
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Emit(ctx context.Context, a Alert) error {
	fields, err := json.Marshal(a.Fields)
	if err != nil {
		return fmt.Errorf("encode alert fields: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Values: map[string]any{
			"event":    a.Event,
			"severity": string(a.Severity),
			"message":  a.Message,
			"fields":   string(fields),
			"at":       a.At.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Fanout emits to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps emitted alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Emit(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Count returns how many alerts of event were emitted.
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Event == event {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = nil
}
