package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"gigledger/internal/logging"
)

type failingSink struct{ calls int }

func (f *failingSink) Emit(context.Context, Alert) error {
	f.calls++
	return errors.New("sink down")
}

func TestRedisStreamSinkAppends(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisStreamSink(client, "", 0)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := sink.Emit(context.Background(), Alert{
		Event:    MintingHighFailureRate,
		Severity: SeverityCritical,
		Message:  "6 mints failed in the last hour",
		Fields:   map[string]string{"failed": "6"},
		At:       at,
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	entries, err := client.XRange(context.Background(), DefaultStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one stream entry, got %d", len(entries))
	}
	v := entries[0].Values
	if v["event"] != MintingHighFailureRate || v["severity"] != "critical" || v["fields"] != `{"failed":"6"}` {
		t.Fatalf("unexpected entry %+v", v)
	}
	if v["at"] != at.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %v", v["at"])
	}
}

func TestFanoutDeliversDespiteFailures(t *testing.T) {
	rec := &Recorder{}
	bad := &failingSink{}
	f := Fanout{bad, NewLoggerSink(logging.Discard()), rec}

	err := f.Emit(context.Background(), Alert{Event: MonitoringError, Severity: SeverityWarning, Message: "check failed"})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if bad.calls != 1 || rec.Count(MonitoringError) != 1 {
		t.Fatalf("every sink must be called: bad=%d recorded=%d", bad.calls, rec.Count(MonitoringError))
	}
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	_ = rec.Emit(ctx, Alert{Event: MintingDelayed})
	_ = rec.Emit(ctx, Alert{Event: MintingDelayed})
	_ = rec.Emit(ctx, Alert{Event: TransactionHighFees})

	if rec.Count(MintingDelayed) != 2 || len(rec.Alerts()) != 3 {
		t.Fatalf("unexpected recorded alerts %+v", rec.Alerts())
	}
	rec.Reset()
	if len(rec.Alerts()) != 0 {
		t.Fatalf("expected empty recorder after reset")
	}
}
