package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"OpenMech-Chain/internal/observability/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	event := New(TypePhase, "tx-1")
	event.Phase = "payment"
	event.Status = "completed"
	event.Details = map[string]any{"tx_hash": "0xabc"}

	raw, err := event.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != event.ID || decoded.Phase != "payment" || decoded.Details["tx_hash"] != "0xabc" {
		t.Fatalf("unexpected decoded event %+v", decoded)
	}
	if _, err := Decode([]byte(`{"type":"transaction.phase"}`)); err == nil {
		t.Fatalf("expected error for event without transaction id")
	}
}

func TestMemoryBusDelivers(t *testing.T) {
	bus := NewMemoryBus(4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var (
		mu       sync.Mutex
		received []string
	)
	done := make(chan struct{})
	go func() {
		_ = bus.Consume(ctx, 2, func(_ context.Context, e Event) error {
			mu.Lock()
			received = append(received, e.TransactionID)
			if len(received) == 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	for _, id := range []string{"a", "b", "c"} {
		if err := bus.Publish(ctx, New(TypeCreated, id)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for events, got %v", received)
	}

	_ = bus.Close()
	if err := bus.Publish(context.Background(), New(TypeCreated, "late")); err == nil {
		t.Fatalf("expected publish on closed bus to fail")
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	bus, err := Open(context.Background(), Config{Driver: "none"}, nil)
	if err != nil || bus != nil {
		t.Fatalf("expected nil bus for none driver, got %v / %v", bus, err)
	}
	if _, err := Open(context.Background(), Config{Driver: "redis"}, nil); err == nil {
		t.Fatalf("expected error for redis without client")
	}
	if _, err := Open(context.Background(), Config{Driver: "nats"}, nil); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{Driver: "kafka"}, nil); err == nil {
		t.Fatalf("expected error for kafka without brokers")
	}

	bus, err = Open(context.Background(), Config{Driver: "memory", BufferSize: 1}, nil)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer bus.Close()
	before := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("memory", "ok"))
	if err := bus.Publish(context.Background(), New(TypeCreated, "x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("memory", "ok")); got-before != 1 {
		t.Fatalf("expected publish counted, delta %v", got-before)
	}
}

func TestNewKafkaBusDefaults(t *testing.T) {
	bus, err := NewKafkaBus(KafkaConfig{Brokers: []string{" localhost:9092 ", ""}})
	if err != nil {
		t.Fatalf("new kafka bus: %v", err)
	}
	defer bus.Close()
	if bus.cfg.Topic != "openmech.events" || bus.cfg.GroupID != "openmech-audit" || len(bus.cfg.Brokers) != 1 {
		t.Fatalf("unexpected defaults %+v", bus.cfg)
	}
}

func TestAuditHandlerAcceptsEvent(t *testing.T) {
	if err := AuditHandler()(context.Background(), New(TypeFinalized, "tx")); err != nil {
		t.Fatalf("audit handler: %v", err)
	}
}

func TestMemoryBusCloseUnblocksPublisher(t *testing.T) {
	bus := NewMemoryBus(1)
	if err := bus.Publish(context.Background(), New(TypeCreated, "tx-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		result <- bus.Publish(context.Background(), New(TypeCreated, "tx-2"))
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = bus.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("close blocked behind a full queue")
	}
	select {
	case err := <-result:
		if !errors.Is(err, errBusClosed) {
			t.Fatalf("expected closed error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher not released")
	}
}
