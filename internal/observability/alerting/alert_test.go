package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "OpenMech-Chain/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	dispatcher := NewFanout(a, b, nil)

	err := dispatcher.Notify(context.Background(), Event{Code: "X", Message: "boom"})
	if err == nil {
		t.Fatalf("expected joined error from failing channel")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both channels notified, got %d and %d", len(a.events), len(b.events))
	}
	if got := dispatcher.Channels(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("unexpected channels %v", got)
	}
}

func TestFromErrorCopiesRegistryAttributes(t *testing.T) {
	err := xerrors.New(xerrors.CodeChainFailure, "rpc unavailable", xerrors.WithMetadata("chain", "devnet"))
	event := FromError(err, "tx-1", "payment")
	if event.Code != xerrors.CodeChainFailure || event.Phase != "payment" || event.TransactionID != "tx-1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["chain"] != "devnet" {
		t.Fatalf("metadata not carried: %v", event.Metadata)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}
	if err := n.Notify(context.Background(), Event{Code: "TX_INTERNAL", TransactionID: "tx-9"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.TransactionID != "tx-9" {
		t.Fatalf("payload not delivered: %+v", received)
	}

	bad := &WebhookNotifier{URL: srv.URL}
	if err := bad.Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error on non-2xx response")
	}
}

func TestUnconfiguredNotifiersAreNoops(t *testing.T) {
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if err := (&SlackNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("slack: %v", err)
	}
	if err := (LogNotifier{}).Notify(context.Background(), Event{Severity: xerrors.SeverityCritical}); err != nil {
		t.Fatalf("log: %v", err)
	}
}
