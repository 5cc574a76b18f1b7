package openmech

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"OpenMech-Chain/internal/api"
	"OpenMech-Chain/internal/lifecycle"
	"OpenMech-Chain/internal/simulator"
	"OpenMech-Chain/internal/transaction"
)

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	repo := transaction.NewRepository(transaction.NewMemoryStore())
	sim, err := simulator.New(simulator.Config{Model: simulator.ModelPolls})
	if err != nil {
		t.Fatalf("simulator: %v", err)
	}
	svc, err := lifecycle.New(repo, sim)
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(":0", svc).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestRoundTrip(t *testing.T) {
	srv := newBackend(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	services, err := client.Services(ctx)
	if err != nil || len(services) == 0 {
		t.Fatalf("services: %v %v", services, err)
	}

	id, err := client.CreateTransaction(ctx, CreateTransaction{
		OwnerAddress:     "0xabc",
		SafeAddress:      "derive",
		Prompt:           "rebalance my portfolio",
		SelectedServices: []Service{{ID: services[0].ID, Cost: services[0].Cost}},
		TotalCost:        services[0].Cost,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := client.SubmitRequest(ctx, id); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := client.ExecutePayment(ctx, id, Payment{}); err != nil {
		t.Fatalf("payment: %v", err)
	}
	ticket, err := client.StartExecution(ctx, id, Execution{})
	if err != nil {
		t.Fatalf("execution: %v", err)
	}

	var last Status
	for i := 0; i < 4; i++ {
		last, err = client.GetStatus(ctx, id, ticket.RequestID)
		if err != nil {
			t.Fatalf("poll %d: %v", i+1, err)
		}
	}
	if last.Status != "completed" || last.Result == nil {
		t.Fatalf("expected completed after four polls, got %+v", last)
	}

	verified, err := client.VerifyResults(ctx, id, Verification{RequestID: ticket.RequestID})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verified.Verified || verified.Result.Summary != last.Result.Summary {
		t.Fatalf("verified result should reuse the cached final result: %+v", verified)
	}

	details, err := client.GetTransaction(ctx, id)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.OverallStatus != "completed" || details.Transaction.SafeAddress == "" {
		t.Fatalf("unexpected details: %+v", details)
	}

	items, err := client.ListTransactions(ctx, "0xABC", ListOptions{Limit: 10})
	if err != nil || len(items) != 1 {
		t.Fatalf("list: %v %v", items, err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := newBackend(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetTransaction(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != string(transaction.CodeNotFound) {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestPlainTextErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	_, err := client.Services(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "gateway down" {
		t.Fatalf("unexpected error: %v", err)
	}
}
