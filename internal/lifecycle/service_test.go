package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"OpenMech-Chain/internal/aggregator"
	xerrors "OpenMech-Chain/internal/errors"
	"OpenMech-Chain/internal/events"
	"OpenMech-Chain/internal/observability/alerting"
	"OpenMech-Chain/internal/simulator"
	"OpenMech-Chain/internal/transaction"
	"OpenMech-Chain/internal/web3"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

// failingExecutor 在指定阶段返回错误，其余委托给模拟执行器。
type failingExecutor struct {
	*web3.SimulatedExecutor
	failPayment bool
	failRequest bool
	calls       int
}

func (f *failingExecutor) SubmitRequest(ctx context.Context, req web3.MechRequest) (string, error) {
	f.calls++
	if f.failRequest {
		return "", errors.New("rpc unavailable")
	}
	return f.SimulatedExecutor.SubmitRequest(ctx, req)
}

func (f *failingExecutor) ExecutePayment(ctx context.Context, req web3.PaymentRequest) (string, error) {
	f.calls++
	if f.failPayment {
		return "", errors.New("insufficient funds")
	}
	return f.SimulatedExecutor.ExecutePayment(ctx, req)
}

type fixture struct {
	svc    *Service
	repo   *transaction.Repository
	clock  *fakeClock
	events *recordingPublisher
	alerts *recordingAlerts
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	repo := transaction.NewRepository(transaction.NewMemoryStore()).WithClock(clock.Now)
	sim, err := simulator.New(simulator.Config{})
	if err != nil {
		t.Fatalf("simulator: %v", err)
	}
	pub := &recordingPublisher{}
	alerts := &recordingAlerts{}
	base := []Option{WithClock(clock.Now), WithPublisher(pub), WithAlerts(alerts)}
	svc, err := New(repo, sim, append(base, opts...)...)
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	return &fixture{svc: svc, repo: repo, clock: clock, events: pub, alerts: alerts}
}

func (f *fixture) create(t *testing.T, prompt string) string {
	t.Helper()
	id, err := f.svc.CreateTransaction(context.Background(), CreateInput{
		Owner:  "0xOwner",
		Prompt: prompt,
		Services: []transaction.Service{
			{ID: "1722", Cost: 5},
			{ID: "1999", Cost: 3},
		},
		TotalCost: 8,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatalf("expected initialization error")
	}
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "Where can I earn the best APY on USDC?")

	details, err := f.svc.Details(ctx, id)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.OverallStatus != transaction.OverallPending {
		t.Fatalf("expected pending, got %s", details.OverallStatus)
	}
	if details.Transaction.SelectedServices[0].Name != "DeFi Analytics Service" {
		t.Fatalf("service name not resolved: %+v", details.Transaction.SelectedServices)
	}

	reqHash, err := f.svc.SubmitRequest(ctx, id)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !web3.IsHash(reqHash) {
		t.Fatalf("unexpected request hash %q", reqHash)
	}
	payHash, err := f.svc.ExecutePayment(ctx, id, PaymentInput{TotalCost: 8})
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	ticket, err := f.svc.StartExecution(ctx, id, ExecutionInput{RequestTxHash: reqHash, PaymentTxHash: payHash})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if ticket.RequestID == "" || ticket.Operator == "" {
		t.Fatalf("incomplete ticket %+v", ticket)
	}

	stored, _ := f.repo.Get(ctx, id)
	if len(stored.ExecutionSteps) != 3 || stored.ExecutionSteps[2].Step != aggregator.AggregationStep {
		t.Fatalf("unexpected default steps: %+v", stored.ExecutionSteps)
	}
	if stored.ExecutionInfo == nil || stored.ExecutionInfo.Clock != simulator.ModelElapsed {
		t.Fatalf("execution info not recorded: %+v", stored.ExecutionInfo)
	}

	f.clock.Advance(5 * time.Second)
	view, err := f.svc.GetExecutionStatus(ctx, id, ticket.RequestID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != aggregator.StatusRunning || view.OverallStatus != transaction.OverallExecuting {
		t.Fatalf("unexpected view %+v", view)
	}

	result, err := f.svc.VerifyResults(ctx, id, VerifyInput{RequestID: ticket.RequestID})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Verified || result.Result == nil || len(result.Content) == 0 {
		t.Fatalf("unexpected verified result %+v", result)
	}
	if result.Content[0].Text != result.Result.Summary {
		t.Fatalf("content should lead with the summary")
	}

	details, _ = f.svc.Details(ctx, id)
	if details.OverallStatus != transaction.OverallCompleted {
		t.Fatalf("expected completed, got %s", details.OverallStatus)
	}

	types := f.events.types()
	if types[0] != events.TypeCreated {
		t.Fatalf("first event should be created, got %v", types)
	}
	finalized := 0
	for _, typ := range types {
		if typ == events.TypeFinalized {
			finalized++
		}
	}
	if finalized != 1 {
		t.Fatalf("expected one finalized event, got %d in %v", finalized, types)
	}
	if f.alerts.count() != 0 {
		t.Fatalf("happy path must not alert")
	}
}

func TestOperationsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "ETH price trend")

	first, _ := f.svc.SubmitRequest(ctx, id)
	second, err := f.svc.SubmitRequest(ctx, id)
	if err != nil || first != second {
		t.Fatalf("repeat submit: %q %q %v", first, second, err)
	}
	pay1, _ := f.svc.ExecutePayment(ctx, id, PaymentInput{})
	pay2, err := f.svc.ExecutePayment(ctx, id, PaymentInput{})
	if err != nil || pay1 != pay2 {
		t.Fatalf("repeat payment: %q %q %v", pay1, pay2, err)
	}
	t1, _ := f.svc.StartExecution(ctx, id, ExecutionInput{})
	t2, err := f.svc.StartExecution(ctx, id, ExecutionInput{})
	if err != nil || t1 != t2 {
		t.Fatalf("repeat start: %+v %+v %v", t1, t2, err)
	}
	r1, _ := f.svc.VerifyResults(ctx, id, VerifyInput{})
	r2, err := f.svc.VerifyResults(ctx, id, VerifyInput{})
	if err != nil || r1.Result.Summary != r2.Result.Summary {
		t.Fatalf("repeat verify: %v", err)
	}
}

func TestOutOfOrderCallsAreRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "diversify")
	before, _ := f.repo.Get(ctx, id)

	if _, err := f.svc.ExecutePayment(ctx, id, PaymentInput{}); !xerrors.HasCode(err, transaction.CodePhaseOrder) {
		t.Fatalf("payment before request: expected phase order error, got %v", err)
	}
	if _, err := f.svc.StartExecution(ctx, id, ExecutionInput{}); !xerrors.HasCode(err, transaction.CodePhaseOrder) {
		t.Fatalf("execution before payment: expected phase order error, got %v", err)
	}
	if _, err := f.svc.VerifyResults(ctx, id, VerifyInput{}); !xerrors.HasCode(err, transaction.CodePhaseOrder) {
		t.Fatalf("verify before execution: expected phase order error, got %v", err)
	}

	after, _ := f.repo.Get(ctx, id)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.PaymentState != nil || after.ExecutionState != nil {
		t.Fatalf("rejected calls must not write: %+v", after)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]CreateInput{
		"missing owner":    {Services: []transaction.Service{{ID: "1722", Cost: 1}}, TotalCost: 1},
		"no services":      {Owner: "0xabc"},
		"blank service id": {Owner: "0xabc", Services: []transaction.Service{{ID: " ", Cost: 1}}, TotalCost: 1},
		"negative cost":    {Owner: "0xabc", Services: []transaction.Service{{ID: "1722", Cost: -1}}, TotalCost: -1},
		"cost mismatch":    {Owner: "0xabc", Services: []transaction.Service{{ID: "1722", Cost: 2}}, TotalCost: 3},
	}
	for name, in := range cases {
		if _, err := f.svc.CreateTransaction(ctx, in); !xerrors.HasCode(err, transaction.CodeValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestCreateDerivesSafeAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.svc.CreateTransaction(ctx, CreateInput{
		Owner:       "0xABC",
		SafeAddress: SafeAddressDerive,
		Services:    []transaction.Service{{ID: "1815", Cost: 10}},
		TotalCost:   10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d, _ := f.svc.Details(ctx, id)
	if d.Transaction.SafeAddress != web3.DeriveSafeAddress("0xabc") {
		t.Fatalf("unexpected safe address %q", d.Transaction.SafeAddress)
	}
}

func TestPaymentValidatesAmountAndServices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "yield")
	if _, err := f.svc.SubmitRequest(ctx, id); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.ExecutePayment(ctx, id, PaymentInput{TotalCost: 9}); !xerrors.HasCode(err, transaction.CodeValidation) {
		t.Fatalf("expected validation error for wrong amount, got %v", err)
	}
	if _, err := f.svc.ExecutePayment(ctx, id, PaymentInput{Services: []string{"Other"}}); !xerrors.HasCode(err, transaction.CodeValidation) {
		t.Fatalf("expected validation error for wrong services, got %v", err)
	}
	names := []string{"yield farming optimizer", "DeFi Analytics Service"}
	if _, err := f.svc.ExecutePayment(ctx, id, PaymentInput{TotalCost: 8, Services: names}); err != nil {
		t.Fatalf("payment with matching inputs: %v", err)
	}
}

func TestExternalFailureIsRecordedAndAlerted(t *testing.T) {
	exec := &failingExecutor{SimulatedExecutor: web3.NewSimulatedExecutor(), failPayment: true}
	f := newFixture(t, WithExecutor(exec))
	ctx := context.Background()
	id := f.create(t, "yield")

	if _, err := f.svc.SubmitRequest(ctx, id); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := f.svc.ExecutePayment(ctx, id, PaymentInput{})
	if !xerrors.HasCode(err, transaction.CodeExternalCall) {
		t.Fatalf("expected external call failure, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("external failures should be retryable")
	}

	stored, _ := f.repo.Get(ctx, id)
	state := stored.State(transaction.PhasePayment)
	if state == nil || state.Status != transaction.PhaseFailed || state.Details["error"] != "insufficient funds" {
		t.Fatalf("failure not recorded: %+v", state)
	}
	if f.alerts.count() != 1 {
		t.Fatalf("expected one alert, got %d", f.alerts.count())
	}

	calls := exec.calls
	if _, err := f.svc.ExecutePayment(ctx, id, PaymentInput{}); !xerrors.HasCode(err, transaction.CodePhaseOrder) {
		t.Fatalf("failed phase is terminal, got %v", err)
	}
	if exec.calls != calls {
		t.Fatalf("terminal phase must not call the executor again")
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "yield")
	if _, err := f.svc.SubmitRequest(ctx, id); err != nil {
		t.Fatalf("submit: %v", err)
	}

	d, err := f.svc.Cancel(ctx, id, "user aborted")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	tx := d.Transaction
	if tx.StatusOf(transaction.PhaseRequest) != transaction.PhaseCompleted {
		t.Fatalf("completed phases must be kept")
	}
	for _, phase := range []transaction.Phase{transaction.PhasePayment, transaction.PhaseExecution, transaction.PhaseVerification} {
		state := tx.State(phase)
		if state == nil || state.Status != transaction.PhaseFailed || state.Details["reason"] != "cancelled" {
			t.Fatalf("%s not cancelled: %+v", phase, state)
		}
	}
	if _, err := f.svc.ExecutePayment(ctx, id, PaymentInput{}); !xerrors.HasCode(err, transaction.CodePhaseOrder) {
		t.Fatalf("payment after cancel: expected phase order error, got %v", err)
	}
	last := f.events.types()
	if last[len(last)-1] != events.TypeCancelled {
		t.Fatalf("expected cancelled event last, got %v", last)
	}

	if _, err := f.svc.Cancel(ctx, "missing", ""); !errors.Is(err, transaction.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelAfterVerificationIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "yield")
	_, _ = f.svc.SubmitRequest(ctx, id)
	_, _ = f.svc.ExecutePayment(ctx, id, PaymentInput{})
	_, _ = f.svc.StartExecution(ctx, id, ExecutionInput{})
	if _, err := f.svc.VerifyResults(ctx, id, VerifyInput{}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, id, ""); !xerrors.HasCode(err, transaction.CodePhaseOrder) {
		t.Fatalf("expected phase order error, got %v", err)
	}
}

func TestStatusRejectsMismatchedRequestID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "yield")
	_, _ = f.svc.SubmitRequest(ctx, id)
	_, _ = f.svc.ExecutePayment(ctx, id, PaymentInput{})
	if _, err := f.svc.StartExecution(ctx, id, ExecutionInput{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.GetExecutionStatus(ctx, id, "0xnotmine"); !xerrors.HasCode(err, transaction.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestListByOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, "a")
	second := f.create(t, "b")

	items, err := f.svc.ListByOwner(ctx, "0xowner")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(items))
	}
	seen := map[string]bool{}
	for _, item := range items {
		seen[item.Transaction.ID] = true
		if item.OverallStatus != transaction.OverallPending {
			t.Fatalf("unexpected overall status %s", item.OverallStatus)
		}
	}
	if !seen[first] || !seen[second] {
		t.Fatalf("owner match should ignore case: %+v", items)
	}
	if _, err := f.svc.ListByOwner(ctx, ""); !xerrors.HasCode(err, transaction.CodeValidation) {
		t.Fatalf("expected validation error for empty owner, got %v", err)
	}
}

func TestEventsReachMemoryBus(t *testing.T) {
	bus := events.NewMemoryBus(64)
	t.Cleanup(func() { _ = bus.Close() })
	f := newFixture(t, WithPublisher(bus))

	received := make(chan events.Event, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = bus.Consume(ctx, 1, func(_ context.Context, event events.Event) error {
			received <- event
			return nil
		})
	}()

	id := f.create(t, "yield")
	select {
	case event := <-received:
		if event.Type != events.TypeCreated || event.TransactionID != id {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
}

// cancellingExecutor 在外部调用进行中取消交易，随后仍返回成功结果。
type cancellingExecutor struct {
	*web3.SimulatedExecutor
	svc   *Service
	phase transaction.Phase
}

func (c *cancellingExecutor) cancelDuring(ctx context.Context, phase transaction.Phase, id string) {
	if c.phase != phase {
		return
	}
	if _, err := c.svc.Cancel(ctx, id, "user aborted"); err != nil {
		panic(err)
	}
}

func (c *cancellingExecutor) SubmitRequest(ctx context.Context, req web3.MechRequest) (string, error) {
	c.cancelDuring(ctx, transaction.PhaseRequest, req.TransactionID)
	return c.SimulatedExecutor.SubmitRequest(ctx, req)
}

func (c *cancellingExecutor) ExecutePayment(ctx context.Context, req web3.PaymentRequest) (string, error) {
	c.cancelDuring(ctx, transaction.PhasePayment, req.TransactionID)
	return c.SimulatedExecutor.ExecutePayment(ctx, req)
}

func (c *cancellingExecutor) StartExecution(ctx context.Context, req web3.ExecutionRequest) (web3.ExecutionTicket, error) {
	c.cancelDuring(ctx, transaction.PhaseExecution, req.TransactionID)
	return c.SimulatedExecutor.StartExecution(ctx, req)
}

func TestCancelDuringExternalCallKeepsSettledResult(t *testing.T) {
	ctx := context.Background()

	t.Run("payment", func(t *testing.T) {
		exec := &cancellingExecutor{SimulatedExecutor: web3.NewSimulatedExecutor(), phase: transaction.PhasePayment}
		f := newFixture(t, WithExecutor(exec))
		exec.svc = f.svc
		id := f.create(t, "yield")
		if _, err := f.svc.SubmitRequest(ctx, id); err != nil {
			t.Fatalf("request: %v", err)
		}

		hash, err := f.svc.ExecutePayment(ctx, id, PaymentInput{})
		if !xerrors.HasCode(err, transaction.CodeSettledAfterCancel) {
			t.Fatalf("expected settled-after-cancel error, got %v", err)
		}
		if !xerrors.ShouldAlert(err) {
			t.Fatalf("settled-after-cancel must alert")
		}
		if !web3.IsHash(hash) {
			t.Fatalf("settled hash should be returned, got %q", hash)
		}
		stored, err := f.repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.PaymentTxHash != hash {
			t.Fatalf("payment hash not recorded: %q", stored.PaymentTxHash)
		}
		state := stored.State(transaction.PhasePayment)
		if state.Status != transaction.PhaseFailed || state.Details["settled_tx_hash"] != hash || state.Details["reason"] != "cancelled" {
			t.Fatalf("unexpected payment state %+v", state)
		}
		if f.alerts.count() != 1 {
			t.Fatalf("expected one alert, got %d", f.alerts.count())
		}
	})

	t.Run("request", func(t *testing.T) {
		exec := &cancellingExecutor{SimulatedExecutor: web3.NewSimulatedExecutor(), phase: transaction.PhaseRequest}
		f := newFixture(t, WithExecutor(exec))
		exec.svc = f.svc
		id := f.create(t, "yield")

		hash, err := f.svc.SubmitRequest(ctx, id)
		if !xerrors.HasCode(err, transaction.CodeSettledAfterCancel) {
			t.Fatalf("expected settled-after-cancel error, got %v", err)
		}
		stored, _ := f.repo.Get(ctx, id)
		if stored.RequestTxHash != hash || stored.State(transaction.PhaseRequest).Details["settled_tx_hash"] != hash {
			t.Fatalf("request hash not recorded: %+v", stored.State(transaction.PhaseRequest))
		}
	})

	t.Run("execution", func(t *testing.T) {
		exec := &cancellingExecutor{SimulatedExecutor: web3.NewSimulatedExecutor(), phase: transaction.PhaseExecution}
		f := newFixture(t, WithExecutor(exec))
		exec.svc = f.svc
		id := f.create(t, "yield")
		if _, err := f.svc.SubmitRequest(ctx, id); err != nil {
			t.Fatalf("request: %v", err)
		}
		if _, err := f.svc.ExecutePayment(ctx, id, PaymentInput{}); err != nil {
			t.Fatalf("payment: %v", err)
		}

		ticket, err := f.svc.StartExecution(ctx, id, ExecutionInput{})
		if !xerrors.HasCode(err, transaction.CodeSettledAfterCancel) {
			t.Fatalf("expected settled-after-cancel error, got %v", err)
		}
		stored, _ := f.repo.Get(ctx, id)
		state := stored.State(transaction.PhaseExecution)
		if state.Details["settled_request_id"] != ticket.RequestID || ticket.RequestID == "" {
			t.Fatalf("ticket not recorded: %+v", state)
		}
		if stored.ExecutionInfo != nil {
			t.Fatalf("cancelled execution must not be advanced by polling")
		}
	})
}

// blockingPublisher 在 ctx 结束前一直阻塞，模拟积压的队列。
type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _ events.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingPublisher) Close() error { return nil }

func TestStalledPublisherDoesNotBlockOperations(t *testing.T) {
	previous := publishTimeout
	publishTimeout = 20 * time.Millisecond
	t.Cleanup(func() { publishTimeout = previous })

	f := newFixture(t, WithPublisher(blockingPublisher{}))
	type created struct {
		id  string
		err error
	}
	done := make(chan created, 1)
	go func() {
		id, err := f.svc.CreateTransaction(context.Background(), CreateInput{
			Owner:     "0xOwner",
			Prompt:    "yield",
			Services:  []transaction.Service{{ID: "1722", Cost: 5}},
			TotalCost: 5,
		})
		done <- created{id, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("create: %v", res.err)
		}
		if _, err := f.repo.Get(context.Background(), res.id); err != nil {
			t.Fatalf("transaction not stored: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("create blocked on a stalled publisher")
	}
}

// flakyStore 让指定序号区间内的 Update 调用失败。
type flakyStore struct {
	transaction.Store
	mu        sync.Mutex
	updates   int
	failFrom  int
	failUntil int
}

func (s *flakyStore) failNext(skip, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFrom = s.updates + skip + 1
	s.failUntil = s.failFrom + count
}

func (s *flakyStore) Update(ctx context.Context, id string, mutate transaction.MutateFunc) (*transaction.Transaction, error) {
	s.mu.Lock()
	s.updates++
	fail := s.updates >= s.failFrom && s.updates < s.failUntil
	s.mu.Unlock()
	if fail {
		return nil, errors.New("disk full")
	}
	return s.Store.Update(ctx, id, mutate)
}

func TestVerifyFinalizeFailureMarksVerificationFailed(t *testing.T) {
	cases := []struct {
		name       string
		failures   int
		wantStatus transaction.PhaseStatus
	}{
		{"failure recorded", 1, transaction.PhaseFailed},
		{"recording also fails", 2, transaction.PhaseInProgress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := &flakyStore{Store: transaction.NewMemoryStore()}
			repo := transaction.NewRepository(store)
			sim, err := simulator.New(simulator.Config{})
			if err != nil {
				t.Fatalf("simulator: %v", err)
			}
			pub := &recordingPublisher{}
			svc, err := New(repo, sim, WithPublisher(pub))
			if err != nil {
				t.Fatalf("lifecycle: %v", err)
			}
			id, err := svc.CreateTransaction(ctx, CreateInput{
				Owner:     "0xOwner",
				Prompt:    "yield",
				Services:  []transaction.Service{{ID: "1722", Cost: 5}},
				TotalCost: 5,
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := svc.SubmitRequest(ctx, id); err != nil {
				t.Fatalf("request: %v", err)
			}
			if _, err := svc.ExecutePayment(ctx, id, PaymentInput{}); err != nil {
				t.Fatalf("payment: %v", err)
			}
			if _, err := svc.StartExecution(ctx, id, ExecutionInput{}); err != nil {
				t.Fatalf("execution: %v", err)
			}

			// 第一次 Update 把 verification 置为 in_progress，之后的写入失败。
			store.failNext(1, tc.failures)
			if _, err := svc.VerifyResults(ctx, id, VerifyInput{}); !xerrors.HasCode(err, transaction.CodeInternal) {
				t.Fatalf("expected internal error, got %v", err)
			}
			stored, err := repo.Get(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got := stored.StatusOf(transaction.PhaseVerification); got != tc.wantStatus {
				t.Fatalf("expected verification %s, got %s", tc.wantStatus, got)
			}

			published := false
			pub.mu.Lock()
			for _, e := range pub.events {
				if e.Phase == string(transaction.PhaseVerification) && e.Status == string(transaction.PhaseFailed) {
					published = true
				}
			}
			pub.mu.Unlock()
			if published != (tc.wantStatus == transaction.PhaseFailed) {
				t.Fatalf("verification failure event published=%v", published)
			}
		})
	}
}
