package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/crew/internal/backend"
	"github.com/ShayCichocki/crew/internal/cost"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testConfig disables performance demotion so tests control ranking through scores only.
func testConfig(s Strategy) Config {
	return Config{
		Strategy:         s,
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
		MaxFallbacks:     3,
	}
}

func localMock(model string) *backend.MockBackend {
	return backend.NewMockBackend(backend.Profile{Provider: "ollama", Model: model, IsLocal: true})
}

func paidMock(model string) *backend.MockBackend {
	return backend.NewMockBackend(backend.Profile{Provider: "anthropic", Model: model, InputPer1K: 0.003, OutputPer1K: 0.015})
}

func mustRegister(t *testing.T, r *Router, bs ...backend.Backend) {
	t.Helper()
	for _, b := range bs {
		if err := r.Register(b); err != nil {
			t.Fatalf("Register(%s) error = %v", b.Profile().Key(), err)
		}
	}
}

var hello = []backend.Message{backend.User("hello")}

func TestRoute_LocalFirstSelectsLocal(t *testing.T) {
	r := New(testConfig(StrategyLocalFirst))
	local := localMock("llama3")
	paid := paidMock("claude-opus-4-1-20250805")
	mustRegister(t, r, paid, local)

	resp, d, err := r.Route(context.Background(), hello, Hint{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if d.Key() != "ollama/llama3" {
		t.Errorf("Route() chose %s, want ollama/llama3", d.Key())
	}
	if resp.Cost != 0 {
		t.Errorf("local response cost = %v, want 0", resp.Cost)
	}
	if paid.Calls() != 0 {
		t.Errorf("paid backend called %d times, want 0", paid.Calls())
	}
	if len(d.Alternatives) != 1 || d.Alternatives[0] != "anthropic/claude-opus-4-1-20250805" {
		t.Errorf("Alternatives = %v", d.Alternatives)
	}
}

func TestRoute_StrategyOverride(t *testing.T) {
	r := New(testConfig(StrategyLocalFirst))
	mustRegister(t, r, localMock("llama3"), paidMock("claude-opus-4-1-20250805"))

	d, err := r.Select(hello, Hint{Strategy: StrategyPerformanceOptimized})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if d.Provider != "anthropic" {
		t.Errorf("Select() with performance override chose %s", d.Key())
	}
	if d.Strategy != StrategyPerformanceOptimized {
		t.Errorf("Decision.Strategy = %s", d.Strategy)
	}
}

func TestRoute_FallbackOnFailure(t *testing.T) {
	r := New(testConfig(StrategyCostOptimized))
	primary := localMock("llama3").FailNext(1, errors.New("connection refused"))
	secondary := paidMock("claude-sonnet-4")
	mustRegister(t, r, primary, secondary)

	resp, d, err := r.Route(context.Background(), hello, Hint{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if d.Key() != "anthropic/claude-sonnet-4" {
		t.Errorf("Route() chose %s, want fallback", d.Key())
	}
	if !strings.Contains(d.Reason, "fallback") {
		t.Errorf("Reason = %q, want mention of fallback", d.Reason)
	}
	if len(d.Attempts) != 2 || d.Attempts[0].Outcome != AttemptFailed || d.Attempts[1].Outcome != AttemptSucceeded {
		t.Errorf("Attempts = %+v", d.Attempts)
	}
	if got := r.Ledger().SpentBy("anthropic/claude-sonnet-4"); got != resp.Cost {
		t.Errorf("ledger spend = %v, want %v", got, resp.Cost)
	}

	st, _ := r.Status("ollama/llama3")
	if !approx(st.Metrics.SuccessRate, 0.9) || !approx(st.Metrics.ErrorRate, 0.1) {
		t.Errorf("failed backend metrics = %+v", st.Metrics)
	}
	if st.Circuit.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1", st.Circuit.FailureCount)
	}
}

func TestRoute_AllExhausted(t *testing.T) {
	r := New(testConfig(StrategyBalanced))
	boom := errors.New("boom")
	var mocks []*backend.MockBackend
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		mb := localMock(m).FailNext(1, boom)
		mocks = append(mocks, mb)
		mustRegister(t, r, mb)
	}

	_, _, err := r.Route(context.Background(), hello, Hint{})
	if !errors.Is(err, ErrAllBackendsExhausted) {
		t.Fatalf("Route() error = %v, want ErrAllBackendsExhausted", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Route() error should carry the last failure: %v", err)
	}

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error is not *ExhaustedError")
	}
	if len(ex.Attempts) != 4 {
		t.Errorf("len(Attempts) = %d, want 4 (primary + 3 fallbacks)", len(ex.Attempts))
	}

	called := 0
	for _, m := range mocks {
		called += m.Calls()
	}
	if called != 4 {
		t.Errorf("backends called %d times, want 4", called)
	}
}

func TestRoute_CostGateDailyLimit(t *testing.T) {
	cfg := testConfig(StrategyCostOptimized)
	cfg.DailyLimit = 10
	r := New(cfg)

	// Complexity 1 estimates 500 tokens, so these rates project about $1.00.
	pricey := backend.NewMockBackend(backend.Profile{Provider: "pricey", Model: "big", InputPer1K: 2, OutputPer1K: 2})
	mustRegister(t, r, pricey)
	r.Ledger().Record("earlier", 9.5)

	_, _, err := r.Route(context.Background(), hello, Hint{})
	if !errors.Is(err, ErrCostLimitExceeded) {
		t.Fatalf("Route() error = %v, want ErrCostLimitExceeded", err)
	}
	if pricey.Calls() != 0 {
		t.Error("gated backend must not be called")
	}

	local := localMock("llama3")
	mustRegister(t, r, local)
	_, d, err := r.Route(context.Background(), hello, Hint{Strategy: StrategyBalanced})
	if err != nil {
		t.Fatalf("Route() with free fallback error = %v", err)
	}
	if d.Key() != "ollama/llama3" {
		t.Errorf("Route() chose %s, want the free backend", d.Key())
	}
}

func TestRoute_ConcurrentCallsShareDailyLimit(t *testing.T) {
	cfg := testConfig(StrategyCostOptimized)
	cfg.DailyLimit = 10
	r := New(cfg)

	// About $1.00 per call, so only one fits in the remaining $1.50.
	pricey := backend.NewMockBackend(backend.Profile{Provider: "pricey", Model: "big", InputPer1K: 2, OutputPer1K: 2}).
		SetDelay(100 * time.Millisecond)
	mustRegister(t, r, pricey)
	r.Ledger().Record("earlier", 8.5)

	first := make(chan error, 1)
	go func() {
		_, _, err := r.Route(context.Background(), hello, Hint{})
		first <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pricey.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first Route never reached the backend")
		}
		time.Sleep(time.Millisecond)
	}

	_, _, err := r.Route(context.Background(), hello, Hint{})
	if !errors.Is(err, ErrCostLimitExceeded) {
		t.Errorf("second Route() while first in flight error = %v, want ErrCostLimitExceeded", err)
	}
	if err := <-first; err != nil {
		t.Errorf("first Route() error = %v", err)
	}
	if pricey.Calls() != 1 {
		t.Errorf("backend called %d times, want 1", pricey.Calls())
	}
	if got := r.Ledger().Reserved(); got != 0 {
		t.Errorf("Reserved() after both calls = %v, want 0", got)
	}
}

func TestRoute_FailedCallReleasesReservation(t *testing.T) {
	cfg := testConfig(StrategyCostOptimized)
	cfg.DailyLimit = 10
	r := New(cfg)

	pricey := backend.NewMockBackend(backend.Profile{Provider: "pricey", Model: "big", InputPer1K: 2, OutputPer1K: 2}).
		FailNext(1, errors.New("boom"))
	mustRegister(t, r, pricey)

	if _, _, err := r.Route(context.Background(), hello, Hint{}); err == nil {
		t.Fatal("Route() error = nil, want failure")
	}
	if got := r.Ledger().Reserved(); got != 0 {
		t.Errorf("Reserved() after failed call = %v, want 0", got)
	}
	if got := r.Ledger().SpentToday(); got != 0 {
		t.Errorf("SpentToday() after failed call = %v, want 0", got)
	}
}

func TestRoute_CostGatePerTask(t *testing.T) {
	cfg := testConfig(StrategyBalanced)
	cfg.PerTaskLimit = 0.001
	r := New(cfg)
	mustRegister(t, r, paidMock("claude-sonnet-4"))

	_, _, err := r.Route(context.Background(), hello, Hint{})
	if !errors.Is(err, ErrCostLimitExceeded) {
		t.Errorf("Route() error = %v, want ErrCostLimitExceeded", err)
	}
}

func TestRoute_CircuitBreaker(t *testing.T) {
	clock := newTestClock()
	r := New(testConfig(StrategyCostOptimized), WithClock(clock.Now))
	flaky := localMock("llama3").FailNext(100, errors.New("down"))
	stable := paidMock("claude-sonnet-4")
	mustRegister(t, r, flaky, stable)

	for i := 0; i < 5; i++ {
		if _, _, err := r.Route(context.Background(), hello, Hint{}); err != nil {
			t.Fatalf("Route() #%d error = %v", i, err)
		}
	}
	if flaky.Calls() != 5 {
		t.Fatalf("flaky called %d times, want 5", flaky.Calls())
	}

	st, _ := r.Status("ollama/llama3")
	if !st.Circuit.IsOpen {
		t.Fatal("circuit should be open after 5 consecutive failures")
	}

	clock.Advance(4 * time.Minute)
	_, d, err := r.Route(context.Background(), hello, Hint{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if flaky.Calls() != 5 {
		t.Error("open circuit backend was called before cooldown")
	}
	if d.Attempts[0].Outcome != AttemptSkipped || d.Attempts[0].Backend != "ollama/llama3" {
		t.Errorf("Attempts[0] = %+v, want skipped flaky backend", d.Attempts[0])
	}

	clock.Advance(time.Minute)
	if _, _, err := r.Route(context.Background(), hello, Hint{}); err != nil {
		t.Fatalf("Route() after cooldown error = %v", err)
	}
	if flaky.Calls() != 6 {
		t.Errorf("flaky called %d times after cooldown, want 6", flaky.Calls())
	}
}

func TestRoute_SuccessResetsCircuit(t *testing.T) {
	r := New(testConfig(StrategyBalanced))
	b := localMock("llama3").FailNext(3, errors.New("blip"))
	mustRegister(t, r, b)

	for i := 0; i < 3; i++ {
		r.Route(context.Background(), hello, Hint{})
	}
	if _, _, err := r.Route(context.Background(), hello, Hint{}); err != nil {
		t.Fatalf("Route() error = %v", err)
	}

	st, _ := r.Status("ollama/llama3")
	if st.Circuit.FailureCount != 0 || st.Circuit.IsOpen {
		t.Errorf("circuit after success = %+v, want reset", st.Circuit)
	}
	if st.Metrics.TotalRequests != 4 {
		t.Errorf("TotalRequests = %d, want 4", st.Metrics.TotalRequests)
	}
}

func TestRoute_SetAvailable(t *testing.T) {
	r := New(testConfig(StrategyBalanced))
	mustRegister(t, r, localMock("llama3"))

	if err := r.SetAvailable("ollama/llama3", false); err != nil {
		t.Fatal(err)
	}
	if r.Selectable() != 0 {
		t.Errorf("Selectable() = %d, want 0", r.Selectable())
	}
	_, _, err := r.Route(context.Background(), hello, Hint{})
	if !errors.Is(err, ErrBackendUnavailable) || !IsExhausted(err) {
		t.Errorf("Route() error = %v, want exhausted with unavailable", err)
	}

	if err := r.SetAvailable("missing/model", true); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("SetAvailable(missing) error = %v", err)
	}
}

func TestRoute_NoBackends(t *testing.T) {
	r := New(Config{})
	if _, _, err := r.Route(context.Background(), hello, Hint{}); !errors.Is(err, ErrNoBackends) {
		t.Errorf("Route() error = %v, want ErrNoBackends", err)
	}
}

func TestRoute_ContextCancelledStopsFallback(t *testing.T) {
	r := New(testConfig(StrategyCostOptimized))
	slow := localMock("llama3").SetDelay(time.Second)
	other := paidMock("claude-sonnet-4")
	mustRegister(t, r, slow, other)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := r.Route(ctx, hello, Hint{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Route() error = %v, want deadline exceeded", err)
	}
	if other.Calls() != 0 {
		t.Error("fallback should not run after the caller's context ended")
	}
}

func TestRoute_DemotesDegradedBackends(t *testing.T) {
	cfg := testConfig(StrategyCostOptimized)
	cfg.MinSuccessRate = 0.8
	cfg.FailureThreshold = 10
	r := New(cfg)
	flaky := localMock("llama3").FailNext(5, errors.New("blip"))
	mustRegister(t, r, flaky, paidMock("claude-sonnet-4"))

	for i := 0; i < 5; i++ {
		if _, _, err := r.Route(context.Background(), hello, Hint{}); err != nil {
			t.Fatalf("Route() #%d error = %v", i, err)
		}
	}

	d, err := r.Select(hello, Hint{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Provider != "anthropic" {
		t.Errorf("degraded backend was ranked first: %s", d.Key())
	}
}

func TestRouter_RegisterDuplicate(t *testing.T) {
	r := New(Config{})
	mustRegister(t, r, localMock("llama3"))
	if err := r.Register(localMock("llama3")); err == nil {
		t.Error("Register(duplicate) error = nil, want error")
	}
}

func TestRouter_SharedLedger(t *testing.T) {
	l := cost.NewLedger(100)
	r := New(testConfig(StrategyBalanced), WithLedger(l))
	mustRegister(t, r, paidMock("claude-sonnet-4"))

	resp, _, err := r.Route(context.Background(), hello, Hint{})
	if err != nil {
		t.Fatal(err)
	}
	if !approx(l.SpentToday(), resp.Cost) {
		t.Errorf("shared ledger spend = %v, want %v", l.SpentToday(), resp.Cost)
	}
}

func TestRoute_ConcurrentMetricsAreConsistent(t *testing.T) {
	r := New(testConfig(StrategyBalanced))
	b := localMock("llama3")
	mustRegister(t, r, b)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Route(context.Background(), hello, Hint{})
		}()
	}
	wg.Wait()

	st, _ := r.Status("ollama/llama3")
	if st.Metrics.TotalRequests != 40 {
		t.Errorf("TotalRequests = %d, want 40", st.Metrics.TotalRequests)
	}
}
