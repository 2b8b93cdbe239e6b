package cascade_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/aurelia-voice/aurelia/internal/cascade"
	"github.com/aurelia-voice/aurelia/internal/observe"
	"github.com/aurelia-voice/aurelia/pkg/provider/llm"
	"github.com/aurelia-voice/aurelia/pkg/provider/llm/mock"
)

// gateFunc adapts a function to cascade.Gate.
type gateFunc func(ctx context.Context, clientID, class string) bool

func (f gateFunc) Allow(ctx context.Context, clientID, class string) bool {
	return f(ctx, clientID, class)
}

var allowAll = gateFunc(func(context.Context, string, string) bool { return true })

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newRouter(t *testing.T, tiers []cascade.Tier, gate cascade.Gate, opts ...cascade.Option) *cascade.Router {
	t.Helper()
	opts = append(opts, cascade.WithMetrics(testMetrics(t)))
	r, err := cascade.New(tiers, gate, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestFirstSuccessWins(t *testing.T) {
	t.Parallel()

	fast := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "The pool opens at 8am."}}
	slow := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "unused"}}

	r := newRouter(t, []cascade.Tier{
		{Name: "fast", Priority: 1, CostClass: cascade.CostPaid, Provider: fast},
		{Name: "slow", Priority: 2, CostClass: cascade.CostLocal, Provider: slow},
	}, allowAll)

	res, err := r.Resolve(context.Background(), cascade.Request{
		ClientID: "guest-1", Role: "concierge", Input: "when does the pool open",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Text != "The pool opens at 8am." || res.Tier != "fast" {
		t.Fatalf("result = %+v", res)
	}
	if len(slow.Calls()) != 0 {
		t.Fatal("lower-priority tier was invoked after a success")
	}
}

func TestFailureFallsThrough(t *testing.T) {
	t.Parallel()

	broken := &mock.Provider{CompleteErr: errors.New("upstream 500")}
	backup := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Backup answer."}}

	r := newRouter(t, []cascade.Tier{
		{Name: "primary", Priority: 1, CostClass: cascade.CostPaid, Provider: broken},
		{Name: "backup", Priority: 2, CostClass: cascade.CostLocal, Provider: backup},
	}, allowAll)

	res, err := r.Resolve(context.Background(), cascade.Request{
		ClientID: "guest-1", Role: "concierge", Input: "is the spa open today",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != "backup" {
		t.Fatalf("result tier = %q, want backup", res.Tier)
	}
}

func TestRateLimitedTierIsSkippedNotInvoked(t *testing.T) {
	t.Parallel()

	paid := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "expensive"}}
	local := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "local answer"}}

	gate := gateFunc(func(_ context.Context, _, class string) bool {
		return class != "paid"
	})

	r := newRouter(t, []cascade.Tier{
		{Name: "gpt", Priority: 1, CostClass: cascade.CostPaid, Provider: paid},
		{Name: "llama", Priority: 2, CostClass: cascade.CostLocal, Provider: local},
	}, gate)

	res, err := r.Resolve(context.Background(), cascade.Request{
		ClientID: "guest-1", Role: "concierge", Input: "what restaurants are nearby",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != "llama" {
		t.Fatalf("result tier = %q, want llama", res.Tier)
	}
	if len(paid.Calls()) != 0 {
		t.Fatal("rate-limited tier was still invoked")
	}
}

func TestTierTimeoutFailsOnlyThatTier(t *testing.T) {
	t.Parallel()

	hung := &mock.Provider{}
	release := hung.Block()
	defer release()
	backup := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Backup answer."}}

	r := newRouter(t, []cascade.Tier{
		{Name: "hung", Priority: 1, CostClass: cascade.CostPaid, Timeout: 20 * time.Millisecond, Provider: hung},
		{Name: "backup", Priority: 2, CostClass: cascade.CostLocal, Provider: backup},
	}, allowAll)

	res, err := r.Resolve(context.Background(), cascade.Request{
		ClientID: "guest-1", Role: "concierge", Input: "can i book a table for tonight",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != "backup" {
		t.Fatalf("result tier = %q, want backup", res.Tier)
	}
}

func TestAllTiersFailedCarriesPerTierReasons(t *testing.T) {
	t.Parallel()

	broken := &mock.Provider{CompleteErr: errors.New("upstream 500")}
	empty := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "   "}}

	gate := gateFunc(func(_ context.Context, _, class string) bool {
		return class != "paid"
	})

	r := newRouter(t, []cascade.Tier{
		{Name: "gpt", Priority: 1, CostClass: cascade.CostPaid, Provider: broken},
		{Name: "llama", Priority: 2, CostClass: cascade.CostLocal, Provider: broken},
		{Name: "canned", Priority: 3, CostClass: cascade.CostFree, Provider: empty},
	}, gate)

	_, err := r.Resolve(context.Background(), cascade.Request{
		ClientID: "guest-1", Role: "concierge", Input: "tell me about the city",
	})

	var all *cascade.AllTiersFailedError
	if !errors.As(err, &all) {
		t.Fatalf("error = %v, want AllTiersFailedError", err)
	}
	if len(all.Failures) != 3 {
		t.Fatalf("failures = %d, want 3", len(all.Failures))
	}
	if all.Failures[0].Tier != "gpt" || all.Failures[0].Reason != "rate limited" {
		t.Fatalf("failure[0] = %+v", all.Failures[0])
	}
	if all.Failures[1].Tier != "llama" || !strings.Contains(all.Failures[1].Reason, "upstream 500") {
		t.Fatalf("failure[1] = %+v", all.Failures[1])
	}
	if all.Failures[2].Tier != "canned" || all.Failures[2].Reason != "empty response" {
		t.Fatalf("failure[2] = %+v", all.Failures[2])
	}
}

func TestCancelledContextAbortsWalk(t *testing.T) {
	t.Parallel()

	hung := &mock.Provider{}
	release := hung.Block()
	defer release()
	backup := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "never"}}

	r := newRouter(t, []cascade.Tier{
		{Name: "hung", Priority: 1, CostClass: cascade.CostPaid, Timeout: time.Minute, Provider: hung},
		{Name: "backup", Priority: 2, CostClass: cascade.CostLocal, Provider: backup},
	}, allowAll)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Resolve(ctx, cascade.Request{
		ClientID: "guest-1", Role: "concierge", Input: "anything",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(backup.Calls()) != 0 {
		t.Fatal("walk continued past a cancelled context")
	}
}

func TestTiersWalkInPriorityOrder(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	r := newRouter(t, []cascade.Tier{
		{Name: "third", Priority: 30, CostClass: cascade.CostFree, Provider: p},
		{Name: "first", Priority: 1, CostClass: cascade.CostPaid, Provider: p},
		{Name: "second", Priority: 2, CostClass: cascade.CostLocal, Provider: p},
	}, allowAll)

	got := r.Tiers()
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tier order = %v, want %v", got, want)
		}
	}
}

func TestSystemPromptFollowsRole(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	r := newRouter(t,
		[]cascade.Tier{{Name: "only", Priority: 1, CostClass: cascade.CostLocal, Provider: p}},
		allowAll,
		cascade.WithRolePrompts(map[string]string{"concierge": "You are the hotel concierge."}),
	)

	_, err := r.Resolve(context.Background(), cascade.Request{
		ClientID: "guest-1", Role: "concierge", Input: "hello there",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].SystemPrompt != "You are the hotel concierge." {
		t.Fatalf("system prompt = %q", calls[0].SystemPrompt)
	}
	if len(calls[0].Messages) != 1 || calls[0].Messages[0].Content != "hello there" {
		t.Fatalf("messages = %+v", calls[0].Messages)
	}
}

func TestNewRejectsBadTierLists(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	cases := []struct {
		name  string
		tiers []cascade.Tier
	}{
		{"empty", nil},
		{"unnamed", []cascade.Tier{{CostClass: cascade.CostFree, Provider: p}}},
		{"duplicate", []cascade.Tier{
			{Name: "a", CostClass: cascade.CostFree, Provider: p},
			{Name: "a", CostClass: cascade.CostFree, Provider: p},
		}},
		{"nil provider", []cascade.Tier{{Name: "a", CostClass: cascade.CostFree}}},
		{"bad class", []cascade.Tier{{Name: "a", CostClass: "gold", Provider: p}}},
	}

	for _, tc := range cases {
		if _, err := cascade.New(tc.tiers, allowAll); err == nil {
			t.Errorf("%s: New accepted an invalid tier list", tc.name)
		}
	}
}
