package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ollama/ollama/api"
	"github.com/raphaelgruber/moduleconv/internal/metrics"
	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider fails the first `failures` calls, then returns content.
type fakeProvider struct {
	name     string
	model    string
	content  string
	failures int
	chunks   []string
	// streamErrAfter ends the stream with an error after that many chunks; -1 disables.
	streamErrAfter int
	healthy        bool

	mu       sync.Mutex
	calls    int
	inflight int32
	maxSeen  int32
	hold     chan struct{}
}

func (p *fakeProvider) Name() string  { return p.name }
func (p *fakeProvider) Model() string { return p.model }

func (p *fakeProvider) Complete(ctx context.Context, req Request) (*ProviderResponse, error) {
	n := atomic.AddInt32(&p.inflight, 1)
	defer atomic.AddInt32(&p.inflight, -1)
	for {
		seen := atomic.LoadInt32(&p.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&p.maxSeen, seen, n) {
			break
		}
	}
	if p.hold != nil {
		select {
		case <-p.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()

	if call <= p.failures {
		return nil, &ProviderError{Provider: p.name, Message: fmt.Sprintf("transient failure %d", call), StatusCode: 503}
	}
	return &ProviderResponse{
		Content:          p.content,
		Model:            p.model,
		Provider:         p.name,
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
	}, nil
}

func (p *fakeProvider) Stream(ctx context.Context, req Request) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		p.mu.Lock()
		p.calls++
		p.mu.Unlock()
		for i, c := range p.chunks {
			if p.streamErrAfter >= 0 && i == p.streamErrAfter {
				yield(StreamChunk{}, &ProviderError{Provider: p.name, Message: "stream broke"})
				return
			}
			if !yield(StreamChunk{Content: c}, nil) {
				return
			}
		}
		if p.streamErrAfter >= len(p.chunks) {
			yield(StreamChunk{}, &ProviderError{Provider: p.name, Message: "stream broke"})
			return
		}
		yield(StreamChunk{IsFinal: true, FinishReason: "stop"}, nil)
	}
}

func (p *fakeProvider) ValidateConnection(context.Context) bool { return p.healthy }
func (p *fakeProvider) EstimateTokens(text string) int        { return EstimateTokens(text) }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// staticConfigs serves a fixed set of configurations.
type staticConfigs []models.ProviderConfiguration

func (s staticConfigs) ListProviderConfigs(context.Context) ([]models.ProviderConfiguration, error) {
	return s, nil
}

func (s staticConfigs) GetProviderConfig(_ context.Context, id string) (*models.ProviderConfiguration, error) {
	for _, c := range s {
		if c.ID == id {
			return &c, nil
		}
	}
	return nil, nil
}

type plainSecrets struct{}

func (plainSecrets) Decrypt(_ context.Context, s string) (string, error) { return s, nil }

// recordingTimer fires immediately and records every requested delay.
type recordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	t.c <- time.Now()
}

func (t *recordingTimer) Stop()               {}
func (t *recordingTimer) C() <-chan time.Time { return t.c }

func (t *recordingTimer) recorded() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

// testSetup registers one fake provider per configuration ID under its own kind.
func testSetup(t *testing.T, providers map[string]*fakeProvider, configs staticConfigs, opts ...Option) (*Orchestrator, *recordingTimer) {
	t.Helper()
	r := NewRegistry()
	for i := range configs {
		id := configs[i].ID
		p, ok := providers[id]
		require.True(t, ok, "missing provider for %s", id)
		kind := models.ProviderKind("fake-" + id)
		configs[i].Provider = kind
		r.Register(kind, func(ProviderOptions) (Provider, error) { return p, nil })
	}
	timer := newRecordingTimer()
	opts = append([]Option{WithTimer(func() backoff.Timer { return timer })}, opts...)
	return NewOrchestrator(configs, r, plainSecrets{}, opts...), timer
}

func userMessages(text string) []Message {
	return []Message{{Role: RoleUser, Content: text}}
}

func TestCompletePriorityOrder(t *testing.T) {
	primary := &fakeProvider{name: "primary", content: "from-10"}
	secondary := &fakeProvider{name: "secondary", content: "from-20"}
	o, _ := testSetup(t,
		map[string]*fakeProvider{"p10": primary, "p20": secondary},
		staticConfigs{
			{ID: "p20", Priority: 20, IsActive: true},
			{ID: "p10", Priority: 10, IsActive: true},
		})

	for range 3 {
		resp, err := o.Complete(context.Background(), CompleteRequest{Messages: userMessages("hi")})
		require.NoError(t, err)
		assert.Equal(t, "from-10", resp.Content)
		assert.Equal(t, "p10", resp.ConfigID)
	}
	assert.Equal(t, 3, primary.callCount())
	assert.Equal(t, 0, secondary.callCount())
}

func TestCompleteRetriesThenSucceeds(t *testing.T) {
	p := &fakeProvider{name: "flaky", content: "ok", failures: 2}
	o, timer := testSetup(t,
		map[string]*fakeProvider{"c1": p},
		staticConfigs{{ID: "c1", IsActive: true, MaxRetries: 3, RetryDelay: time.Second}})

	resp, err := o.Complete(context.Background(), CompleteRequest{Messages: userMessages("hi")})
	require.NoError(t, err)

	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, 3, p.callCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.recorded())
}

func TestCompleteNeverExceedsMaxRetries(t *testing.T) {
	p := &fakeProvider{name: "down", failures: 100}
	o, timer := testSetup(t,
		map[string]*fakeProvider{"c1": p},
		staticConfigs{{ID: "c1", IsActive: true, MaxRetries: 4, RetryDelay: 10 * time.Millisecond}})

	_, err := o.Complete(context.Background(), CompleteRequest{Messages: userMessages("hi")})
	require.Error(t, err)

	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Failures, 1)
	assert.Equal(t, "c1", all.Failures[0].ConfigID)

	var perr *ProviderError
	assert.ErrorAs(t, err, &perr)

	assert.Equal(t, 4, p.callCount())
	assert.Len(t, timer.recorded(), 3)
}

func TestCompleteFallsBackAfterExhaustion(t *testing.T) {
	first := &fakeProvider{name: "first", failures: 100}
	second := &fakeProvider{name: "second", failures: 100}
	third := &fakeProvider{name: "third", content: "third wins"}
	o, _ := testSetup(t,
		map[string]*fakeProvider{"a": first, "b": second, "c": third},
		staticConfigs{
			{ID: "a", Priority: 1, IsActive: true, MaxRetries: 2, RetryDelay: time.Millisecond},
			{ID: "b", Priority: 2, IsActive: true, MaxRetries: 2, RetryDelay: time.Millisecond},
			{ID: "c", Priority: 3, IsActive: true, MaxRetries: 2, RetryDelay: time.Millisecond},
		})

	resp, err := o.Complete(context.Background(), CompleteRequest{Messages: userMessages("hi")})
	require.NoError(t, err)

	assert.Equal(t, "third wins", resp.Content)
	assert.Equal(t, "c", resp.ConfigID)
	require.Len(t, resp.Fallbacks, 2)
	assert.Equal(t, "a", resp.Fallbacks[0].ConfigID)
	assert.Equal(t, "b", resp.Fallbacks[1].ConfigID)
	assert.Equal(t, 2, first.callCount())
	assert.Equal(t, 2, second.callCount())
}

func TestCompleteSkipsInactive(t *testing.T) {
	inactive := &fakeProvider{name: "off", content: "never"}
	active := &fakeProvider{name: "on", content: "yes"}
	o, _ := testSetup(t,
		map[string]*fakeProvider{"off": inactive, "on": active},
		staticConfigs{
			{ID: "off", Priority: 1, IsActive: false},
			{ID: "on", Priority: 5, IsActive: true},
		})

	resp, err := o.Complete(context.Background(), CompleteRequest{Messages: userMessages("hi")})
	require.NoError(t, err)
	assert.Equal(t, "yes", resp.Content)
	assert.Equal(t, 0, inactive.callCount())

	_, err = o.Complete(context.Background(), CompleteRequest{ConfigID: "off", Messages: userMessages("hi")})
	assert.ErrorIs(t, err, ErrNoConfigurations)

	_, err = o.Complete(context.Background(), CompleteRequest{ConfigID: "missing", Messages: userMessages("hi")})
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestCompleteNoConfigurations(t *testing.T) {
	o := NewOrchestrator(staticConfigs{}, NewRegistry(), plainSecrets{})
	_, err := o.Complete(context.Background(), CompleteRequest{Messages: userMessages("hi")})
	assert.ErrorIs(t, err, ErrNoConfigurations)
}

func TestCompleteUnsupportedKindNotRetried(t *testing.T) {
	timer := newRecordingTimer()
	o := NewOrchestrator(
		staticConfigs{{ID: "x", Provider: "watsonx", IsActive: true, MaxRetries: 5}},
		NewRegistry(), plainSecrets{},
		WithTimer(func() backoff.Timer { return timer }))

	_, err := o.Complete(context.Background(), CompleteRequest{Messages: userMessages("hi")})
	require.Error(t, err)

	var unsupported *UnsupportedProviderError
	assert.ErrorAs(t, err, &unsupported)
	assert.Empty(t, timer.recorded())
}

func TestCompleteCache(t *testing.T) {
	p := &fakeProvider{name: "cached", content: "once"}
	cache, err := NewMemoryCache(8)
	require.NoError(t, err)
	o, _ := testSetup(t,
		map[string]*fakeProvider{"c1": p},
		staticConfigs{{ID: "c1", IsActive: true}},
		WithCache(cache))

	req := CompleteRequest{Messages: userMessages("same"), Temperature: 0.3, UseCache: true}

	first, err := o.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := o.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "once", second.Content)
	assert.Equal(t, 1, p.callCount())

	req.Temperature = 0.7
	_, err = o.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, p.callCount(), "different temperature is a different key")

	require.NoError(t, o.ClearCache(context.Background()))
	assert.Equal(t, 0, cache.Len())

	req.Temperature = 0.3
	_, err = o.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, p.callCount())
}

func TestCompleteBoundsConcurrencyPerConfig(t *testing.T) {
	p := &fakeProvider{name: "slow", content: "ok", hold: make(chan struct{})}
	// 20 rpm gives two concurrent slots.
	o, _ := testSetup(t,
		map[string]*fakeProvider{"c1": p},
		staticConfigs{{ID: "c1", IsActive: true, RequestsPerMin: 20}})

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Complete(context.Background(), CompleteRequest{Messages: userMessages("hi")})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&p.inflight) == 2 }, time.Second, 5*time.Millisecond)
	close(p.hold)
	wg.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&p.maxSeen))
	assert.Equal(t, 6, p.callCount())
}

func TestCompleteRecordsMetrics(t *testing.T) {
	p := &fakeProvider{name: "m", content: "ok", failures: 1}
	mc := metrics.NewCollector(nil)
	o, _ := testSetup(t,
		map[string]*fakeProvider{"c1": p},
		staticConfigs{{ID: "c1", IsActive: true, MaxRetries: 2, RetryDelay: time.Millisecond}},
		WithMetrics(mc))

	_, err := o.Complete(context.Background(), CompleteRequest{Messages: userMessages("hi")})
	require.NoError(t, err)

	snap := mc.Snapshot()
	assert.Equal(t, int64(1), snap.ProviderCalls["fake-c1"][metrics.OutcomeError])
	assert.Equal(t, int64(1), snap.ProviderCalls["fake-c1"][metrics.OutcomeSuccess])
	require.NotNil(t, snap.LLMGenerate)
	assert.Equal(t, int64(1), snap.LLMGenerate.Count)
}

func TestCompleteStopsOnCancelledContext(t *testing.T) {
	p := &fakeProvider{name: "down", failures: 100}
	other := &fakeProvider{name: "other", content: "unused"}
	o := NewOrchestrator(
		staticConfigs{
			{ID: "a", Provider: "fake-a", Priority: 1, IsActive: true, MaxRetries: 3, RetryDelay: time.Hour},
			{ID: "b", Provider: "fake-b", Priority: 2, IsActive: true},
		},
		func() *Registry {
			r := NewRegistry()
			r.Register("fake-a", func(ProviderOptions) (Provider, error) { return p, nil })
			r.Register("fake-b", func(ProviderOptions) (Provider, error) { return other, nil })
			return r
		}(),
		plainSecrets{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := o.Complete(ctx, CompleteRequest{Messages: userMessages("hi")})
	require.Error(t, err)
	assert.Equal(t, 0, other.callCount())
}

func collectStream(t *testing.T, seq iter.Seq2[StreamChunk, error]) (string, error) {
	t.Helper()
	var out string
	for chunk, err := range seq {
		if err != nil {
			return out, err
		}
		out += chunk.Content
	}
	return out, nil
}

func TestStreamFallsBackBeforeFirstChunk(t *testing.T) {
	broken := &fakeProvider{name: "broken", chunks: []string{"x"}, streamErrAfter: 0}
	working := &fakeProvider{name: "working", chunks: []string{"he", "llo"}, streamErrAfter: -1}
	o, _ := testSetup(t,
		map[string]*fakeProvider{"a": broken, "b": working},
		staticConfigs{
			{ID: "a", Priority: 1, IsActive: true},
			{ID: "b", Priority: 2, IsActive: true},
		})

	out, err := collectStream(t, o.Stream(context.Background(), CompleteRequest{Messages: userMessages("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestStreamErrorAfterOutputIsTerminal(t *testing.T) {
	partial := &fakeProvider{name: "partial", chunks: []string{"he", "llo"}, streamErrAfter: 1}
	backup := &fakeProvider{name: "backup", chunks: []string{"unused"}, streamErrAfter: -1}
	o, _ := testSetup(t,
		map[string]*fakeProvider{"a": partial, "b": backup},
		staticConfigs{
			{ID: "a", Priority: 1, IsActive: true},
			{ID: "b", Priority: 2, IsActive: true},
		})

	out, err := collectStream(t, o.Stream(context.Background(), CompleteRequest{Messages: userMessages("hi")}))
	require.Error(t, err)
	assert.Equal(t, "he", out)
	assert.Equal(t, 0, backup.callCount())
}

func TestStreamAllFail(t *testing.T) {
	a := &fakeProvider{name: "a", chunks: []string{"x"}, streamErrAfter: 0}
	b := &fakeProvider{name: "b", chunks: []string{"x"}, streamErrAfter: 0}
	o, _ := testSetup(t,
		map[string]*fakeProvider{"a": a, "b": b},
		staticConfigs{
			{ID: "a", Priority: 1, IsActive: true},
			{ID: "b", Priority: 2, IsActive: true},
		})

	_, err := collectStream(t, o.Stream(context.Background(), CompleteRequest{Messages: userMessages("hi")}))
	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	assert.Len(t, all.Failures, 2)
}

func TestStreamEarlyStopDoesNotFallBack(t *testing.T) {
	first := &fakeProvider{name: "first", chunks: []string{"a", "b", "c"}, streamErrAfter: -1}
	second := &fakeProvider{name: "second", chunks: []string{"z"}, streamErrAfter: -1}
	o, _ := testSetup(t,
		map[string]*fakeProvider{"a": first, "b": second},
		staticConfigs{
			{ID: "a", Priority: 1, IsActive: true},
			{ID: "b", Priority: 2, IsActive: true},
		})

	for chunk, err := range o.Stream(context.Background(), CompleteRequest{Messages: userMessages("hi")}) {
		require.NoError(t, err)
		assert.Equal(t, "a", chunk.Content)
		break
	}
	assert.Equal(t, 0, second.callCount())
}

func TestTestConnectionAndDefault(t *testing.T) {
	healthy := &fakeProvider{name: "h", healthy: true}
	sick := &fakeProvider{name: "s", healthy: false}
	o, _ := testSetup(t,
		map[string]*fakeProvider{"h": healthy, "s": sick},
		staticConfigs{
			{ID: "h", IsActive: true, IsDefault: true},
			{ID: "s", IsActive: true},
		})

	ok, err := o.TestConnection(context.Background(), "h")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = o.TestConnection(context.Background(), "s")
	require.NoError(t, err)
	assert.False(t, ok)

	def, err := o.DefaultConfig(context.Background())
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, "h", def.ID)
}

func TestOllamaHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest","model":"llama3:latest"}]}`))
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	daemon := api.NewClient(base, srv.Client())

	assert.True(t, ollamaHasModel(context.Background(), daemon, "llama3"))
	assert.True(t, ollamaHasModel(context.Background(), daemon, "llama3:latest"))
	assert.False(t, ollamaHasModel(context.Background(), daemon, "mistral"))
}

func TestAllProvidersFailedErrorMessage(t *testing.T) {
	err := &AllProvidersFailedError{Failures: []ProviderFailure{
		{Provider: "openai", ConfigID: "a", Err: errors.New("boom")},
		{Provider: "anthropic", ConfigID: "b", Err: errors.New("bust")},
	}}
	assert.Equal(t, "all providers failed: openai: boom; anthropic: bust", err.Error())
}
