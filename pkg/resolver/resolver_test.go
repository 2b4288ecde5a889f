package resolver

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizcraft/quizcraft/pkg/cache/sqlite"
	"github.com/quizcraft/quizcraft/pkg/llm"
	"github.com/quizcraft/quizcraft/pkg/models"
	"github.com/quizcraft/quizcraft/pkg/tokens"
)

type callFunc func(ctx context.Context, n int, req models.Request) (*models.Completion, error)

type fakeClient struct {
	mu    sync.Mutex
	calls int
	reqs  []models.Request
	fn    callFunc
}

func (f *fakeClient) Call(ctx context.Context, req models.Request) (*models.Completion, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.fn == nil {
		return answer(req), nil
	}
	return f.fn(ctx, n, req)
}

func (f *fakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) LastRequest() models.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func answer(req models.Request) *models.Completion {
	return &models.Completion{
		ID:         "msg_" + req.ID,
		Model:      req.Params.Model,
		Text:       `{"questions":[{"q":"What is ATP?"}]}`,
		Structured: []byte(`{"questions":[{"q":"What is ATP?"}]}`),
		Usage:      models.Usage{InputUnits: 40, OutputUnits: 12},
	}
}

// memCache is an in-memory Cache with failure injection.
type memCache struct {
	mu            sync.Mutex
	data          map[models.Fingerprint][]byte
	putErr        error
	invalidations int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[models.Fingerprint][]byte)}
}

func (m *memCache) Get(_ context.Context, fp models.Fingerprint) (*models.CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[fp]
	if !ok {
		return nil, false
	}
	return &models.CacheEntry{Fingerprint: fp, Response: data, SizeBytes: int64(len(data))}, true
}

func (m *memCache) Put(_ context.Context, fp models.Fingerprint, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.data[fp] = append([]byte(nil), response...)
	return nil
}

func (m *memCache) Invalidate(_ context.Context, fp models.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidations++
	delete(m.data, fp)
	return nil
}

type fakeLedger struct {
	mu      sync.Mutex
	records []models.UsageRecord
}

func (l *fakeLedger) Record(_ context.Context, rec models.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	states map[models.ResolveState]int
	units  int
}

func (r *fakeRecorder) RecordResolution(s models.ResolveState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = make(map[models.ResolveState]int)
	}
	r.states[s]++
}

func (r *fakeRecorder) RecordUsage(_ string, u models.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units += u.Total()
}

var defaultBudget = models.TokenBudget{MaxInputUnits: 1000, MaxOutputUnits: 500}

func newSQLiteCache(t *testing.T) *sqlite.Cache {
	t.Helper()
	c, err := sqlite.New(filepath.Join(t.TempDir(), "resolver.db"), sqlite.Options{CapacityBytes: 1 << 20, TTL: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var (
	testPayload = models.Payload{
		System: "Generate multiple choice questions as JSON.",
		Text:   "Mitochondria produce ATP.\n\nATP stores energy.",
	}
	testParams = models.Params{Model: "claude-3-haiku", Temperature: 0.7}
)

func TestResolveIdempotent(t *testing.T) {
	client := &fakeClient{}
	r := New(client, Options{Budget: defaultBudget, Cache: newSQLiteCache(t)})
	ctx := context.Background()

	first, err := r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)
	assert.True(t, second.FromCache)

	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, string(first.Structured), string(second.Structured))
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.Usage, second.Usage)
}

func TestResolveNormalizedPayloadHitsCache(t *testing.T) {
	client := &fakeClient{}
	r := New(client, Options{Budget: defaultBudget, Cache: newMemCache()})
	ctx := context.Background()

	_, err := r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)

	messy := models.Payload{
		System: "  Generate multiple choice questions as JSON.\r\n",
		Text:   "\n Mitochondria produce ATP.  \r\n\r\n\r\n ATP stores energy.\n\n",
	}
	comp, err := r.Resolve(ctx, messy, testParams)
	require.NoError(t, err)
	assert.True(t, comp.FromCache)
	assert.Equal(t, 1, client.Calls())
}

func TestResolveConcurrentDedup(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{fn: func(ctx context.Context, _ int, req models.Request) (*models.Completion, error) {
		select {
		case <-release:
			return answer(req), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	r := New(client, Options{Budget: defaultBudget, Cache: newSQLiteCache(t)})

	const callers = 20
	results := make([]*models.Completion, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), testPayload, testParams)
		}()
	}

	require.Eventually(t, func() bool { return client.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, client.Calls(), "identical concurrent requests share one remote call")
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, string(results[0].Structured), string(results[i].Structured))
	}
	// Every caller owns its copy.
	results[0].Structured[0] = 'X'
	assert.NotEqual(t, byte('X'), results[1].Structured[0])
}

func TestResolveDistinctRequestsNotShared(t *testing.T) {
	client := &fakeClient{}
	r := New(client, Options{Budget: defaultBudget, Cache: newMemCache()})
	ctx := context.Background()

	_, err := r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)

	hotter := testParams
	hotter.Temperature = 0.9
	_, err = r.Resolve(ctx, testPayload, hotter)
	require.NoError(t, err)

	_, err = r.Resolve(ctx, testPayload, testParams, WithPriority([]int{1, 0}))
	require.NoError(t, err)

	assert.Equal(t, 3, client.Calls())
}

func TestResolveFailureNotCached(t *testing.T) {
	client := &fakeClient{fn: func(_ context.Context, n int, req models.Request) (*models.Completion, error) {
		if n == 1 {
			return nil, &llm.PermanentServiceError{StatusCode: 401, Err: errors.New("bad key")}
		}
		return answer(req), nil
	}}
	cache := newMemCache()
	rec := &fakeRecorder{}
	r := New(client, Options{Budget: defaultBudget, Cache: cache, Metrics: rec})
	ctx := context.Background()

	_, err := r.Resolve(ctx, testPayload, testParams)
	var pe *llm.PermanentServiceError
	require.ErrorAs(t, err, &pe, "remote errors propagate unchanged")
	assert.Empty(t, cache.data)

	comp, err := r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)
	assert.False(t, comp.FromCache)
	assert.Equal(t, 2, client.Calls())
	assert.Equal(t, 1, rec.states[models.StateFailed])
	assert.Equal(t, 1, rec.states[models.StateCachedSuccess])
}

func TestResolveMalformedPropagates(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, int, models.Request) (*models.Completion, error) {
		return nil, &llm.MalformedResponseError{Passes: 2, Raw: "nope", Err: errors.New("no JSON")}
	}}
	cache := newMemCache()
	r := New(client, Options{Budget: defaultBudget, Cache: cache})

	_, err := r.Resolve(context.Background(), testPayload, testParams)
	var me *llm.MalformedResponseError
	require.ErrorAs(t, err, &me)
	assert.Empty(t, cache.data)
}

func TestResolveCacheWriteFailureSwallowed(t *testing.T) {
	client := &fakeClient{}
	cache := newMemCache()
	cache.putErr = &sqlite.IOError{Op: "put", Err: sqlite.ErrEntryTooLarge}
	r := New(client, Options{Budget: defaultBudget, Cache: cache})
	ctx := context.Background()

	comp, err := r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)
	require.NotNil(t, comp)

	_, err = r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)
	assert.Equal(t, 2, client.Calls(), "nothing was cached")
}

func TestResolveUndecodableEntryRecomputed(t *testing.T) {
	client := &fakeClient{}
	cache := newMemCache()
	r := New(client, Options{Budget: defaultBudget, Cache: cache})
	ctx := context.Background()

	_, err := r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)
	for fp := range cache.data {
		cache.data[fp] = []byte("not json")
	}

	comp, err := r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)
	assert.False(t, comp.FromCache)
	assert.Equal(t, 2, client.Calls())
	assert.Equal(t, 1, cache.invalidations)
}

func TestResolveTrimsToInputBudget(t *testing.T) {
	client := &fakeClient{}
	budget := models.TokenBudget{MaxInputUnits: 13, MaxOutputUnits: 100}
	r := New(client, Options{Budget: budget})

	payload := models.Payload{Text: "Alpha paragraph one.\n\nBeta paragraph two.\n\nGamma paragraph three."}
	_, err := r.Resolve(context.Background(), payload, testParams, WithPriority([]int{2, 0}))
	require.NoError(t, err)

	req := client.LastRequest()
	assert.Equal(t, "Alpha paragraph one.\n\nGamma paragraph three.", req.Prompt)
	assert.Equal(t, 100, req.Params.MaxOutputUnits, "unset output units take the budget maximum")
	assert.NotEmpty(t, req.ID)
}

func TestResolveSystemTextReducesRoom(t *testing.T) {
	client := &fakeClient{}
	// "Be brief." costs 3 units, leaving 10 for the text.
	budget := models.TokenBudget{MaxInputUnits: 13, MaxOutputUnits: 100}
	r := New(client, Options{Budget: budget})

	payload := models.Payload{System: "Be brief.", Text: "Alpha paragraph one.\n\nBeta paragraph two."}
	_, err := r.Resolve(context.Background(), payload, testParams)
	require.NoError(t, err)
	assert.Equal(t, "Alpha paragraph one.", client.LastRequest().Prompt)
	assert.Equal(t, "Be brief.", client.LastRequest().System)
}

func TestResolveBudgetExceededBeforeRemoteCall(t *testing.T) {
	tests := []struct {
		name    string
		budget  models.TokenBudget
		payload models.Payload
		params  models.Params
	}{
		{
			name:    "system text alone exceeds input budget",
			budget:  models.TokenBudget{MaxInputUnits: 5, MaxOutputUnits: 100},
			payload: models.Payload{System: strings.Repeat("instruction ", 20), Text: "short"},
			params:  testParams,
		},
		{
			name:    "unbreakable text",
			budget:  models.TokenBudget{MaxInputUnits: 3, MaxOutputUnits: 100},
			payload: models.Payload{Text: "Pneumonoultramicroscopicsilicovolcanoconiosis"},
			params:  testParams,
		},
		{
			name:    "output request above budget",
			budget:  models.TokenBudget{MaxInputUnits: 1000, MaxOutputUnits: 100},
			payload: testPayload,
			params:  models.Params{Model: "m", MaxOutputUnits: 101},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{}
			cache := newMemCache()
			r := New(client, Options{Budget: tt.budget, Cache: cache})

			_, err := r.Resolve(context.Background(), tt.payload, tt.params)
			require.ErrorIs(t, err, tokens.ErrBudgetExceeded)
			var be *tokens.BudgetError
			assert.ErrorAs(t, err, &be)
			assert.Zero(t, client.Calls())
			assert.Empty(t, cache.data)
		})
	}
}

func TestResolveSpendCapBlocksCall(t *testing.T) {
	capped := errors.New("spend budget exceeded")
	client := &fakeClient{}
	r := New(client, Options{
		Budget: defaultBudget,
		Spend:  spendFunc(func(context.Context, string) error { return capped }),
	})

	_, err := r.Resolve(context.Background(), testPayload, testParams)
	require.ErrorIs(t, err, capped)
	assert.Zero(t, client.Calls())
}

type spendFunc func(ctx context.Context, model string) error

func (f spendFunc) Check(ctx context.Context, model string) error { return f(ctx, model) }

func TestResolveRecordsUsage(t *testing.T) {
	client := &fakeClient{}
	ledger := &fakeLedger{}
	rec := &fakeRecorder{}
	r := New(client, Options{Budget: defaultBudget, Cache: newMemCache(), Ledger: ledger, Metrics: rec})
	ctx := context.Background()

	_, err := r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)

	require.Len(t, ledger.records, 1, "cache hits are not billed")
	assert.Equal(t, "claude-3-haiku", ledger.records[0].Model)
	assert.Equal(t, 52, ledger.records[0].TotalUnits)
	assert.Len(t, string(ledger.records[0].Fingerprint), 64)
	assert.Equal(t, 52, rec.units)
	assert.Equal(t, 1, rec.states[models.StateCacheHit])
	assert.Equal(t, 1, rec.states[models.StateCachedSuccess])
}

func blockingClient() *fakeClient {
	return &fakeClient{fn: func(ctx context.Context, _ int, _ models.Request) (*models.Completion, error) {
		<-ctx.Done()
		return nil, &llm.TransientServiceError{Attempts: 1, Err: ctx.Err()}
	}}
}

func TestResolveCallerTimeout(t *testing.T) {
	r := New(blockingClient(), Options{Budget: defaultBudget})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Resolve(ctx, testPayload, testParams)
	var te *llm.TransientServiceError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveAppliesCallTimeout(t *testing.T) {
	r := New(blockingClient(), Options{Budget: defaultBudget, CallTimeout: 30 * time.Millisecond})

	start := time.Now()
	_, err := r.Resolve(context.Background(), testPayload, testParams)
	var te *llm.TransientServiceError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestResolveFollowerSurvivesLeaderCancel(t *testing.T) {
	client := &fakeClient{fn: func(ctx context.Context, n int, req models.Request) (*models.Completion, error) {
		if n == 1 {
			<-ctx.Done()
			return nil, &llm.TransientServiceError{Attempts: 1, Err: ctx.Err()}
		}
		return answer(req), nil
	}}
	r := New(client, Options{Budget: defaultBudget, Cache: newMemCache()})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(leaderCtx, testPayload, testParams)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return client.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	var followerErr atomic.Value
	done := make(chan *models.Completion, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		comp, err := r.Resolve(ctx, testPayload, testParams)
		if err != nil {
			followerErr.Store(err)
		}
		done <- comp
	}()

	time.Sleep(30 * time.Millisecond)
	cancelLeader()

	err := <-leaderErr
	var te *llm.TransientServiceError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.Canceled)

	comp := <-done
	assert.Nil(t, followerErr.Load())
	require.NotNil(t, comp)
	assert.Equal(t, 2, client.Calls(), "the follower starts a fresh flight")
}

func TestForget(t *testing.T) {
	client := &fakeClient{}
	r := New(client, Options{Budget: defaultBudget, Cache: newSQLiteCache(t)})
	ctx := context.Background()

	_, err := r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)
	require.NoError(t, r.Forget(ctx, testPayload, testParams))

	comp, err := r.Resolve(ctx, testPayload, testParams)
	require.NoError(t, err)
	assert.False(t, comp.FromCache)
	assert.Equal(t, 2, client.Calls())

	assert.NoError(t, New(client, Options{Budget: defaultBudget}).Forget(ctx, testPayload, testParams), "no cache is a no-op")
}

func TestResolveDoesNotMutateCallerParams(t *testing.T) {
	client := &fakeClient{}
	r := New(client, Options{Budget: defaultBudget})
	params := models.Params{Model: "m", Extra: map[string]any{"count": 5}}

	_, err := r.Resolve(context.Background(), testPayload, params, WithPriority([]int{1}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": 5}, params.Extra)
	assert.Zero(t, params.MaxOutputUnits)
}
