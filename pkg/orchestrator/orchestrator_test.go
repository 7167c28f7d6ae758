package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/privybridge/authbridge/internal/apierr"
	"github.com/privybridge/authbridge/pkg/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream is a scriptable stand-in for upstream.Client.
type fakeUpstream struct {
	mu sync.Mutex

	exchangeErr error
	upstreamTok string

	intentsResult *upstream.ExtractIntentsResult
	intentsErr    error

	filterResponses []upstream.FilterCandidatesResult
	filterCall      int
	filterErr       error
	// filterErrsByCall, when set, overrides filterErr for specific call
	// indices (0-based), letting a test script a transient error mid-sequence.
	filterErrsByCall map[int]error

	synthesizeFunc func(p upstream.SynthesizeParams) (*upstream.SynthesizeResult, error)

	inflight    int32
	maxInflight int32
}

func (f *fakeUpstream) ExchangeUpstreamToken(_ context.Context, _ string) (string, error) {
	if f.exchangeErr != nil {
		return "", f.exchangeErr
	}
	if f.upstreamTok == "" {
		return "up-token", nil
	}
	return f.upstreamTok, nil
}

func (f *fakeUpstream) ExtractIntents(_ context.Context, _, _ string) (*upstream.ExtractIntentsResult, error) {
	if f.intentsErr != nil {
		return nil, f.intentsErr
	}
	return f.intentsResult, nil
}

func (f *fakeUpstream) FilterCandidates(_ context.Context, _ string, _ upstream.FilterCandidatesParams) (*upstream.FilterCandidatesResult, error) {
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.filterCall
	f.filterCall++
	if err, ok := f.filterErrsByCall[call]; ok {
		return nil, err
	}
	idx := call
	if idx >= len(f.filterResponses) {
		idx = len(f.filterResponses) - 1
	}
	res := f.filterResponses[idx]
	return &res, nil
}

func (f *fakeUpstream) Synthesize(_ context.Context, _ string, p upstream.SynthesizeParams) (*upstream.SynthesizeResult, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInflight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInflight, max, cur) {
			break
		}
	}
	if f.synthesizeFunc != nil {
		return f.synthesizeFunc(p)
	}
	return &upstream.SynthesizeResult{Synthesis: "summary-" + p.TargetUserID, TargetUserID: p.TargetUserID}, nil
}

func candidate(id string, intentIDs ...string) upstream.Candidate {
	c := upstream.Candidate{IntentIDs: intentIDs}
	c.User.ID = id
	c.User.Name = "User " + id
	return c
}

func testOrchestrator(fu *fakeUpstream) *Orchestrator {
	return New(fu,
		PollParams{MaxAttempts: 8, BaseDelayMs: 1, DelayStepMs: 1, StableThreshold: 2, MaxTotalWaitMs: 5000},
		PoolParams{DefaultConcurrency: 2, MaxConcurrency: 5, ThrottleMs: 0},
		8000, 100,
		WithSleepFunc(func(time.Duration) {}),
	)
}

func TestDiscoverConnections_UpstreamTokenInvalidOnExchange(t *testing.T) {
	t.Parallel()
	fu := &fakeUpstream{exchangeErr: apierr.NewUpstreamTokenInvalid("invalid", nil)}
	o := testOrchestrator(fu)

	_, err := o.DiscoverConnections(context.Background(), "bearer", "text", 10, 0)
	require.Error(t, err)
	assert.True(t, apierr.IsUpstreamTokenInvalid(err))
}

func TestDiscoverConnections_NoIntentsReturnsEmpty(t *testing.T) {
	t.Parallel()
	fu := &fakeUpstream{intentsResult: &upstream.ExtractIntentsResult{Intents: nil}}
	o := testOrchestrator(fu)

	res, err := o.DiscoverConnections(context.Background(), "bearer", "text", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Connections)
	assert.Empty(t, res.Intents)
}

func TestDiscoverConnections_AccumulateAndStabilize(t *testing.T) {
	t.Parallel()
	fu := &fakeUpstream{
		intentsResult: &upstream.ExtractIntentsResult{Intents: []upstream.Intent{{ID: "i1"}}},
		filterResponses: []upstream.FilterCandidatesResult{
			{Results: nil},
			{Results: []upstream.Candidate{candidate("A", "i1")}},
			{Results: []upstream.Candidate{candidate("A", "i1"), candidate("B", "i1")}},
			{Results: []upstream.Candidate{candidate("A", "i1"), candidate("B", "i1")}},
		},
	}
	o := testOrchestrator(fu)

	res, err := o.DiscoverConnections(context.Background(), "bearer", "text", 10, 0)
	require.NoError(t, err)
	require.Len(t, res.Connections, 2)
	assert.Equal(t, "A", res.Connections[0].User.ID)
	assert.Equal(t, "B", res.Connections[1].User.ID)
	// Exactly 4 polls were made: the two identical [A,B] polls trigger stableThreshold=2.
	assert.Equal(t, 4, fu.filterCall)
}

func TestDiscoverConnections_TransientFilterErrorDoesNotCountTowardStability(t *testing.T) {
	t.Parallel()
	fu := &fakeUpstream{
		intentsResult: &upstream.ExtractIntentsResult{Intents: []upstream.Intent{{ID: "i1"}}},
		filterResponses: []upstream.FilterCandidatesResult{
			{Results: []upstream.Candidate{candidate("A", "i1")}},
			{},
			{Results: []upstream.Candidate{candidate("A", "i1"), candidate("B", "i1")}},
			{Results: []upstream.Candidate{candidate("A", "i1"), candidate("B", "i1")}},
		},
		filterErrsByCall: map[int]error{1: errors.New("upstream returned 502")},
	}
	o := testOrchestrator(fu)

	res, err := o.DiscoverConnections(context.Background(), "bearer", "text", 10, 0)
	require.NoError(t, err)
	require.Len(t, res.Connections, 2)
	assert.Equal(t, "A", res.Connections[0].User.ID)
	assert.Equal(t, "B", res.Connections[1].User.ID)
	// The transient error at call 1 must not itself trip stableThreshold=2;
	// B only ever arrives at call 2, so polling must continue past the error.
	assert.Equal(t, 4, fu.filterCall)
}

func TestDiscoverConnections_MaxConnectionsCapRespected(t *testing.T) {
	t.Parallel()
	fu := &fakeUpstream{
		intentsResult: &upstream.ExtractIntentsResult{Intents: []upstream.Intent{{ID: "i1"}}},
		filterResponses: []upstream.FilterCandidatesResult{
			{Results: []upstream.Candidate{candidate("A", "i1"), candidate("B", "i1"), candidate("C", "i1")}},
		},
	}
	o := testOrchestrator(fu)

	res, err := o.DiscoverConnections(context.Background(), "bearer", "text", 1, 0)
	require.NoError(t, err)
	require.Len(t, res.Connections, 1)
	assert.Equal(t, "A", res.Connections[0].User.ID)
	// Polling must stop after the first non-empty poll once the cap is reached.
	assert.Equal(t, 1, fu.filterCall)
}

func TestDiscoverConnections_FilterNeverPopulates(t *testing.T) {
	t.Parallel()
	fu := &fakeUpstream{
		intentsResult:   &upstream.ExtractIntentsResult{Intents: []upstream.Intent{{ID: "i1"}}},
		filterResponses: []upstream.FilterCandidatesResult{{Results: nil}},
	}
	o := testOrchestrator(fu)

	res, err := o.DiscoverConnections(context.Background(), "bearer", "text", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Connections)
	assert.NotEmpty(t, res.Intents)
	assert.Equal(t, 8, fu.filterCall)
}

func TestDiscoverConnections_AllSynthesisFailuresStillSucceed(t *testing.T) {
	t.Parallel()
	fu := &fakeUpstream{
		intentsResult: &upstream.ExtractIntentsResult{Intents: []upstream.Intent{{ID: "i1"}}},
		filterResponses: []upstream.FilterCandidatesResult{
			{Results: []upstream.Candidate{candidate("A", "i1"), candidate("B", "i1")}},
			{Results: []upstream.Candidate{candidate("A", "i1"), candidate("B", "i1")}},
		},
		synthesizeFunc: func(p upstream.SynthesizeParams) (*upstream.SynthesizeResult, error) {
			return nil, apierr.NewUpstreamError("boom", nil)
		},
	}
	o := testOrchestrator(fu)

	res, err := o.DiscoverConnections(context.Background(), "bearer", "text", 10, 0)
	require.NoError(t, err)
	require.Len(t, res.Connections, 2)
	for _, c := range res.Connections {
		assert.Equal(t, "", c.Synthesis)
	}
}

func TestDiscoverConnections_SynthesisUpstreamTokenInvalidPropagates(t *testing.T) {
	t.Parallel()
	fu := &fakeUpstream{
		intentsResult: &upstream.ExtractIntentsResult{Intents: []upstream.Intent{{ID: "i1"}}},
		filterResponses: []upstream.FilterCandidatesResult{
			{Results: []upstream.Candidate{candidate("A", "i1"), candidate("B", "i1")}},
			{Results: []upstream.Candidate{candidate("A", "i1"), candidate("B", "i1")}},
		},
		synthesizeFunc: func(p upstream.SynthesizeParams) (*upstream.SynthesizeResult, error) {
			return nil, apierr.NewUpstreamTokenInvalid("invalid", nil)
		},
	}
	o := testOrchestrator(fu)

	_, err := o.DiscoverConnections(context.Background(), "bearer", "text", 10, 0)
	require.Error(t, err)
	assert.True(t, apierr.IsUpstreamTokenInvalid(err))
}

func TestSynthesizeAll_ConcurrencyBounded(t *testing.T) {
	t.Parallel()
	candidates := make([]upstream.Candidate, 5)
	for i := range candidates {
		candidates[i] = candidate(string(rune('A' + i)))
	}
	fu := &fakeUpstream{
		intentsResult: &upstream.ExtractIntentsResult{Intents: []upstream.Intent{{ID: "i1"}}},
		filterResponses: []upstream.FilterCandidatesResult{
			{Results: candidates},
			{Results: candidates},
		},
		synthesizeFunc: func(p upstream.SynthesizeParams) (*upstream.SynthesizeResult, error) {
			time.Sleep(2 * time.Millisecond)
			return &upstream.SynthesizeResult{Synthesis: "s", TargetUserID: p.TargetUserID}, nil
		},
	}
	o := testOrchestrator(fu)

	res, err := o.DiscoverConnections(context.Background(), "bearer", "text", 10, 0)
	require.NoError(t, err)
	require.Len(t, res.Connections, 5)
	assert.LessOrEqual(t, atomic.LoadInt32(&fu.maxInflight), int32(2))
}
