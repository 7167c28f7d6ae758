// Package orchestrator implements the "discover connections" workflow:
// upstream credential exchange, intent extraction, an accumulate-and-
// stabilize polling loop against the upstream's eventually-consistent
// candidate index, and a bounded-concurrency worker pool that synthesizes
// a per-candidate summary.
package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/privybridge/authbridge/internal/apierr"
	"github.com/privybridge/authbridge/internal/logger"
	"github.com/privybridge/authbridge/pkg/upstream"
)

// UpstreamClient is the subset of upstream.Client the orchestrator depends
// on, so tests can substitute a fake.
type UpstreamClient interface {
	ExchangeUpstreamToken(ctx context.Context, oauthBearer string) (string, error)
	ExtractIntents(ctx context.Context, upstreamBearer, text string) (*upstream.ExtractIntentsResult, error)
	FilterCandidates(ctx context.Context, upstreamBearer string, p upstream.FilterCandidatesParams) (*upstream.FilterCandidatesResult, error)
	Synthesize(ctx context.Context, upstreamBearer string, p upstream.SynthesizeParams) (*upstream.SynthesizeResult, error)
}

// PollParams configures the accumulate-and-stabilize loop.
type PollParams struct {
	MaxAttempts     int
	BaseDelayMs     int
	DelayStepMs     int
	StableThreshold int
	MaxTotalWaitMs  int
}

// PoolParams configures the bounded-concurrency synthesis pool.
type PoolParams struct {
	DefaultConcurrency int
	MaxConcurrency     int
	ThrottleMs         int
}

// Orchestrator runs the discover-connections workflow.
type Orchestrator struct {
	upstream             UpstreamClient
	poll                 PollParams
	pool                 PoolParams
	instructionCharLimit int
	paginationLimit      int
	sleep                func(d time.Duration)
}

// Option configures an Orchestrator beyond its required constructor args.
type Option func(*Orchestrator)

// WithSleepFunc overrides the function used to sleep between polls and
// throttle synthesis workers. Tests use this to make the polling loop
// deterministic and fast.
func WithSleepFunc(fn func(d time.Duration)) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// New constructs an Orchestrator.
func New(client UpstreamClient, poll PollParams, pool PoolParams, instructionCharLimit, paginationLimit int, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		upstream:             client,
		poll:                 poll,
		pool:                 pool,
		instructionCharLimit: instructionCharLimit,
		paginationLimit:      paginationLimit,
		sleep:                time.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ConnectionUser is the public-facing shape of a discovered candidate.
type ConnectionUser struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Connection is one entry of DiscoverConnectionsResult.connections.
type Connection struct {
	User              ConnectionUser `json:"user"`
	MutualIntentCount int            `json:"mutualIntentCount"`
	Synthesis         string         `json:"synthesis"`
}

// DiscoverConnectionsResult is the output of DiscoverConnections.
type DiscoverConnectionsResult struct {
	Connections []Connection      `json:"connections"`
	Intents     []upstream.Intent `json:"intents"`
}

// candidateRecord tracks an accumulated candidate in first-seen order.
type candidateRecord struct {
	user      upstream.Candidate
	intentSet map[string]struct{}
}

// DiscoverConnections runs the full workflow for a single tool invocation.
func (o *Orchestrator) DiscoverConnections(ctx context.Context, oauthBearer, inputText string, maxConnections int, characterLimit int) (*DiscoverConnectionsResult, error) {
	if maxConnections <= 0 || maxConnections > 50 {
		maxConnections = 50
	}

	upstreamBearer, err := o.upstream.ExchangeUpstreamToken(ctx, oauthBearer)
	if err != nil {
		return nil, err
	}

	truncated := inputText
	if o.instructionCharLimit > 0 && len(truncated) > o.instructionCharLimit {
		truncated = truncated[:o.instructionCharLimit]
	}

	extracted, err := o.upstream.ExtractIntents(ctx, upstreamBearer, truncated)
	if err != nil {
		return nil, err
	}
	if len(extracted.Intents) == 0 {
		return &DiscoverConnectionsResult{Connections: []Connection{}, Intents: []upstream.Intent{}}, nil
	}

	intentIDs := make([]string, 0, len(extracted.Intents))
	for _, in := range extracted.Intents {
		intentIDs = append(intentIDs, in.ID)
	}

	order, accumulated, err := o.pollUntilStable(ctx, upstreamBearer, intentIDs, maxConnections)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return &DiscoverConnectionsResult{Connections: []Connection{}, Intents: extracted.Intents}, nil
	}

	synthesisByUser, err := o.synthesizeAll(ctx, upstreamBearer, order, accumulated, intentIDs, characterLimit)
	if err != nil {
		return nil, err
	}

	connections := make([]Connection, 0, len(order))
	for _, userID := range order {
		rec := accumulated[userID]
		connections = append(connections, Connection{
			User: ConnectionUser{
				ID:     rec.user.User.ID,
				Name:   rec.user.User.Name,
				Avatar: rec.user.User.Avatar,
			},
			MutualIntentCount: len(rec.intentSet),
			Synthesis:         synthesisByUser[userID],
		})
	}

	return &DiscoverConnectionsResult{Connections: connections, Intents: extracted.Intents}, nil
}

// pollUntilStable implements the accumulate-and-stabilize loop of §4.5.
// It returns candidates in first-seen insertion order.
func (o *Orchestrator) pollUntilStable(ctx context.Context, upstreamBearer string, intentIDs []string, maxConnections int) ([]string, map[string]*candidateRecord, error) {
	accumulated := make(map[string]*candidateRecord)
	order := make([]string, 0, maxConnections)

	lastCount := 0
	stableRuns := 0
	elapsedSleep := 0
	limit := maxConnections
	if limit > o.paginationLimit {
		limit = o.paginationLimit
	}
	if limit > 100 {
		limit = 100
	}

	for attempt := 0; attempt < o.poll.MaxAttempts; attempt++ {
		result, err := o.upstream.FilterCandidates(ctx, upstreamBearer, upstream.FilterCandidatesParams{
			IntentIDs:         intentIDs,
			ExcludeDiscovered: true,
			Page:              1,
			Limit:             limit,
		})
		if err != nil {
			if apierr.IsUpstreamTokenInvalid(err) {
				return nil, nil, err
			}
			logger.Warnw("transient error polling candidates, continuing", "attempt", attempt, "error", err)
			// A transient error carries no information about the candidate
			// index, so it must not count toward stability either way.
			var waited bool
			elapsedSleep, waited = o.waitBeforeNextAttempt(attempt, elapsedSleep)
			if !waited {
				break
			}
			continue
		}

		for _, cand := range result.Results {
			if len(order) >= maxConnections {
				break
			}
			rec, exists := accumulated[cand.User.ID]
			if !exists {
				rec = &candidateRecord{user: cand, intentSet: make(map[string]struct{})}
				accumulated[cand.User.ID] = rec
				order = append(order, cand.User.ID)
			}
			for _, id := range cand.IntentIDs {
				rec.intentSet[id] = struct{}{}
			}
		}

		if len(order) >= maxConnections {
			break
		}

		if len(order) == lastCount && len(order) > 0 {
			stableRuns++
		} else {
			lastCount = len(order)
			if len(order) > 0 {
				stableRuns = 1
			} else {
				stableRuns = 0
			}
		}
		if stableRuns >= o.poll.StableThreshold {
			break
		}

		var waited bool
		elapsedSleep, waited = o.waitBeforeNextAttempt(attempt, elapsedSleep)
		if !waited {
			break
		}
	}

	return order, accumulated, nil
}

// waitBeforeNextAttempt sleeps the backoff delay for the attempt just
// completed and returns the updated total sleep time, or false if there is
// no more budget (attempts or total wait time) for another attempt.
func (o *Orchestrator) waitBeforeNextAttempt(attempt, elapsedSleep int) (int, bool) {
	if attempt+1 >= o.poll.MaxAttempts {
		return elapsedSleep, false
	}
	delay := o.poll.BaseDelayMs + attempt*o.poll.DelayStepMs
	remaining := o.poll.MaxTotalWaitMs - elapsedSleep
	if delay > remaining {
		delay = remaining
	}
	if delay <= 0 {
		return elapsedSleep, false
	}
	o.sleep(time.Duration(delay) * time.Millisecond)
	return elapsedSleep + delay, true
}

// synthesizeAll runs the bounded-concurrency worker pool of §4.5, claiming
// candidates off a shared atomic index.
func (o *Orchestrator) synthesizeAll(ctx context.Context, upstreamBearer string, order []string, accumulated map[string]*candidateRecord, intentIDs []string, characterLimit int) (map[string]string, error) {
	concurrency := o.pool.DefaultConcurrency
	if concurrency > o.pool.MaxConcurrency {
		concurrency = o.pool.MaxConcurrency
	}
	if concurrency > len(order) {
		concurrency = len(order)
	}
	if concurrency <= 0 {
		return map[string]string{}, nil
	}

	results := make([]string, len(order))
	var nextIndex int64 = -1

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatalErr atomic.Pointer[apierr.Error]
	group, _ := errgroup.WithContext(workerCtx)

	worker := func() error {
		for {
			idx := int(atomic.AddInt64(&nextIndex, 1))
			if idx >= len(order) {
				return nil
			}
			select {
			case <-workerCtx.Done():
				return nil
			default:
			}

			userID := order[idx]
			rec := accumulated[userID]
			intents := make([]string, 0, len(rec.intentSet))
			for id := range rec.intentSet {
				intents = append(intents, id)
			}
			if len(intents) == 0 {
				intents = intentIDs
			}

			res, err := o.upstream.Synthesize(workerCtx, upstreamBearer, upstream.SynthesizeParams{
				TargetUserID:   userID,
				IntentIDs:      intents,
				CharacterLimit: characterLimit,
			})
			if err != nil {
				if apierr.IsUpstreamTokenInvalid(err) {
					if e, ok := apierr.As(err); ok {
						fatalErr.Store(e)
					}
					cancel()
					return nil
				}
				logger.Warnw("synthesis call failed, recording empty synthesis", "userId", userID, "error", err)
				results[idx] = ""
			} else {
				results[idx] = res.Synthesis
			}

			if idx+1 < len(order) {
				o.sleep(time.Duration(o.pool.ThrottleMs) * time.Millisecond)
			}
		}
	}

	for i := 0; i < concurrency; i++ {
		group.Go(worker)
	}
	_ = group.Wait()

	if e := fatalErr.Load(); e != nil {
		return nil, e
	}

	out := make(map[string]string, len(order))
	for i, userID := range order {
		out[userID] = results[i]
	}
	return out, nil
}
