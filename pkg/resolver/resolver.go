// Package resolver turns (payload, params) pairs into completions, calling
// the remote service at most once per logical request.
//
// A resolution fingerprints the request, joins any identical resolution
// already in flight, serves the response cache when it can, and otherwise
// fits the payload to the input budget, calls the service and caches the
// answer. Failures are never cached.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/quizcraft/quizcraft/pkg/fingerprint"
	"github.com/quizcraft/quizcraft/pkg/llm"
	"github.com/quizcraft/quizcraft/pkg/models"
	"github.com/quizcraft/quizcraft/pkg/tokens"
)

// Extra keys the resolver adds to the fingerprinted params. A different
// input budget or priority order can select different text, so both are
// part of the request identity.
const (
	extraInputBudget = "quizcraft.input_budget"
	extraPriority    = "quizcraft.priority"
)

// Cache stores completed responses by fingerprint.
type Cache interface {
	Get(ctx context.Context, fp models.Fingerprint) (*models.CacheEntry, bool)
	Put(ctx context.Context, fp models.Fingerprint, response []byte) error
	Invalidate(ctx context.Context, fp models.Fingerprint) error
}

// Caller performs a remote call with retries.
type Caller interface {
	Call(ctx context.Context, req models.Request) (*models.Completion, error)
}

// Fitter estimates and trims text to a unit budget.
type Fitter interface {
	Estimate(text string) int
	Fit(text string, maxUnits int, priority []int) (string, error)
}

// Ledger records billed usage.
type Ledger interface {
	Record(ctx context.Context, rec models.UsageRecord) error
}

// SpendChecker rejects calls once a spend cap is reached.
type SpendChecker interface {
	Check(ctx context.Context, model string) error
}

// Recorder receives resolution metrics.
type Recorder interface {
	RecordResolution(state models.ResolveState)
	RecordUsage(model string, u models.Usage)
}

// Options configures a Resolver. Only Budget is required; nil
// collaborators are skipped.
type Options struct {
	Budget models.TokenBudget

	// CallTimeout bounds a resolution whose context has no deadline.
	CallTimeout time.Duration

	Cache   Cache
	Fitter  Fitter
	Ledger  Ledger
	Spend   SpendChecker
	Metrics Recorder
	Logger  *slog.Logger
}

// Resolver is safe for concurrent use.
type Resolver struct {
	client      Caller
	budget      models.TokenBudget
	callTimeout time.Duration
	cache       Cache
	fitter      Fitter
	ledger      Ledger
	spend       SpendChecker
	metrics     Recorder
	logger      *slog.Logger

	group singleflight.Group
}

// New creates a Resolver around client.
func New(client Caller, opts Options) *Resolver {
	r := &Resolver{
		client:      client,
		budget:      opts.Budget,
		callTimeout: opts.CallTimeout,
		cache:       opts.Cache,
		fitter:      opts.Fitter,
		ledger:      opts.Ledger,
		spend:       opts.Spend,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
	if r.fitter == nil {
		r.fitter = tokens.NewEstimator()
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "resolver")
	}
	return r
}

// Option adjusts a single resolution.
type Option func(*resolveOptions)

type resolveOptions struct {
	priority []int
}

// WithPriority lists payload paragraph indexes from most to least relevant.
// Paragraphs are dropped lowest priority first when the payload is over
// budget.
func WithPriority(priority []int) Option {
	return func(o *resolveOptions) {
		o.priority = append([]int(nil), priority...)
	}
}

type outcome struct {
	completion *models.Completion
	state      models.ResolveState
}

// leaderGoneError marks a shared flight that ended because the context of
// the caller that started it ended.
type leaderGoneError struct{ err error }

func (e *leaderGoneError) Error() string { return e.err.Error() }
func (e *leaderGoneError) Unwrap() error { return e.err }

// Resolve returns the completion for payload and params.
//
// Concurrent calls for the same request share one remote call. Each caller
// waits under its own ctx; a caller whose ctx ends first gets a
// *llm.TransientServiceError wrapping the context error. If the flight ends
// because its starting caller went away, the remaining callers start a
// new one.
func (r *Resolver) Resolve(ctx context.Context, payload models.Payload, params models.Params, opts ...Option) (*models.Completion, error) {
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}

	params, err := r.effectiveParams(params)
	if err != nil {
		r.finish(models.StateFailed)
		return nil, err
	}
	fp := fingerprint.Of(payload, r.identity(params, o.priority))
	logger := r.logger.With("fingerprint", fp.Short(), "model", params.Model)
	logger.Debug("resolution state", "state", models.StateFingerprinted)

	if _, ok := ctx.Deadline(); !ok && r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	for {
		ch := r.group.DoChan(string(fp), func() (any, error) {
			out, err := r.compute(ctx, logger, fp, payload, params, o)
			if err != nil && ctx.Err() != nil {
				return nil, &leaderGoneError{err: err}
			}
			return out, err
		})

		select {
		case <-ctx.Done():
			r.finish(models.StateFailed)
			logger.Info("resolution abandoned", "error", ctx.Err())
			return nil, &llm.TransientServiceError{Err: ctx.Err()}

		case res := <-ch:
			if res.Err != nil {
				var gone *leaderGoneError
				if errors.As(res.Err, &gone) {
					if ctx.Err() == nil {
						logger.Debug("shared resolution abandoned by its leader, retrying")
						continue
					}
					r.finish(models.StateFailed)
					return nil, &llm.TransientServiceError{Err: ctx.Err()}
				}
				r.finish(models.StateFailed)
				logger.Debug("resolution state", "state", models.StateFailed, "error", res.Err)
				return nil, res.Err
			}

			out := res.Val.(*outcome)
			r.finish(out.state)
			comp := out.completion.Clone()
			comp.FromCache = out.state == models.StateCacheHit
			return comp, nil
		}
	}
}

// Forget removes the cached completion for a logical request, if any.
func (r *Resolver) Forget(ctx context.Context, payload models.Payload, params models.Params, opts ...Option) error {
	if r.cache == nil {
		return nil
	}
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}
	params, err := r.effectiveParams(params)
	if err != nil {
		return err
	}
	return r.cache.Invalidate(ctx, fingerprint.Of(payload, r.identity(params, o.priority)))
}

func (r *Resolver) compute(ctx context.Context, logger *slog.Logger, fp models.Fingerprint, payload models.Payload, params models.Params, o resolveOptions) (*outcome, error) {
	if r.cache != nil {
		if entry, ok := r.cache.Get(ctx, fp); ok {
			var comp models.Completion
			if err := json.Unmarshal(entry.Response, &comp); err == nil && len(comp.Structured) > 0 {
				logger.Debug("resolution state", "state", models.StateCacheHit)
				return &outcome{completion: &comp, state: models.StateCacheHit}, nil
			}
			logger.Warn("undecodable cache entry, invalidating")
			if err := r.cache.Invalidate(ctx, fp); err != nil {
				logger.Warn("invalidate failed", "error", err)
			}
		}
	}
	logger.Debug("resolution state", "state", models.StateCacheMiss)

	req, err := r.prepare(payload, params, o.priority)
	if err != nil {
		return nil, err
	}
	if r.spend != nil {
		if err := r.spend.Check(ctx, params.Model); err != nil {
			return nil, err
		}
	}

	logger.Debug("resolution state", "state", models.StateInFlight, "request_id", req.ID)
	comp, err := r.client.Call(ctx, req)
	if err != nil {
		return nil, err
	}

	// The answer is paid for; keep it even if the caller has gone.
	persistCtx := context.WithoutCancel(ctx)
	if r.ledger != nil {
		rec := models.UsageRecord{
			Model:       comp.Model,
			Fingerprint: fp,
			InputUnits:  comp.Usage.InputUnits,
			OutputUnits: comp.Usage.OutputUnits,
			TotalUnits:  comp.Usage.Total(),
		}
		if err := r.ledger.Record(persistCtx, rec); err != nil {
			logger.Warn("usage record failed", "error", err)
		}
	}
	if r.metrics != nil {
		r.metrics.RecordUsage(comp.Model, comp.Usage)
	}
	if r.cache != nil {
		data, err := json.Marshal(comp)
		if err == nil {
			err = r.cache.Put(persistCtx, fp, data)
		}
		if err != nil {
			logger.Warn("cache write failed, continuing uncached", "error", err)
		}
	}

	logger.Debug("resolution state", "state", models.StateCachedSuccess, "request_id", req.ID)
	return &outcome{completion: comp, state: models.StateCachedSuccess}, nil
}

// effectiveParams applies the output budget: an unset MaxOutputUnits takes
// the budget maximum and a larger one is rejected.
func (r *Resolver) effectiveParams(p models.Params) (models.Params, error) {
	limit := r.budget.MaxOutputUnits
	if limit <= 0 {
		return p, nil
	}
	if p.MaxOutputUnits == 0 {
		p.MaxOutputUnits = limit
	}
	if p.MaxOutputUnits > limit {
		return p, &tokens.BudgetError{Part: "output", Required: p.MaxOutputUnits, Limit: limit}
	}
	return p, nil
}

// identity returns the params that are fingerprinted: params plus the
// input budget and priority order.
func (r *Resolver) identity(p models.Params, priority []int) models.Params {
	extra := make(map[string]any, len(p.Extra)+2)
	maps.Copy(extra, p.Extra)
	if r.budget.MaxInputUnits > 0 {
		extra[extraInputBudget] = r.budget.MaxInputUnits
	}
	if len(priority) > 0 {
		extra[extraPriority] = priority
	}
	p.Extra = extra
	return p
}

// prepare fits the document text into whatever the input budget leaves
// after the fixed system text.
func (r *Resolver) prepare(payload models.Payload, params models.Params, priority []int) (models.Request, error) {
	text := payload.Text
	if limit := r.budget.MaxInputUnits; limit > 0 {
		sys := r.fitter.Estimate(payload.System)
		room := limit - sys
		if room <= 0 {
			return models.Request{}, &tokens.BudgetError{Part: "system", Required: sys, Limit: limit}
		}
		fitted, err := r.fitter.Fit(payload.Text, room, priority)
		if err != nil {
			return models.Request{}, err
		}
		if fitted != payload.Text {
			r.logger.Debug("trimmed payload to input budget",
				"from_units", r.fitter.Estimate(payload.Text), "to_units", r.fitter.Estimate(fitted), "limit", room)
		}
		text = fitted
	}
	return models.Request{
		ID:     uuid.NewString(),
		System: payload.System,
		Prompt: text,
		Params: params,
	}, nil
}

func (r *Resolver) finish(state models.ResolveState) {
	if r.metrics != nil {
		r.metrics.RecordResolution(state)
	}
}
