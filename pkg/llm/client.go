// Package llm calls the remote text-generation service with bounded retries
// and turns its answers into structured completions.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quizcraft/quizcraft/pkg/models"
	"github.com/quizcraft/quizcraft/pkg/repair"
)

// Reply is the raw answer of one successful transport round trip.
type Reply struct {
	ID    string
	Model string
	Text  string
	Usage models.Usage
}

// Transport performs a single remote call.
type Transport interface {
	Complete(ctx context.Context, req models.Request) (*Reply, error)
}

// AttemptHook observes every attempt. It must not block.
type AttemptHook func(models.AttemptEvent)

// Client retries transient failures and repairs malformed answers.
type Client struct {
	transport Transport
	policy    models.RetryPolicy
	hooks     []AttemptHook
	logger    *slog.Logger
	rnd       func() float64
}

// Option configures a Client.
type Option func(*Client)

// WithHook adds an attempt hook. Hooks run in the order they were added.
func WithHook(h AttemptHook) Option {
	return func(c *Client) {
		if h != nil {
			c.hooks = append(c.hooks, h)
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRand replaces the jitter source.
func WithRand(rnd func() float64) Option {
	return func(c *Client) { c.rnd = rnd }
}

// New creates a Client.
func New(t Transport, policy models.RetryPolicy, opts ...Option) *Client {
	c := &Client{
		transport: t,
		policy:    policy,
		logger:    slog.Default().With("component", "llm"),
		rnd:       rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the retry policy in effect.
func (c *Client) Policy() models.RetryPolicy { return c.policy }

// Call sends req, retrying transient failures up to MaxAttempts attempts in
// total. Repair passes on the answer do not consume attempts.
func (c *Client) Call(ctx context.Context, req models.Request) (*models.Completion, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &PermanentServiceError{Err: fmt.Errorf("%w: empty prompt", ErrInvalidRequest)}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	maxAttempts := max(c.policy.MaxAttempts, 1)
	logger := c.logger.With("request_id", req.ID, "model", req.Params.Model)

	var lastErr error
	attempt := 1
	for ; ; attempt++ {
		start := time.Now()
		reply, err := c.transport.Complete(ctx, req)
		ev := models.AttemptEvent{
			RequestID: req.ID,
			Model:     req.Params.Model,
			Attempt:   attempt,
			Latency:   time.Since(start),
		}

		if err == nil {
			comp, perr := c.complete(req, reply)
			if perr != nil {
				ev.Class, ev.Err = models.AttemptMalformed, perr
				c.notify(ev)
				logger.Warn("unrepairable response", "attempt", attempt, "error", perr)
				return nil, perr
			}
			ev.Class = models.AttemptOK
			c.notify(ev)
			if comp.Repair != "" {
				logger.Debug("repaired response", "strategy", comp.Repair)
			}
			return comp, nil
		}

		ev.Err, ev.Class, ev.StatusCode = err, Classify(err), statusCode(err)
		if ev.Class == models.AttemptPermanent {
			c.notify(ev)
			logger.Warn("permanent failure", "attempt", attempt, "status", ev.StatusCode, "error", err)
			return nil, &PermanentServiceError{StatusCode: ev.StatusCode, Err: err}
		}

		lastErr = err
		if attempt >= maxAttempts || ctx.Err() != nil {
			c.notify(ev)
			break
		}

		delay := retryDelay(c.policy, attempt, c.rnd, err)
		ev.NextDelay = delay
		c.notify(ev)
		logger.Info("transient failure, retrying", "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &TransientServiceError{Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		lastErr = ctxErr
	}
	logger.Warn("retries exhausted", "attempts", attempt, "error", lastErr)
	return nil, &TransientServiceError{Attempts: attempt, Err: lastErr}
}

func (c *Client) complete(req models.Request, reply *Reply) (*models.Completion, error) {
	res, err := repair.Parse(reply.Text, c.policy.RepairPasses)
	if err != nil {
		return nil, &MalformedResponseError{Passes: c.policy.RepairPasses, Raw: reply.Text, Err: err}
	}
	model := reply.Model
	if model == "" {
		model = req.Params.Model
	}
	id := reply.ID
	if id == "" {
		id = req.ID
	}
	return &models.Completion{
		ID:         id,
		Model:      model,
		Text:       reply.Text,
		Structured: res.JSON,
		Repair:     res.Strategy,
		Usage:      reply.Usage,
	}, nil
}

// notify runs the hooks; a panicking hook is logged and skipped.
func (c *Client) notify(ev models.AttemptEvent) {
	for _, h := range c.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("attempt hook panicked", "panic", r, "request_id", ev.RequestID)
				}
			}()
			h(ev)
		}()
	}
}
