package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jonathan/investigator/internal/metrics"
)

// BreakerConfig holds configuration for the gateway circuit breaker
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureThreshold is the failure ratio that trips the breaker once MinRequests is reached
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns a default configuration for the gateway circuit breaker
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "reasoning-gateway",
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// Breaker wraps a Gateway in a circuit breaker. Calls made while the circuit is open
// fail fast with *Error. Only transport failures count against the circuit; responses
// rejected by the parser do not.
type Breaker struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker
func NewBreaker(next Gateway, config BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransportFailure(err)
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(config.Name).Set(float64(gobreaker.StateClosed))
	return &Breaker{next: next, cb: cb}
}

// State returns the current circuit state
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Plan generates a research plan through the breaker
func (b *Breaker) Plan(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	return run(b.cb, OpPlan, func() (*PlanResult, error) { return b.next.Plan(ctx, req) })
}

// Execute runs a subtask through the breaker
func (b *Breaker) Execute(ctx context.Context, task string, ec ExecContext) (*ExecResult, error) {
	return run(b.cb, OpExecute, func() (*ExecResult, error) { return b.next.Execute(ctx, task, ec) })
}

// Thought generates a reasoning step through the breaker
func (b *Breaker) Thought(ctx context.Context, req ThoughtRequest) (*ThoughtResult, error) {
	return run(b.cb, OpThought, func() (*ThoughtResult, error) { return b.next.Thought(ctx, req) })
}

// Report writes a report through the breaker
func (b *Breaker) Report(ctx context.Context, req ReportRequest) (*ReportResult, error) {
	return run(b.cb, OpReport, func() (*ReportResult, error) { return b.next.Report(ctx, req) })
}

func run[T any](cb *gobreaker.CircuitBreaker, op string, fn func() (*T, error)) (*T, error) {
	out, err := cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.GatewayRequestsTotal.WithLabelValues(op, "rejected").Inc()
			return nil, &Error{Operation: op, Message: "circuit open", Cause: err}
		}
		return nil, err
	}
	return out.(*T), nil
}

// isTransportFailure reports whether err came from the call itself rather than from parsing
func isTransportFailure(err error) bool {
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		return true
	}
	return gwErr.Transport
}
