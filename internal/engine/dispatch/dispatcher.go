package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/internal/engine/registry"
	"github.com/docflow-go/pkg/logger"
	"github.com/docflow-go/pkg/metrics"
	"github.com/docflow-go/pkg/ratelimit"
	"github.com/docflow-go/pkg/resilience"
	"github.com/docflow-go/pkg/telemetry"
)

// Config tunes the engine-owned dispatch policy. Zero values fall back
// to defaults; RPS 0 disables the dispatch rate limiter.
type Config struct {
	RetryMaxAttempts   int
	RetryInitialDelay  time.Duration
	RetryMaxDelay      time.Duration
	DefaultTimeout     time.Duration
	RPS                int
	Burst              int
	BreakerFailureRate float64
}

// Dispatcher wraps registry calls with bounded retry, a per-node-type
// circuit breaker, an optional dispatch rate limiter, and tracing. The
// scheduler only ever observes the final success or failure.
type Dispatcher struct {
	registry  *registry.Registry
	breakers  *resilience.CircuitBreakerRegistry
	limiter   *ratelimit.TokenBucketLimiter
	retry     resilience.RetryConfig
	timeout   time.Duration
	telemetry *telemetry.Telemetry
	logger    logger.Logger
}

// New creates a dispatcher over the given registry.
func New(reg *registry.Registry, cfg Config, tel *telemetry.Telemetry, log logger.Logger) *Dispatcher {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if log == nil {
		log = logger.NewNop()
	}

	retryCfg := resilience.DefaultRetryConfig()
	if cfg.RetryMaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialDelay > 0 {
		retryCfg.InitialDelay = cfg.RetryInitialDelay
	}
	if cfg.RetryMaxDelay > 0 {
		retryCfg.MaxDelay = cfg.RetryMaxDelay
	}

	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	var limiter *ratelimit.TokenBucketLimiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RPS
		}
		limiter = ratelimit.NewTokenBucketLimiter(cfg.RPS, burst)
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig("dispatch")
	if cfg.BreakerFailureRate > 0 {
		breakerCfg.FailureRatio = cfg.BreakerFailureRate
	}

	return &Dispatcher{
		registry:  reg,
		breakers:  resilience.NewCircuitBreakerRegistry(breakerCfg),
		limiter:   limiter,
		retry:     retryCfg,
		timeout:   timeout,
		telemetry: tel,
		logger:    log,
	}
}

// Execute runs one node's capability under the dispatch policy. All
// failures come back as *workflow.CapabilityError.
func (d *Dispatcher) Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, workflow.NewCapabilityError(node.ID, node.Type, err)
		}
	}

	capability, err := d.registry.Get(node.Type)
	if err != nil {
		return nil, workflow.NewCapabilityError(node.ID, node.Type, err)
	}

	ctx, span := d.telemetry.StartSpan(ctx, "node.execute",
		trace.WithAttributes(
			telemetry.NodeIDAttribute(node.ID),
			telemetry.NodeTypeAttribute(node.Type),
		),
	)
	defer span.End()

	execCtx, cancel := context.WithTimeout(ctx, d.nodeTimeout(node))
	defer cancel()

	retryCfg := d.retry
	retryCfg.ShouldRetry = retryable
	retryCfg.OnRetry = func(attempt int, err error) {
		metrics.NodeRetriesTotal.WithLabelValues(node.Type).Inc()
		d.logger.Warn("node dispatch retry",
			"node_id", node.ID,
			"node_type", node.Type,
			"attempt", attempt,
			"error", err,
		)
	}

	breaker := d.breakers.Get(node.Type)
	started := time.Now()

	output, err := resilience.RetryWithResult(execCtx, retryCfg, func() (*workflow.ExecutionData, error) {
		result, err := breaker.Execute(func() (interface{}, error) {
			return capability.Execute(execCtx, node, input)
		})
		if err != nil {
			return nil, err
		}
		data, _ := result.(*workflow.ExecutionData)
		return data, nil
	})

	metrics.RecordNodeDuration(node.Type, time.Since(started).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, workflow.NewCapabilityError(node.ID, node.Type, err)
	}
	if output == nil {
		output = workflow.Empty()
	}
	return output, nil
}

// BreakerStates exposes breaker health for diagnostics.
func (d *Dispatcher) BreakerStates() map[string]gobreaker.State {
	return d.breakers.States()
}

// nodeTimeout reads a per-node timeout override from config, in
// seconds, falling back to the dispatcher default.
func (d *Dispatcher) nodeTimeout(node *workflow.Node) time.Duration {
	if v, ok := node.Config["timeout"]; ok {
		switch t := v.(type) {
		case float64:
			if t > 0 {
				return time.Duration(t * float64(time.Second))
			}
		case int:
			if t > 0 {
				return time.Duration(t) * time.Second
			}
		}
	}
	return d.timeout
}

// retryable filters out failures that another attempt cannot fix.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return true
}
