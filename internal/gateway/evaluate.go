package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xizzxy/gatekeeper/internal/limiter"
	"github.com/xizzxy/gatekeeper/internal/telemetry"
)

// Evaluate runs identity through the resource's limiter. Store failures are
// logged and counted here; the returned decision already follows the
// limiter's failure mode.
func (s *Server) Evaluate(ctx context.Context, resource, identity string) (limiter.Decision, error) {
	l := s.registry.ForResource(resource)
	algorithm := string(l.Config().Algorithm)

	ctx, span := telemetry.Tracer().Start(ctx, "ratelimit.evaluate", trace.WithAttributes(
		attribute.String("ratelimit.resource", resource),
		attribute.String("ratelimit.algorithm", algorithm),
	))
	defer span.End()

	start := time.Now()
	d, err := l.Evaluate(ctx, identity, s.now())
	s.metrics.RecordDecision(resource, algorithm, d.Allowed, time.Since(start))

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", d.Allowed),
		attribute.Int64("ratelimit.remaining", d.Remaining),
	)
	if err != nil {
		s.metrics.RecordStoreError(resource, string(l.FailureMode()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "counter store unavailable")
		s.logger.Error("Rate limit evaluation failed",
			"resource", resource,
			"failure_mode", l.FailureMode(),
			"allowed", d.Allowed,
			"error", err,
		)
	}
	return d, err
}
