package validation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pdm.validation")

func startValidationSpan(ctx context.Context, kind Kind, projectID, teamID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Validator."+string(kind),
		trace.WithAttributes(
			attribute.String("validation.project_id", projectID),
			attribute.String("validation.team_id", teamID),
		),
	)
}

func endValidationSpan(span trace.Span, verdict *Verdict, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(
		attribute.Bool("validation.passed", verdict.Passed),
		attribute.Int("validation.discrepancies", len(verdict.Discrepancies)),
	)
}
