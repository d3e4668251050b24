package common

import (
	"context"
	"fmt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"strconv"
)

// SetLogError logs err, marks the current span as failed and returns the wrapped error.
func SetLogError(ctx context.Context, description string, err error, logger *Logger, attrs ...attribute.KeyValue) error {
	recordError := fmt.Errorf("%s: %w", description, err)
	fields := make([]zap.Field, 0, len(attrs)+1)
	fields = append(fields, zap.Error(err))
	for _, attr := range attrs {
		fields = append(fields, zap.String(string(attr.Key), attr.Value.Emit()))
	}
	logger.Ctx(ctx).Error(description, fields...)
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
		span.SetStatus(codes.Error, recordError.Error())
	}
	return recordError
}

func Int64ToString(n int64) string {
	buf := make([]byte, 0, 20)
	buf = strconv.AppendInt(buf, n, 10)
	return string(buf)
}

// ParseCount accepts only non-empty runs of ASCII digits.
func ParseCount(d string) (n int64, ok bool) {
	if len(d) == 0 || len(d) > 18 {
		return 0, false
	}

	// ASCII numbers 0-9
	const (
		asciiZero = 48
		asciiNine = 57
	)

	for _, dec := range d {
		if dec < asciiZero || dec > asciiNine {
			return 0, false
		}
		n = n*10 + int64(dec) - asciiZero
	}
	return n, true
}
