package common

import (
	"context"
	"github.com/uptrace/uptrace-go/uptrace"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
)

// InitOpentelemetry wires uptrace exporters when a DSN is configured. Without a
// DSN the global noop providers stay in place and the returned shutdown is a no-op.
func InitOpentelemetry(cfg OtlpConfig) (func(context.Context) error, error) {
	if cfg.Dsn() == "" {
		return func(context.Context) error { return nil }, nil
	}

	var options []uptrace.Option
	options = append(options, uptrace.WithDSN(cfg.Dsn()))
	options = append(options, uptrace.WithTracingEnabled(true))
	options = append(options, uptrace.WithLoggingEnabled(true))
	options = append(options, uptrace.WithServiceName(cfg.ServiceName()),
		uptrace.WithDeploymentEnvironment(cfg.Environment()),
		uptrace.WithServiceVersion(cfg.Version()),
	)
	uptrace.ConfigureOpentelemetry(options...)
	otel.SetTextMapPropagator(xray.Propagator{})
	return uptrace.Shutdown, nil
}
