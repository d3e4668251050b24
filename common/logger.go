package common

import (
	"context"
	"github.com/go-logr/zapr"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"os"
)

type Logger struct {
	*otelzap.Logger
}

func (log *Logger) Ctx(ctx context.Context) otelzap.LoggerWithCtx {
	return log.Logger.Ctx(ctx)
}

func (log *Logger) OtelZapLogger() *otelzap.Logger {
	return log.Logger
}

func (log *Logger) ZapLogger() *zap.Logger {
	return log.Logger.Logger
}

// Named returns a child logger tagged with the component name.
func (log *Logger) Named(name string) *Logger {
	return &Logger{Logger: otelzap.New(log.ZapLogger().Named(name))}
}

func NewLogger(cfg OtlpConfig) (*Logger, error) {
	zapConf := zap.NewProductionEncoderConfig()
	zapConf.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	var defaultLogLevel zapcore.Level
	if cfg.Debug() {
		zapConf.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(zapConf)
		defaultLogLevel = zapcore.DebugLevel
	} else {
		encoder = zapcore.NewJSONEncoder(zapConf)
		defaultLogLevel = zapcore.InfoLevel
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), defaultLogLevel)
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)).
		With(zap.String("service", cfg.ServiceName()), zap.String("environment", cfg.Environment()))

	logger := &Logger{
		Logger: otelzap.New(zapLogger, otelzap.WithMinLevel(defaultLogLevel)),
	}
	zap.ReplaceGlobals(logger.ZapLogger())
	otelzap.ReplaceGlobals(logger.OtelZapLogger())

	// otel reports exporter and propagation errors through logr.
	otel.SetLogger(zapr.NewLogger(logger.ZapLogger()))

	return logger, nil
}

// NewLoggerFromZap wraps an existing zap logger, mostly for tests (zaptest, observer cores).
func NewLoggerFromZap(zapLogger *zap.Logger) *Logger {
	return &Logger{Logger: otelzap.New(zapLogger)}
}

func NewNopLogger() *Logger {
	return NewLoggerFromZap(zap.NewNop())
}
