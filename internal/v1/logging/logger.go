package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	ConferenceIDKey  contextKey = "conference_id"
	EndpointIDKey    contextKey = "endpoint_id"
	BridgeKey        contextKey = "bridge"
)

// Initialize sets up the global logger based on the environment
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		// Common configuration
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback specific for tests or before init
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Debug logs a message at DebugLevel
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, appendContextFields(ctx, fields)...)
}

// Info logs a message at InfoLevel
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

// WithConference returns a context whose log lines carry the conference room.
func WithConference(ctx context.Context, room string) context.Context {
	return context.WithValue(ctx, ConferenceIDKey, room)
}

// WithEndpoint returns a context whose log lines carry the endpoint id.
func WithEndpoint(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, EndpointIDKey, endpoint)
}

// WithBridge returns a context whose log lines carry the bridge JID.
func WithBridge(ctx context.Context, bridge string) context.Context {
	return context.WithValue(ctx, BridgeKey, bridge)
}

// appendContextFields adds context fields to the logger
func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if conf, ok := ctx.Value(ConferenceIDKey).(string); ok {
		fields = append(fields, zap.String("conference_id", conf))
	}
	if ep, ok := ctx.Value(EndpointIDKey).(string); ok {
		fields = append(fields, zap.String("endpoint_id", ep))
	}
	if b, ok := ctx.Value(BridgeKey).(string); ok {
		fields = append(fields, zap.String("bridge", b))
	}

	// Default service name
	fields = append(fields, zap.String("service", "conference-focus"))

	return fields
}

// PII Redaction helpers

// RedactJID masks the local part of a JID, keeping the domain for debugging.
func RedactJID(jid string) string {
	if len(jid) == 0 {
		return ""
	}
	atIndex := -1
	for i, c := range jid {
		if c == '@' {
			atIndex = i
			break
		}
	}
	if atIndex > 0 {
		return "***" + jid[atIndex:]
	}
	return "***"
}
