// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/telekom/audit-trail/pkg/audit"
)

// ReqLoggerKey is the gin context key of the request-scoped logger.
const ReqLoggerKey = "reqLogger"

// NewLogger builds the process logger. Production output is JSON; debug
// switches to the console encoder. Timestamps are RFC3339 UTC under "ts".
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	// Stacktraces on WARN make broker outage logs unreadable.
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// GetReqLogger returns the request-scoped logger stored on c, or fallback.
func GetReqLogger(c *gin.Context, fallback *zap.Logger) *zap.Logger {
	if c == nil {
		return fallback
	}
	if v, ok := c.Get(ReqLoggerKey); ok {
		if l, ok2 := v.(*zap.Logger); ok2 {
			return l
		}
	}
	return fallback
}

// EnrichReqLoggerWithActor annotates reqLogger with the authenticated actor.
func EnrichReqLoggerWithActor(actor *audit.Actor, reqLogger *zap.Logger) *zap.Logger {
	if actor == nil || reqLogger == nil {
		return reqLogger
	}
	fields := []zap.Field{zap.String("user_id", actor.ID)}
	if name := actor.DisplayName(); name != "" {
		fields = append(fields, zap.String("username", name))
	}
	return reqLogger.With(fields...)
}

// EventFields returns the identifying fields of an event for log lines.
func EventFields(e *audit.Event) []zap.Field {
	if e == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("log_id", e.LogID),
		zap.String("action", string(e.Action)),
		zap.String("object_type", e.ObjectType),
	}
	if e.ObjectID != nil {
		fields = append(fields, zap.String("object_id", *e.ObjectID))
	}
	return fields
}
