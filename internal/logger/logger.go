// internal/logger/logger.go
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unclebandit/zalo-scheduler/internal/config"
)

// Field names shared by every component.
const (
	FieldJobID     = "job_id"
	FieldTaskID    = "task_id"
	FieldAccountID = "account_id"
	FieldActorID   = "actor_id"
	FieldError     = "error"
	FieldErrorKind = "error_kind"
	FieldComponent = "component"
)

// New builds a JSON production logger or a console development logger.
func New(cfg config.Log) (*zap.SugaredLogger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	var zc zap.Config
	if cfg.JSON {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = level

	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// Nop is used when a component is built without a logger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
