package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  *zap.Logger
	once sync.Once
)

// Init configures the process-wide structured logger. Safe to call more
// than once; only the first call takes effect.
func Init() {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if os.Getenv("LOG_LEVEL") == "debug" {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		built, err := cfg.Build(zap.WithCaller(false))
		if err != nil {
			// Fall back to a no-op logger rather than crashing at startup.
			built = zap.NewNop()
		}
		log = built
	})
}

func fieldsToZap(fields map[string]interface{}) []zap.Field {
	zf := make([]zap.Field, 0, len(fields))
	for key, value := range fields {
		zf = append(zf, zap.Any(key, value))
	}
	return zf
}

func Debug(event string, fields map[string]interface{}) {
	Init()
	log.Debug(event, fieldsToZap(fields)...)
}

func Info(event string, fields map[string]interface{}) {
	Init()
	log.Info(event, fieldsToZap(fields)...)
}

func Warn(event string, fields map[string]interface{}) {
	Init()
	log.Warn(event, fieldsToZap(fields)...)
}

func Error(event string, err error, fields map[string]interface{}) {
	Init()
	zf := fieldsToZap(fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	log.Error(event, zf...)
}
