package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is silent until InitLogger runs, so library code and tests can log freely.
var Log = zap.NewNop().Sugar()

func InitLogger(levelStr string) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	// Default to INFO if invalid or empty
	if levelStr == "" {
		levelStr = "info"
	}
	level, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		level = zap.InfoLevel
	}

	// Console encoder on stdout is docker friendly.
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	core := zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level)

	Log = zap.New(core, zap.AddCaller()).Sugar()
	Log.Infof("Logger initialized at level: %s", level.String())
}

// Named returns a child logger tagged with a component name, e.g. a serial port.
func Named(name string) *zap.SugaredLogger {
	return Log.Named(name)
}
