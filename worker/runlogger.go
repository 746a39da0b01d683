package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newRunLogger opens a per-run log file under logDir and returns a logger
// that tees every entry there and through parent for the process-wide
// stream the API's log viewer and operator tail both read from (section 5:
// "loggers are per-run, file handles owned by the run, plus a process-wide
// structured logger for scheduler/worker events"). The returned close func
// must be called once the run finishes.
func newRunLogger(logDir, runID string, parent *zap.Logger) (*zap.Logger, func(), error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("worker: create log dir: %w", err)
	}
	path := filepath.Join(logDir, runID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: open run log file: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zap.InfoLevel)

	core := fileCore
	if parent != nil {
		core = zapcore.NewTee(fileCore, parent.Core())
	}

	logger := zap.New(core).With(zap.String("run_id", runID))
	closeFn := func() {
		_ = logger.Sync()
		_ = f.Close()
	}
	return logger, closeFn, nil
}
