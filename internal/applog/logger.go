// Package applog configures the process-wide structured logger and
// provides per-job correlation scoping on top of it.
package applog

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	arborcommon "github.com/ternarybob/arbor/common"
	"github.com/ternarybob/arbor/models"

	"github.com/jobforge/agentjobs/internal/appconfig"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

// Get returns the global logger instance. If Setup hasn't run yet it
// returns a fallback console logger rather than a nil pointer.
func Get() arbor.ILogger {
	loggerMutex.RLock()
	if globalLogger != nil {
		loggerMutex.RUnlock()
		return globalLogger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(writerConfig(nil, models.LogWriterTypeConsole, ""))
		globalLogger.Warn().Msg("applog.Setup was never called - using fallback console logger")
	}
	return globalLogger
}

// Setup configures and installs the global logger from appconfig.Logging.
func Setup(cfg *appconfig.Config) arbor.ILogger {
	logger := arbor.NewLogger()

	execPath, err := os.Executable()
	if err != nil {
		logger = logger.WithConsoleWriter(writerConfig(cfg, models.LogWriterTypeConsole, ""))
		logger.Warn().Err(err).Msg("failed to resolve executable path - falling back to console-only logging")
	} else {
		logsDir := filepath.Join(filepath.Dir(execPath), "logs")

		var hasFile, hasConsole bool
		for _, out := range cfg.Logging.Output {
			switch out {
			case "file":
				hasFile = true
			case "stdout", "console":
				hasConsole = true
			}
		}

		if hasFile {
			if err := os.MkdirAll(logsDir, 0755); err != nil {
				logger.WithConsoleWriter(writerConfig(cfg, models.LogWriterTypeConsole, "")).
					Warn().Err(err).Str("logs_dir", logsDir).Msg("failed to create logs directory")
			} else {
				logger = logger.WithFileWriter(writerConfig(cfg, models.LogWriterTypeFile, filepath.Join(logsDir, "agentjobsd.log")))
			}
		}

		if hasConsole || (!hasFile && !hasConsole) {
			logger = logger.WithConsoleWriter(writerConfig(cfg, models.LogWriterTypeConsole, ""))
		}
	}

	// Memory writer keeps recent log lines in process; no HTTP endpoint
	// reads them.
	logger = logger.WithMemoryWriter(writerConfig(cfg, models.LogWriterTypeMemory, ""))
	logger = logger.WithLevelFromString(cfg.Logging.Level)

	loggerMutex.Lock()
	globalLogger = logger
	loggerMutex.Unlock()

	return logger
}

func writerConfig(cfg *appconfig.Config, t models.LogWriterType, filename string) models.WriterConfiguration {
	timeFormat := "15:04:05.000"
	if cfg != nil && cfg.Logging.TimeFormat != "" {
		timeFormat = cfg.Logging.TimeFormat
	}

	return models.WriterConfiguration{
		Type:             t,
		FileName:         filename,
		TimeFormat:       timeFormat,
		DisableTimestamp: false,
		MaxSize:          100 * 1024 * 1024,
		MaxBackups:       3,
	}
}

// WithJob returns a logger scoped to a job's correlation id, the pattern
// every component uses to tag log lines with job_id.
func WithJob(logger arbor.ILogger, jobID string) arbor.ILogger {
	return logger.WithCorrelationId(jobID)
}

// Stop flushes any buffered log writers before process exit.
func Stop() {
	arborcommon.Stop()
}
