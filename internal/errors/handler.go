package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/adrg/xdg"

	"pipelines/internal/besteffort"
	"pipelines/internal/ui"
)

// LogDirEnv overrides the log directory.
const LogDirEnv = "PIPELINES_LOG_DIR"

const logFileName = "pipelines.log"

type ErrorHandler struct {
	logger  *slog.Logger
	console *ui.Console
}

func NewErrorHandler() (*ErrorHandler, error) {
	logFile, err := createLogFile()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	return &ErrorHandler{
		logger:  logger,
		console: ui.NewConsole(),
	}, nil
}

func newConsoleOnlyHandler() *ErrorHandler {
	return &ErrorHandler{
		logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
		console: ui.NewConsole(),
	}
}

// logDir returns the XDG state log directory unless PIPELINES_LOG_DIR is set.
func logDir() string {
	if customLogDir := os.Getenv(LogDirEnv); customLogDir != "" {
		return customLogDir
	}
	return filepath.Join(xdg.StateHome, "pipelines", "logs")
}

// createLogDirectoryWithFallback creates the log directory, falling back to
// the current directory when it is not writable.
func createLogDirectoryWithFallback() (string, bool, error) {
	dir := logDir()
	err := os.MkdirAll(dir, 0750)
	if err == nil {
		testFile := filepath.Join(dir, ".test_write")
		f, testErr := os.Create(testFile)
		if testErr == nil {
			if err := f.Close(); err != nil {
				slog.Warn("Failed to close test file", "path", testFile, "error", err)
			}
			if err := os.Remove(testFile); err != nil {
				slog.Warn("Failed to remove test file", "path", testFile, "error", err)
			}
			return dir, false, nil
		}
		err = testErr
	}

	currentDir, cwdErr := os.Getwd()
	if cwdErr != nil {
		return "", true, fmt.Errorf("cannot determine current directory for fallback logging: %w", cwdErr)
	}

	fmt.Fprintf(os.Stderr, "Warning: Cannot access log directory %s: %v. Falling back to current directory for logging.\n", dir, err)
	return currentDir, true, nil
}

// rotateLogFile shifts pipelines.log.N to .N+1, dropping the oldest.
func rotateLogFile(logPath string) error {
	const maxFiles = 5

	oldest := fmt.Sprintf("%s.%d", logPath, maxFiles)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			slog.Warn("Failed to remove old log file", "path", oldest, "error", err)
		}
	}

	for i := maxFiles - 1; i > 0; i-- {
		oldPath := fmt.Sprintf("%s.%d", logPath, i)
		newPath := fmt.Sprintf("%s.%d", logPath, i+1)
		if _, err := os.Stat(oldPath); err == nil {
			if err := os.Rename(oldPath, newPath); err != nil {
				slog.Warn("Failed to rotate log file", "old", oldPath, "new", newPath, "error", err)
			}
		}
	}

	if _, err := os.Stat(logPath); err == nil {
		return os.Rename(logPath, logPath+".1")
	}
	return nil
}

// checkLogRotation rotates the log once it reaches 10MB.
func checkLogRotation(logPath string) error {
	const maxSizeBytes = 10 * 1024 * 1024

	info, err := os.Stat(logPath)
	if err != nil {
		return nil
	}
	if info.Size() >= maxSizeBytes {
		return rotateLogFile(logPath)
	}
	return nil
}

func createLogFile() (*os.File, error) {
	dir, _, err := createLogDirectoryWithFallback()
	if err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(dir, logFileName)
	if err := checkLogRotation(logPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to rotate log file: %v\n", err)
	}

	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

func (h *ErrorHandler) Handle(err error) {
	if err == nil {
		return
	}

	var pipelineErr *PipelineError
	if errors.As(err, &pipelineErr) {
		h.handlePipelineError(pipelineErr)
	} else {
		h.handleGenericError(err)
	}
}

func (h *ErrorHandler) handlePipelineError(err *PipelineError) {
	h.logStructuredError(err)

	cause := err.Cause
	if cause == "" && err.OriginalErr != nil {
		cause = err.OriginalErr.Error()
	}
	message := h.console.FormatErrorMessage(err.Context, cause, err.Suggestion)
	h.console.PrintError(message)
}

func (h *ErrorHandler) handleGenericError(err error) {
	h.logger.Error("Unhandled error occurred",
		"error", err.Error(),
		"type", "generic",
	)

	h.console.PrintError(err.Error())
}

func (h *ErrorHandler) logStructuredError(err *PipelineError) {
	logAttrs := []slog.Attr{
		slog.String("error", err.OriginalErr.Error()),
		slog.String("type", getErrorTypeName(err.Type)),
		slog.String("context", err.Context),
	}

	if err.Cause != "" {
		logAttrs = append(logAttrs, slog.String("cause", err.Cause))
	}
	if err.Suggestion != "" {
		logAttrs = append(logAttrs, slog.String("suggestion", err.Suggestion))
	}

	var failed *besteffort.ExecutionFailedError
	if errors.As(err.OriginalErr, &failed) {
		logAttrs = append(logAttrs,
			slog.String("step", failed.Label),
			slog.String("command", failed.Command),
			slog.String("exit_code", strconv.Itoa(failed.ExitCode)),
		)
	}

	h.logger.LogAttrs(context.TODO(), slog.LevelError, "Pipeline error occurred", logAttrs...)
}

func getErrorTypeName(errType error) string {
	switch errType {
	case ErrConfigNotFound:
		return "config_not_found"
	case ErrConfigInvalid:
		return "config_invalid"
	case ErrEngineFailed:
		return "engine_failed"
	case ErrRestoreFailed:
		return "restore_failed"
	case ErrTestsFailed:
		return "tests_failed"
	case ErrExportFailed:
		return "export_failed"
	case ErrReportFailed:
		return "report_failed"
	case ErrFileSystemFailed:
		return "filesystem_failed"
	default:
		return "unknown"
	}
}
