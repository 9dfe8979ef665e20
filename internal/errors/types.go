package errors

import "errors"

var (
	ErrConfigNotFound   = errors.New("pipeline file not found")
	ErrConfigInvalid    = errors.New("configuration invalid")
	ErrEngineFailed     = errors.New("engine operation failed")
	ErrRestoreFailed    = errors.New("dependency restore failed")
	ErrTestsFailed      = errors.New("tests failed")
	ErrExportFailed     = errors.New("artifact export failed")
	ErrReportFailed     = errors.New("status report failed")
	ErrFileSystemFailed = errors.New("filesystem operation failed")
)

type PipelineError struct {
	Type        error
	Context     string
	Cause       string
	Suggestion  string
	OriginalErr error
}

func (e *PipelineError) Error() string {
	return e.OriginalErr.Error()
}

func (e *PipelineError) Unwrap() error {
	return e.OriginalErr
}

// Is lets errors.Is match the category sentinel as well as the wrapped error.
func (e *PipelineError) Is(target error) bool {
	return target == e.Type
}

func NewPipelineError(errorType error, context, cause, suggestion string, originalErr error) *PipelineError {
	return &PipelineError{
		Type:        errorType,
		Context:     context,
		Cause:       cause,
		Suggestion:  suggestion,
		OriginalErr: originalErr,
	}
}

func NewConfigNotFoundError(context, cause, suggestion string, originalErr error) *PipelineError {
	return NewPipelineError(ErrConfigNotFound, context, cause, suggestion, originalErr)
}

func NewConfigError(context, cause, suggestion string, originalErr error) *PipelineError {
	return NewPipelineError(ErrConfigInvalid, context, cause, suggestion, originalErr)
}

func NewEngineError(context, cause, suggestion string, originalErr error) *PipelineError {
	return NewPipelineError(ErrEngineFailed, context, cause, suggestion, originalErr)
}

func NewRestoreError(context, cause, suggestion string, originalErr error) *PipelineError {
	return NewPipelineError(ErrRestoreFailed, context, cause, suggestion, originalErr)
}

func NewTestsError(context, cause, suggestion string, originalErr error) *PipelineError {
	return NewPipelineError(ErrTestsFailed, context, cause, suggestion, originalErr)
}

func NewExportError(context, cause, suggestion string, originalErr error) *PipelineError {
	return NewPipelineError(ErrExportFailed, context, cause, suggestion, originalErr)
}

func NewReportError(context, cause, suggestion string, originalErr error) *PipelineError {
	return NewPipelineError(ErrReportFailed, context, cause, suggestion, originalErr)
}

func NewFileSystemError(context, cause, suggestion string, originalErr error) *PipelineError {
	return NewPipelineError(ErrFileSystemFailed, context, cause, suggestion, originalErr)
}
