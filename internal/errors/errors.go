package errors

import "sync"

var (
	defaultHandler *ErrorHandler
	defaultErr     error
	once           sync.Once
)

func GetDefaultHandler() (*ErrorHandler, error) {
	once.Do(func() {
		defaultHandler, defaultErr = NewErrorHandler()
	})
	return defaultHandler, defaultErr
}

// HandleError logs and prints err with the default handler. It falls back to
// plain console output when no log file can be opened.
func HandleError(err error) {
	handler, handlerErr := GetDefaultHandler()
	if handlerErr != nil {
		handler = newConsoleOnlyHandler()
	}
	handler.Handle(err)
}

// resetDefaultHandler resets the singleton for testing purposes
func resetDefaultHandler() {
	defaultHandler = nil
	defaultErr = nil
	once = sync.Once{}
}
