package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for reconctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran but did not reach its goal
	ExitCommandError = 2 // bad arguments, configuration or connectivity
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the code carried by err, or ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON output envelope.
type Response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Printer writes command results as JSON or indented text.
type Printer struct {
	Format string
	Writer io.Writer
}

// Success prints a result.
func (p *Printer) Success(data any) error {
	if p.Format == "json" {
		return json.NewEncoder(p.Writer).Encode(Response{Status: "ok", Data: data})
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.Writer, string(b))
	return err
}
