package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"prime-checker/internal/client"
	"prime-checker/internal/correlation"
	"prime-checker/internal/models"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Check failed or was not found
	ExitCommandError = 2 // Bad flags, unreachable server
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// apiError turns a client error into an ExitError with a fitting code.
func apiError(op string, err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return WrapExitError(ExitFailure, op, err)
	case errors.Is(err, models.ErrValidation):
		return WrapExitError(ExitCommandError, op, err)
	case client.IsTransient(err):
		return WrapExitError(ExitCommandError, op+": server unavailable", err)
	default:
		return WrapExitError(ExitCommandError, op, err)
	}
}

// CheckOutput is the JSON shape of one check on stdout.
type CheckOutput struct {
	models.Check
	Links *correlation.Links `json:"links,omitempty"`
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string `json:"status"` // "ok" or "error"
	Data   any    `json:"data,omitempty"`
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
	Linker    correlation.Linker
}

func (f *OutputFormatter) present(c models.Check) CheckOutput {
	out := CheckOutput{Check: c}
	if l := f.Linker.Links(c); !l.Empty() {
		out.Links = &l
	}
	return out
}

// Check prints a single check.
func (f *OutputFormatter) Check(c models.Check) error {
	out := f.present(c)
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: out})
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", c.ID)
	fmt.Fprintf(tw, "number:\t%s\n", c.Number)
	fmt.Fprintf(tw, "status:\t%s\n", c.Status)
	fmt.Fprintf(tw, "prime:\t%s\n", primeText(c))
	fmt.Fprintf(tw, "created:\t%s\n", c.CreatedAt.Format("2006-01-02 15:04:05"))
	if out.Links != nil {
		if out.Links.Trace != "" {
			fmt.Fprintf(tw, "trace:\t%s\n", out.Links.Trace)
		}
		if out.Links.Mail != "" {
			fmt.Fprintf(tw, "mail:\t%s\n", out.Links.Mail)
		}
	}
	return tw.Flush()
}

// Checks prints a table of checks. pending marks the leading entries that the
// server has not confirmed yet.
func (f *OutputFormatter) Checks(checks []models.Check, pending int) error {
	if f.Format == "json" {
		items := make([]CheckOutput, 0, len(checks))
		for _, c := range checks {
			items = append(items, f.present(c))
		}
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: items})
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNUMBER\tSTATUS\tPRIME\tTRACE")
	for i, c := range checks {
		status := string(c.Status)
		if i < pending {
			status = "submitting"
		}
		trace := f.Linker.TraceURL(c.TraceID)
		if trace == "" {
			trace = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, shorten(c.Number, 24), status, primeText(c), trace)
	}
	return tw.Flush()
}

// VerboseLog writes a diagnostic line when verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

func primeText(c models.Check) string {
	if c.IsPrime == nil {
		return "-"
	}
	if *c.IsPrime {
		return "yes"
	}
	return "no"
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
