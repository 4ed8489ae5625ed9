// Package shared holds state and helpers common to all subcommands.
package shared

import (
	"fmt"
	"os"

	"github.com/devyukine/rom-converto/lib/ctr/pipeline"
)

// Quiet disables the interactive progress display (--quiet).
var Quiet bool

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// Exit wraps an error with an exit code.
func Exit(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

// Interactive reports whether stdout is a terminal, gating the
// bubbletea progress UI.
func Interactive() bool {
	if Quiet {
		return false
	}
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Exit codes per command contract.
const (
	ExitScanError    = 2
	ExitWriteError   = 3
	ExitParseError   = 4
	ExitCryptoError  = 5
	ExitNetworkError = 6
)

// PackExit maps a pack pipeline failure to its exit code.
func PackExit(err error) error {
	switch pipeline.KindOf(err) {
	case pipeline.KindInputMissing, pipeline.KindFormat:
		return Exit(ExitScanError, err)
	case pipeline.KindCancelled:
		return Exit(130, err)
	default:
		return Exit(ExitWriteError, err)
	}
}

// DecryptExit maps a decrypt pipeline failure to its exit code.
func DecryptExit(err error) error {
	switch pipeline.KindOf(err) {
	case pipeline.KindInputMissing, pipeline.KindFormat:
		return Exit(ExitParseError, err)
	case pipeline.KindCancelled:
		return Exit(130, err)
	default:
		return Exit(ExitCryptoError, err)
	}
}

// Describe formats a byte count for log lines.
func Describe(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
