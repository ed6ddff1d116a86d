package script

import (
	"context"
	"errors"
	"time"

	"github.com/bhandras/deltarun/internal/wire"
)

// DefaultCheckTimeout bounds a health-check run.
const DefaultCheckTimeout = 60 * time.Second

// Check outcomes.
const (
	CheckOK      = "ok"
	CheckError   = "error"
	CheckTimeout = "timeout"
)

// Check runs the script once with empty client state and reports whether it
// finished without error. The message is one of CheckOK, CheckError or
// CheckTimeout.
func Check(ctx context.Context, runner Runner, timeout time.Duration) (bool, string) {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status := runner.Run(ctx, RunRequest{ScriptRunID: "health-check"}, func(*wire.ForwardMsg) {})

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return false, CheckTimeout
	}
	if status == wire.FinishedSuccessfully {
		return true, CheckOK
	}
	return false, CheckError
}
