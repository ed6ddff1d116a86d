// Package script runs the user script that produces UI deltas.
package script

import (
	"context"
	"encoding/json"

	"github.com/bhandras/deltarun/internal/wire"
)

// UserInfo identifies the user a session belongs to, when known.
type UserInfo struct {
	Email  string `json:"email,omitempty" yaml:"email,omitempty"`
	UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
}

// UploadedFile is a client upload handed to the script.
type UploadedFile struct {
	ID       int64  `json:"id"`
	WidgetID string `json:"widget_id"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Data     []byte `json:"data"`
}

// RunRequest is the input of a single script run.
type RunRequest struct {
	ScriptRunID  string          `json:"script_run_id"`
	SessionID    string          `json:"session_id"`
	QueryString  string          `json:"query_string,omitempty"`
	WidgetStates json.RawMessage `json:"widget_states,omitempty"`
	PageName     string          `json:"page_name,omitempty"`
	UserInfo     UserInfo        `json:"user_info"`

	// FileUploads is the uploader state sent by the client. The session
	// resolves it into Files before the run starts.
	FileUploads []wire.FileUploaderState `json:"-"`
	Files       []UploadedFile           `json:"files,omitempty"`
}

// Runner executes a script once. Every message the script produces is passed
// to emit in order; emit must not be retained after Run returns.
//
// Run returns FinishedEarlyForRerun when ctx is cancelled before the script
// completes.
type Runner interface {
	Run(ctx context.Context, req RunRequest, emit func(*wire.ForwardMsg)) wire.FinishedStatus
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req RunRequest, emit func(*wire.ForwardMsg)) wire.FinishedStatus

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req RunRequest, emit func(*wire.ForwardMsg)) wire.FinishedStatus {
	return f(ctx, req, emit)
}
