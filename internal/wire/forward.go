// Package wire defines the messages exchanged between the runtime and its
// clients.
//
// A ForwardMsg travels server -> client. It is a sum type with exactly two
// shapes that share the same Metadata block:
//   - a full message carrying Content (a delta, a lifecycle marker, ...);
//   - a reference carrying only the hash of a previously sent full message.
//
// The shapes are enforced by the constructors NewForwardMsg and NewReference;
// the zero ForwardMsg is not valid.
//
// A BackMsg travels client -> server.
package wire

import (
	"slices"
	"sync"
	"sync/atomic"
)

// MessageType is the payload tag of a ForwardMsg on the wire.
type MessageType string

const (
	// TypeDelta carries a single UI element change.
	TypeDelta MessageType = "delta"
	// TypeNewSession marks the start of a script run.
	TypeNewSession MessageType = "new_session"
	// TypeScriptFinished marks the end of a script run.
	TypeScriptFinished MessageType = "script_finished"
	// TypeSessionEvent carries a session-level notification.
	TypeSessionEvent MessageType = "session_event"
	// TypeRefHash is a reference to a previously delivered message.
	TypeRefHash MessageType = "ref_hash"
)

// Metadata is carried by both full and reference messages.
type Metadata struct {
	// Cacheable is set by the runtime right before delivery.
	Cacheable bool `msgpack:"cacheable" json:"cacheable"`
	// DeltaPath locates the element inside the client's UI tree.
	DeltaPath []int `msgpack:"delta_path,omitempty" json:"delta_path,omitempty"`
}

func (m Metadata) clone() Metadata {
	return Metadata{
		Cacheable: m.Cacheable,
		DeltaPath: slices.Clone(m.DeltaPath),
	}
}

// Content is the payload of a full (non-reference) ForwardMsg.
type Content interface {
	messageType() MessageType
}

// Delta is an already-serialized UI element change produced by a script.
type Delta struct {
	// Kind is the delta operation, e.g. "new_element", "add_block",
	// "add_rows".
	Kind string `msgpack:"kind" json:"kind"`
	// Element is the opaque serialized element body.
	Element []byte `msgpack:"element" json:"element"`
}

func (*Delta) messageType() MessageType { return TypeDelta }

// NewSession is enqueued at the start of every script run.
type NewSession struct {
	// SessionID lets the client address session-scoped HTTP endpoints such
	// as file uploads.
	SessionID   string `msgpack:"session_id" json:"session_id"`
	ScriptRunID string `msgpack:"script_run_id" json:"script_run_id"`
	ScriptPath  string `msgpack:"script_path" json:"script_path"`
	// MaxCachedMessageAge tells the client how long to keep cached entries.
	MaxCachedMessageAge int `msgpack:"max_cached_message_age" json:"max_cached_message_age"`
}

func (*NewSession) messageType() MessageType { return TypeNewSession }

// FinishedStatus is the terminal status of a script run.
type FinishedStatus uint8

const (
	// FinishedSuccessfully means the script ran to completion.
	FinishedSuccessfully FinishedStatus = iota
	// FinishedWithCompileError means the script could not be loaded.
	FinishedWithCompileError
	// FinishedWithRuntimeError means the script raised during execution.
	FinishedWithRuntimeError
	// FinishedEarlyForRerun means the run was cancelled, usually because a
	// newer run was requested.
	FinishedEarlyForRerun
)

// String implements fmt.Stringer.
func (s FinishedStatus) String() string {
	switch s {
	case FinishedSuccessfully:
		return "success"
	case FinishedWithCompileError:
		return "compile_error"
	case FinishedWithRuntimeError:
		return "runtime_error"
	case FinishedEarlyForRerun:
		return "finished_early_for_rerun"
	default:
		return "unknown"
	}
}

// AgesCache reports whether a run ending with this status advances the age
// of message cache entries. Compile errors and cancelled runs do not.
func (s FinishedStatus) AgesCache() bool {
	return s == FinishedSuccessfully || s == FinishedWithRuntimeError
}

// ScriptFinished is enqueued exactly once at the end of every script run.
type ScriptFinished struct {
	Status FinishedStatus `msgpack:"status" json:"status"`
}

func (*ScriptFinished) messageType() MessageType { return TypeScriptFinished }

// Session event kinds.
const (
	EventScriptChangedOnDisk         = "script_changed_on_disk"
	EventScriptCompilationException  = "script_compilation_exception"
	EventBackMsgDeserializationError = "back_msg_deserialization_error"
)

// SessionEvent is a session-level notification that is not tied to a UI
// element.
type SessionEvent struct {
	Kind    string `msgpack:"kind" json:"kind"`
	Message string `msgpack:"message,omitempty" json:"message,omitempty"`
}

func (*SessionEvent) messageType() MessageType { return TypeSessionEvent }

// ForwardMsg is a single server -> client message.
type ForwardMsg struct {
	// Metadata is shared by both message shapes.
	Metadata Metadata

	content Content
	refHash string

	hashOnce sync.Once
	hash     string
	// hashed is set once hash holds its final value.
	hashed atomic.Bool
}

// NewForwardMsg constructs a full message. It panics on nil content.
func NewForwardMsg(c Content) *ForwardMsg {
	if c == nil {
		panic("wire: NewForwardMsg with nil content")
	}
	return &ForwardMsg{content: c}
}

// NewDeltaMsg is shorthand for a delta message at the given path.
func NewDeltaMsg(kind string, element []byte, path ...int) *ForwardMsg {
	msg := NewForwardMsg(&Delta{Kind: kind, Element: element})
	msg.Metadata.DeltaPath = path
	return msg
}

// NewReference builds a reference to orig. The reference carries orig's hash
// and a copy of orig's metadata, so a client can match it against its own
// cache without re-fetching.
func NewReference(orig *ForwardMsg) *ForwardMsg {
	return &ForwardMsg{
		Metadata: orig.Metadata.clone(),
		refHash:  orig.Hash(),
	}
}

// Type returns the payload tag.
func (m *ForwardMsg) Type() MessageType {
	if m.content == nil {
		return TypeRefHash
	}
	return m.content.messageType()
}

// IsReference reports whether m is a reference message.
func (m *ForwardMsg) IsReference() bool { return m.content == nil }

// RefHash returns the referenced hash, or "" for full messages.
func (m *ForwardMsg) RefHash() string { return m.refHash }

// Content returns the payload of a full message, or nil for references.
func (m *ForwardMsg) Content() Content { return m.content }

// Delta returns the delta payload, if any.
func (m *ForwardMsg) Delta() (*Delta, bool) {
	d, ok := m.content.(*Delta)
	return d, ok
}

// ScriptFinished returns the run-finished payload, if any.
func (m *ForwardMsg) ScriptFinished() (*ScriptFinished, bool) {
	f, ok := m.content.(*ScriptFinished)
	return f, ok
}

// SessionEvent returns the session event payload, if any.
func (m *ForwardMsg) SessionEvent() (*SessionEvent, bool) {
	e, ok := m.content.(*SessionEvent)
	return e, ok
}

// Hash returns the content hash of m, computing and memoizing it on first
// use. The memoized value is never changed afterwards.
func (m *ForwardMsg) Hash() string {
	m.hashOnce.Do(func() {
		if !m.hashed.Load() {
			m.hash = ComputeHash(m)
			m.hashed.Store(true)
		}
	})
	return m.hash
}

// HasHash reports whether the hash has been populated. It is safe to call
// concurrently with Hash.
func (m *ForwardMsg) HasHash() bool {
	return m.hashed.Load()
}

// populatedHash returns the memoized hash, or "" if Hash has not run yet.
func (m *ForwardMsg) populatedHash() string {
	if !m.hashed.Load() {
		return ""
	}
	return m.hash
}
