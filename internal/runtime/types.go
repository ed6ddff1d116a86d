package runtime

import (
	"errors"
	"time"

	"github.com/bhandras/deltarun/internal/script"
	"github.com/bhandras/deltarun/internal/session"
	"github.com/bhandras/deltarun/internal/uploads"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("runtime already started")
	// ErrRuntimeStopped is returned by operations after Stop.
	ErrRuntimeStopped = errors.New("runtime stopped")
	// ErrNotStarted is returned by operations that need a started runtime.
	ErrNotStarted = errors.New("runtime not started")
	// ErrMessageNotCached is returned by CachedMessage on a miss.
	ErrMessageNotCached = errors.New("message not cached")

	// ErrClientDisconnected is returned by Client.WriteMessage once the peer
	// is gone.
	ErrClientDisconnected = session.ErrClientDisconnected
)

// Client delivers encoded forward messages to a single peer.
type Client = session.Client

// Defaults for Config fields left zero.
const (
	DefaultMinCachedMessageSize = 10 * 1000
	DefaultMaxCachedMessageAge  = 2
	DefaultFlushInterval        = 10 * time.Millisecond
	DefaultFlushBudget          = 100 * time.Millisecond
	DefaultRunDrainTimeout      = 5 * time.Second
)

// Config configures a Runtime.
type Config struct {
	ScriptPath string
	Runner     script.Runner

	// MinCachedMessageSize is the smallest encoded delta that is cached.
	// nil means DefaultMinCachedMessageSize; 0 caches every delta.
	MinCachedMessageSize *int
	// MaxCachedMessageAge is the number of completed runs an unused cache
	// entry survives. nil means DefaultMaxCachedMessageAge; 0 evicts an
	// entry on the first completed run that does not resend it.
	MaxCachedMessageAge *int

	FlushInterval time.Duration
	// FlushBudget bounds the time a single flush pass spends before yielding
	// to the next tick.
	FlushBudget time.Duration

	ScriptCheckTimeout time.Duration
	// RunDrainTimeout bounds how long Stop waits for cancelled runs to
	// return before reporting the runtime stopped.
	RunDrainTimeout time.Duration

	// Uploads is optional.
	Uploads *uploads.Manager
}

func (c *Config) minCachedMessageSize() int {
	if c.MinCachedMessageSize == nil || *c.MinCachedMessageSize < 0 {
		return DefaultMinCachedMessageSize
	}
	return *c.MinCachedMessageSize
}

func (c *Config) maxCachedMessageAge() int {
	if c.MaxCachedMessageAge == nil || *c.MaxCachedMessageAge < 0 {
		return DefaultMaxCachedMessageAge
	}
	return *c.MaxCachedMessageAge
}

func (c *Config) setDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.FlushBudget <= 0 {
		c.FlushBudget = DefaultFlushBudget
	}
	if c.ScriptCheckTimeout <= 0 {
		c.ScriptCheckTimeout = script.DefaultCheckTimeout
	}
	if c.RunDrainTimeout <= 0 {
		c.RunDrainTimeout = DefaultRunDrainTimeout
	}
}

// State is the lifecycle state of a Runtime.
type State int

const (
	StateInitial State = iota
	StateNoSessionsConnected
	StateOneOrMoreSessionsConnected
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateNoSessionsConnected:
		return "no_sessions_connected"
	case StateOneOrMoreSessionsConnected:
		return "one_or_more_sessions_connected"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
