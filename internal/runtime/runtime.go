// Package runtime owns the session registry and delivers queued forward
// messages to clients, deduplicating large payloads through a shared message
// cache.
package runtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/bhandras/deltarun/internal/logger"
	"github.com/bhandras/deltarun/internal/msgcache"
	"github.com/bhandras/deltarun/internal/script"
	"github.com/bhandras/deltarun/internal/session"
	"github.com/bhandras/deltarun/internal/stats"
	"github.com/bhandras/deltarun/internal/wire"
	"github.com/google/uuid"
)

// Runtime manages sessions and their delivery loop.
type Runtime struct {
	cfg   Config
	cache *msgcache.Cache

	minCachedSize int
	maxCachedAge  int

	mu       sync.Mutex
	state    State
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[string]*session.Session
	// order is registration order; the flush loop walks it round-robin.
	order []string

	needSend chan struct{}
	stopCh   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// cursor is owned by the flush loop.
	cursor int
}

// New returns a Runtime in StateInitial.
func New(cfg Config) *Runtime {
	cfg.setDefaults()
	r := &Runtime{
		cfg:           cfg,
		cache:         msgcache.New(),
		minCachedSize: cfg.minCachedMessageSize(),
		maxCachedAge:  cfg.maxCachedMessageAge(),
		sessions:      make(map[string]*session.Session),
		needSend:      make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	if cfg.Uploads != nil {
		cfg.Uploads.SetOnFilesUpdated(r.onFilesUpdated)
	}
	return r
}

// Start launches the flush loop. The runtime stops when ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateInitial:
	case StateStopping, StateStopped:
		return ErrRuntimeStopped
	default:
		return ErrAlreadyStarted
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.state = StateNoSessionsConnected
	go r.loop(r.ctx)
	logger.Infof("[runtime] started")
	return nil
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SessionCount returns the number of registered sessions.
func (r *Runtime) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CreateSession registers a session for client and schedules its initial
// script run.
func (r *Runtime) CreateSession(client Client, userInfo script.UserInfo) (string, error) {
	r.mu.Lock()
	switch r.state {
	case StateInitial:
		r.mu.Unlock()
		return "", ErrNotStarted
	case StateStopping, StateStopped:
		r.mu.Unlock()
		return "", ErrRuntimeStopped
	}

	var files session.FileStore
	if r.cfg.Uploads != nil {
		files = r.cfg.Uploads
	}
	s := session.New(session.Config{
		ID:                  uuid.NewString(),
		Client:              client,
		Runner:              r.cfg.Runner,
		ScriptPath:          r.cfg.ScriptPath,
		MaxCachedMessageAge: r.maxCachedAge,
		UserInfo:            userInfo,
		Uploads:             files,
		OnNeedSend:          r.signalNeedSend,
		OnClearCache:        r.cache.Clear,
	})
	r.sessions[s.ID()] = s
	r.order = append(r.order, s.ID())
	r.state = StateOneOrMoreSessionsConnected
	ctx := r.ctx
	r.mu.Unlock()

	s.Start(ctx)
	if err := startInitialRun(s); err != nil {
		return "", err
	}
	logger.Infof("[runtime] session %s created", s.ID())
	return s.ID(), nil
}

// startInitialRun schedules the first run of a new session.
func startInitialRun(s *session.Session) error {
	err := s.RequestRerun(nil)
	// Stop can shut the session down between registration and here.
	if errors.Is(err, session.ErrSessionShutDown) {
		return ErrRuntimeStopped
	}
	return err
}

func (r *Runtime) lookup(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateStopping || r.state == StateStopped {
		return nil, ErrRuntimeStopped
	}
	return r.sessions[id], nil
}

// CloseSession shuts down and deregisters a session. Unknown ids are
// ignored.
func (r *Runtime) CloseSession(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.order = slices.DeleteFunc(r.order, func(v string) bool { return v == id })
	if len(r.sessions) == 0 && r.state == StateOneOrMoreSessionsConnected {
		r.state = StateNoSessionsConnected
	}
	r.mu.Unlock()

	s.Shutdown()
	logger.Infof("[runtime] session %s closed", id)
}

// IsActiveSession reports whether id names a registered, live session.
func (r *Runtime) IsActiveSession(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	return ok && s.IsActive()
}

// HandleEvent routes a client message to its session. Messages for unknown
// or shut down sessions are dropped.
func (r *Runtime) HandleEvent(id string, msg *wire.BackMsg) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if s == nil {
		logger.Debugf("[runtime] dropping %s for unknown session %s", msg.Type, id)
		return nil
	}
	if err := s.HandleEvent(msg); err != nil && !errors.Is(err, session.ErrSessionShutDown) {
		return err
	}
	return nil
}

// HandleEventDeserializationFailure reports an undecodable client message to
// its session.
func (r *Runtime) HandleEventDeserializationFailure(id string, cause error) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if s == nil {
		logger.Debugf("[runtime] dropping bad message for unknown session %s", id)
		return nil
	}
	s.HandleDeserializationFailure(cause)
	return nil
}

// RequestRerunAll tells every client that the script changed and reruns its
// session with the last client state. It is the hook for script change
// notifications.
func (r *Runtime) RequestRerunAll() {
	for _, s := range r.snapshot() {
		s.Enqueue(wire.NewForwardMsg(&wire.SessionEvent{Kind: wire.EventScriptChangedOnDisk}))
		if err := s.RequestRerun(nil); err != nil && !errors.Is(err, session.ErrSessionShutDown) {
			logger.Warnf("[runtime] session %s rerun: %v", s.ID(), err)
		}
	}
}

// CachedMessage returns a serialized message previously delivered to any
// client.
func (r *Runtime) CachedMessage(hash string) ([]byte, error) {
	if r.State() == StateInitial {
		return nil, ErrNotStarted
	}
	data, ok := r.cache.Get(hash)
	if !ok {
		return nil, ErrMessageNotCached
	}
	return data, nil
}

// IsReadyForConnections reports whether new sessions can be created.
func (r *Runtime) IsReadyForConnections() (bool, string) {
	switch r.State() {
	case StateNoSessionsConnected, StateOneOrMoreSessionsConnected:
		return true, "ok"
	default:
		return false, "unavailable"
	}
}

// ScriptRunsWithoutError runs the script once in isolation.
func (r *Runtime) ScriptRunsWithoutError(ctx context.Context) (bool, string) {
	return script.Check(ctx, r.cfg.Runner, r.cfg.ScriptCheckTimeout)
}

// Stats reports cache and upload memory usage.
func (r *Runtime) Stats() []stats.CacheStat {
	providers := []stats.Provider{r.cache}
	if r.cfg.Uploads != nil {
		providers = append(providers, r.cfg.Uploads)
	}
	return stats.Collect(providers...)
}

// Stop begins shutdown and returns immediately. Stopped is closed once every
// session has been shut down.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateStopping, StateStopped:
		return
	case StateInitial:
		r.state = StateStopped
		close(r.stopped)
		return
	}
	r.state = StateStopping
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Stopped is closed when the runtime reaches StateStopped.
func (r *Runtime) Stopped() <-chan struct{} { return r.stopped }

func (r *Runtime) onFilesUpdated(sessionID string) {
	if r.IsActiveSession(sessionID) {
		return
	}
	// Uploads racing a disconnect would otherwise leak.
	if err := r.cfg.Uploads.RemoveSessionFiles(context.Background(), sessionID); err != nil {
		logger.Warnf("[runtime] session %s: removing stale uploads: %v", sessionID, err)
	}
}

func (r *Runtime) signalNeedSend() {
	select {
	case r.needSend <- struct{}{}:
	default:
	}
}

func (r *Runtime) snapshot() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

func (r *Runtime) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Stop()
			r.shutdown()
			return
		case <-r.stopCh:
			r.shutdown()
			return
		case <-r.needSend:
			r.flush()
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Runtime) shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session.Session)
	r.order = nil
	r.mu.Unlock()

	for _, s := range sessions {
		s.Shutdown()
	}
	r.drainRuns(sessions)

	r.mu.Lock()
	r.cancel()
	r.state = StateStopped
	r.mu.Unlock()
	close(r.stopped)
	logger.Infof("[runtime] stopped")
}

// drainRuns waits for the run loops of sessions to exit, up to
// RunDrainTimeout in total.
func (r *Runtime) drainRuns(sessions map[string]*session.Session) {
	timer := time.NewTimer(r.cfg.RunDrainTimeout)
	defer timer.Stop()
	for id, s := range sessions {
		select {
		case <-s.Done():
		case <-timer.C:
			logger.Warnf("[runtime] session %s: run still active after %s; not waiting", id, r.cfg.RunDrainTimeout)
			return
		}
	}
}

// flush drains every session once, starting at the cursor. When the pass
// runs past the budget it stops early and resumes from the next session on
// the following wakeup.
func (r *Runtime) flush() {
	sessions := r.snapshot()
	n := len(sessions)
	if n == 0 {
		return
	}
	start := time.Now()
	first := r.cursor % n
	for i := 0; i < n; i++ {
		idx := (first + i) % n
		r.flushSession(sessions[idx])
		if i < n-1 && time.Since(start) > r.cfg.FlushBudget {
			r.cursor = idx + 1
			r.signalNeedSend()
			return
		}
	}
	r.cursor = first
}

func (r *Runtime) flushSession(s *session.Session) {
	msgs := s.FlushQueue()
	if len(msgs) == 0 {
		return
	}
	client := s.Client()
	if client == nil {
		return
	}
	for i, msg := range msgs {
		err := r.send(s, client, msg)
		if errors.Is(err, ErrClientDisconnected) {
			logger.Infof("[runtime] session %s: client disconnected; dropping %d queued messages", s.ID(), len(msgs)-i-1)
			r.CloseSession(s.ID())
			return
		}
		if err != nil {
			logger.Warnf("[runtime] session %s: write %s: %v", s.ID(), msg.Type(), err)
		}
	}
}

// send applies cache bookkeeping to msg and writes it, or a reference to an
// already cached copy, to client.
func (r *Runtime) send(s *session.Session, client Client, msg *wire.ForwardMsg) error {
	if msg.IsReference() {
		data, err := wire.Encode(msg)
		if err != nil {
			return err
		}
		return client.WriteMessage(data)
	}

	_, isDelta := msg.Delta()
	msg.Metadata.Cacheable = isDelta && wire.ByteSize(msg) >= r.minCachedSize
	msg.Hash()

	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	out := data
	if msg.Metadata.Cacheable && !r.cache.InsertOrTouch(msg.Hash(), data, s.ID()) {
		if out, err = wire.Encode(wire.NewReference(msg)); err != nil {
			return err
		}
	}

	if fin, ok := msg.ScriptFinished(); ok && fin.Status.AgesCache() {
		if evicted := r.cache.AgeAndEvict(r.maxCachedAge); evicted > 0 {
			logger.Debugf("[runtime] evicted %d cached messages", evicted)
		}
		s.NoteRunCompleted()
	}

	return client.WriteMessage(out)
}
