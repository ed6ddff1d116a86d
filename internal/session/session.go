// Package session owns a single client's script runs and the ordered queue
// of messages waiting to be delivered to that client.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/bhandras/deltarun/internal/logger"
	"github.com/bhandras/deltarun/internal/script"
	"github.com/bhandras/deltarun/internal/uploads"
	"github.com/bhandras/deltarun/internal/wire"
	"github.com/google/uuid"
)

var (
	// ErrSessionShutDown is returned for events delivered to a session that
	// has already shut down.
	ErrSessionShutDown = errors.New("session shut down")
	// ErrClientDisconnected is returned by Client.WriteMessage once the peer
	// is gone.
	ErrClientDisconnected = errors.New("client disconnected")
)

// Client delivers encoded forward messages to a single peer.
type Client interface {
	WriteMessage(data []byte) error
	IsConnected() bool
	// Close ends the connection from the server side. It is called once
	// when the session shuts down and must tolerate a peer that is already
	// gone.
	Close() error
}

// FileStore holds the files uploaded by a session's client.
type FileStore interface {
	GetFiles(ctx context.Context, sessionID, widgetID string, ids []int64) ([]uploads.FileRec, error)
	RemoveOrphanedFiles(ctx context.Context, sessionID, widgetID string, newestFileID int64, activeIDs []int64) error
	RemoveSessionFiles(ctx context.Context, sessionID string) error
}

// State is the lifecycle state of a Session.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateShutdownRequested
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateShutdownRequested:
		return "shutdown_requested"
	case StateShutDown:
		return "shut_down"
	default:
		return "unknown"
	}
}

// Config holds a session's collaborators.
type Config struct {
	ID     string
	Client Client
	Runner script.Runner

	ScriptPath          string
	MaxCachedMessageAge int
	UserInfo            script.UserInfo

	// Uploads is optional.
	Uploads FileStore
	// OnNeedSend is called after every enqueue. It must not block.
	OnNeedSend func()
	// OnClearCache handles clear_cache requests.
	OnClearCache func()
}

// Session is safe for concurrent use.
type Session struct {
	id       string
	runner   script.Runner
	uploads  FileStore
	needSend func()
	clear    func()

	scriptPath string
	maxAge     int
	userInfo   script.UserInfo

	mu        sync.Mutex
	state     State
	client    Client
	queue     []*wire.ForwardMsg
	pending   *script.RunRequest
	lastReq   script.RunRequest
	runCancel context.CancelFunc
	runCount  int
	cancel    context.CancelFunc

	wake chan struct{}
	done chan struct{}
}

// New returns a session in StateCreated. Call Start to begin accepting runs.
func New(cfg Config) *Session {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	needSend := cfg.OnNeedSend
	if needSend == nil {
		needSend = func() {}
	}
	return &Session{
		id:         id,
		runner:     cfg.Runner,
		uploads:    cfg.Uploads,
		needSend:   needSend,
		clear:      cfg.OnClearCache,
		scriptPath: cfg.ScriptPath,
		maxAge:     cfg.MaxCachedMessageAge,
		userInfo:   cfg.UserInfo,
		client:     cfg.Client,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsActive reports whether the session still accepts events.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state < StateShutdownRequested
}

// Client returns the attached client, or nil once shut down.
func (s *Session) Client() Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// ScriptRunCount returns the number of completed runs that aged the cache.
func (s *Session) ScriptRunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCount
}

// NoteRunCompleted bumps the script run count.
func (s *Session) NoteRunCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCount++
}

// Done is closed once the run loop has exited after Shutdown.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the run loop. Runs are cancelled when ctx is done.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateRunning
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		s.mu.Lock()
		req := s.pending
		s.pending = nil
		if req == nil || s.state != StateRunning {
			s.mu.Unlock()
			continue
		}
		runCtx, cancel := context.WithCancel(ctx)
		s.runCancel = cancel
		s.mu.Unlock()

		s.execute(runCtx, *req)

		s.mu.Lock()
		s.runCancel = nil
		s.mu.Unlock()
		cancel()
	}
}

func (s *Session) execute(ctx context.Context, req script.RunRequest) {
	logger.Debugf("[session] %s: starting run %s", s.id, req.ScriptRunID)
	s.Enqueue(wire.NewForwardMsg(&wire.NewSession{
		SessionID:           s.id,
		ScriptRunID:         req.ScriptRunID,
		ScriptPath:          s.scriptPath,
		MaxCachedMessageAge: s.maxAge,
	}))

	req.Files = s.loadFiles(ctx, req.FileUploads)
	status := s.runner.Run(ctx, req, s.Enqueue)

	s.Enqueue(wire.NewForwardMsg(&wire.ScriptFinished{Status: status}))
	logger.Debugf("[session] %s: run %s finished: %s", s.id, req.ScriptRunID, status)
}

// loadFiles drops files the client no longer references and returns the
// ones it still does.
func (s *Session) loadFiles(ctx context.Context, states []wire.FileUploaderState) []script.UploadedFile {
	if s.uploads == nil {
		return nil
	}
	var files []script.UploadedFile
	for _, st := range states {
		err := s.uploads.RemoveOrphanedFiles(ctx, s.id, st.WidgetID, st.NewestFileID, st.ActiveFileIDs)
		if err != nil {
			logger.Warnf("[session] %s: removing orphaned files of %s: %v", s.id, st.WidgetID, err)
		}
		if len(st.ActiveFileIDs) == 0 {
			continue
		}
		recs, err := s.uploads.GetFiles(ctx, s.id, st.WidgetID, st.ActiveFileIDs)
		if err != nil {
			logger.Warnf("[session] %s: loading files of %s: %v", s.id, st.WidgetID, err)
			continue
		}
		for _, rec := range recs {
			files = append(files, script.UploadedFile{
				ID:       rec.ID,
				WidgetID: st.WidgetID,
				Name:     rec.Name,
				Type:     rec.Type,
				Data:     rec.Data,
			})
		}
	}
	return files
}

// RequestRerun schedules a script run. A nil req reruns with the client
// state of the previous request. Any in-flight run is cancelled first and
// finishes early.
func (s *Session) RequestRerun(req *script.RunRequest) error {
	s.mu.Lock()
	if s.state >= StateShutdownRequested {
		s.mu.Unlock()
		return ErrSessionShutDown
	}
	next := s.lastReq
	if req != nil {
		next = *req
	}
	next.ScriptRunID = uuid.NewString()
	next.SessionID = s.id
	next.UserInfo = s.userInfo
	s.lastReq = next
	s.pending = &next
	if s.runCancel != nil {
		s.runCancel()
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// StopScript cancels the in-flight run, if any.
func (s *Session) StopScript() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	if s.runCancel != nil {
		s.runCancel()
	}
}

// HandleEvent dispatches a client message.
func (s *Session) HandleEvent(msg *wire.BackMsg) error {
	if !s.IsActive() {
		logger.Debugf("[session] %s: dropping %s after shutdown", s.id, msg.Type)
		return ErrSessionShutDown
	}

	switch msg.Type {
	case wire.BackRerunScript:
		rs := msg.RerunScript
		if rs == nil {
			rs = &wire.RerunScript{}
		}
		return s.RequestRerun(&script.RunRequest{
			QueryString:  rs.QueryString,
			WidgetStates: rs.WidgetStates,
			PageName:     rs.PageName,
			FileUploads:  rs.FileUploads,
		})
	case wire.BackStopScript:
		s.StopScript()
	case wire.BackClearCache:
		if s.clear != nil {
			s.clear()
		}
	default:
		logger.Warnf("[session] %s: unhandled back message %q", s.id, msg.Type)
	}
	return nil
}

// HandleDeserializationFailure reports an undecodable client message back to
// the client.
func (s *Session) HandleDeserializationFailure(err error) {
	logger.Warnf("[session] %s: bad back message: %v", s.id, err)
	s.Enqueue(wire.NewForwardMsg(&wire.SessionEvent{
		Kind:    wire.EventBackMsgDeserializationError,
		Message: err.Error(),
	}))
}

// Enqueue appends msg to the outbound queue. Messages enqueued after shutdown
// are discarded.
func (s *Session) Enqueue(msg *wire.ForwardMsg) {
	s.mu.Lock()
	if s.state >= StateShutdownRequested {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.needSend()
}

// FlushQueue removes and returns every queued message in enqueue order.
func (s *Session) FlushQueue() []*wire.ForwardMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

// Shutdown stops the session. It does not wait for an in-flight run to
// return. Calling it more than once is a no-op.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.state >= StateShutdownRequested {
		s.mu.Unlock()
		return
	}
	started := s.state == StateRunning
	s.state = StateShutdownRequested
	if s.cancel != nil {
		s.cancel()
	}
	client := s.client
	s.client = nil
	s.queue = nil
	s.pending = nil
	s.state = StateShutDown
	s.mu.Unlock()

	if !started {
		close(s.done)
	}

	if client != nil {
		if err := client.Close(); err != nil {
			logger.Debugf("[session] %s: closing client: %v", s.id, err)
		}
	}

	if s.uploads != nil {
		if err := s.uploads.RemoveSessionFiles(context.Background(), s.id); err != nil {
			logger.Warnf("[session] %s: removing uploaded files: %v", s.id, err)
		}
	}
	logger.Debugf("[session] %s: shut down", s.id)
}
