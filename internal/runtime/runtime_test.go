package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bhandras/deltarun/internal/script"
	"github.com/bhandras/deltarun/internal/session"
	"github.com/bhandras/deltarun/internal/uploads"
	"github.com/bhandras/deltarun/internal/wire"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func intp(v int) *int { return &v }

type fakeClient struct {
	mu           sync.Mutex
	frames       [][]byte
	disconnected bool
	closed       bool
	writeErr     error
}

func (c *fakeClient) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return ErrClientDisconnected
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disconnected
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeClient) messages(t *testing.T) []*wire.ForwardMsg {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*wire.ForwardMsg, 0, len(c.frames))
	for _, f := range c.frames {
		m, err := wire.Decode(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (c *fakeClient) last(t *testing.T) *wire.ForwardMsg {
	t.Helper()
	msgs := c.messages(t)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

// idleRunner never emits and returns only when cancelled, so tests control
// every queued message after the initial NewSession marker.
var idleRunner = script.RunnerFunc(func(ctx context.Context, _ script.RunRequest, _ func(*wire.ForwardMsg)) wire.FinishedStatus {
	<-ctx.Done()
	return wire.FinishedEarlyForRerun
})

func newRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	if cfg.Runner == nil {
		cfg.Runner = idleRunner
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Millisecond
	}
	r := New(cfg)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		r.Stop()
		<-r.Stopped()
	})
	return r
}

// connect creates a session and waits for its initial NewSession marker.
func connect(t *testing.T, r *Runtime) (string, *fakeClient, *session.Session) {
	t.Helper()
	client := &fakeClient{}
	id, err := r.CreateSession(client, script.UserInfo{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.count() == 1 }, waitFor, time.Millisecond)

	r.mu.Lock()
	s := r.sessions[id]
	r.mu.Unlock()
	return id, client, s
}

// deliver enqueues msg and waits until the client has received it.
func deliver(t *testing.T, s *session.Session, client *fakeClient, msg *wire.ForwardMsg) *wire.ForwardMsg {
	t.Helper()
	before := client.count()
	s.Enqueue(msg)
	require.Eventually(t, func() bool { return client.count() == before+1 }, waitFor, time.Millisecond)
	return client.last(t)
}

func finished(status wire.FinishedStatus) *wire.ForwardMsg {
	return wire.NewForwardMsg(&wire.ScriptFinished{Status: status})
}

func TestStartStop(t *testing.T) {
	r := New(Config{Runner: idleRunner})
	require.Equal(t, StateInitial, r.State())

	ready, msg := r.IsReadyForConnections()
	require.False(t, ready)
	require.Equal(t, "unavailable", msg)

	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, StateNoSessionsConnected, r.State())
	require.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)

	ready, msg = r.IsReadyForConnections()
	require.True(t, ready)
	require.Equal(t, "ok", msg)

	r.Stop()
	r.Stop()
	select {
	case <-r.Stopped():
	case <-time.After(waitFor):
		t.Fatal("runtime did not stop")
	}
	require.Equal(t, StateStopped, r.State())
	require.ErrorIs(t, r.Start(context.Background()), ErrRuntimeStopped)
}

func TestStopBeforeStart(t *testing.T) {
	r := New(Config{Runner: idleRunner})
	r.Stop()
	<-r.Stopped()
	require.Equal(t, StateStopped, r.State())
}

func TestContextCancelStops(t *testing.T) {
	r := New(Config{Runner: idleRunner})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	select {
	case <-r.Stopped():
	case <-time.After(waitFor):
		t.Fatal("runtime did not stop")
	}
	require.Equal(t, StateStopped, r.State())
}

func TestOperationsBeforeStart(t *testing.T) {
	r := New(Config{Runner: idleRunner})

	_, err := r.CreateSession(&fakeClient{}, script.UserInfo{})
	require.ErrorIs(t, err, ErrNotStarted)

	_, err = r.CachedMessage("abc")
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestCreateAndCloseSessions(t *testing.T) {
	r := newRuntime(t, Config{})

	id1, _, s1 := connect(t, r)
	id2, _, _ := connect(t, r)
	require.NotEqual(t, id1, id2)
	require.Equal(t, StateOneOrMoreSessionsConnected, r.State())
	require.Equal(t, 2, r.SessionCount())
	require.True(t, r.IsActiveSession(id1))

	r.CloseSession(id1)
	require.False(t, r.IsActiveSession(id1))
	require.Equal(t, session.StateShutDown, s1.State())
	require.Equal(t, StateOneOrMoreSessionsConnected, r.State())

	// Closing twice, or closing an unknown id, is harmless.
	r.CloseSession(id1)
	r.CloseSession("no-such-session")

	r.CloseSession(id2)
	require.Equal(t, 0, r.SessionCount())
	require.Equal(t, StateNoSessionsConnected, r.State())
}

func TestCloseSessionsOneAtATime(t *testing.T) {
	r := newRuntime(t, Config{})

	ids := make([]string, 3)
	for i := range ids {
		ids[i], _, _ = connect(t, r)
	}
	require.Equal(t, 3, r.SessionCount())

	for i, id := range ids {
		r.CloseSession(id)
		require.False(t, r.IsActiveSession(id))
		require.Equal(t, len(ids)-i-1, r.SessionCount())
		if i < len(ids)-1 {
			require.Equal(t, StateOneOrMoreSessionsConnected, r.State())
			for _, rest := range ids[i+1:] {
				require.True(t, r.IsActiveSession(rest))
			}
		}
	}
	require.Equal(t, StateNoSessionsConnected, r.State())
}

func TestInitialRunMarker(t *testing.T) {
	r := newRuntime(t, Config{ScriptPath: "app.py"})
	_, client, _ := connect(t, r)

	first := client.messages(t)[0]
	ns, ok := first.Content().(*wire.NewSession)
	require.True(t, ok)
	require.Equal(t, "app.py", ns.ScriptPath)
	require.Equal(t, DefaultMaxCachedMessageAge, ns.MaxCachedMessageAge)
}

func TestStopShutsDownSessions(t *testing.T) {
	r := New(Config{Runner: idleRunner, FlushInterval: time.Millisecond})
	require.NoError(t, r.Start(context.Background()))

	_, _, s1 := connect(t, r)
	_, _, s2 := connect(t, r)

	r.Stop()
	require.Contains(t, []State{StateStopping, StateStopped}, r.State())
	<-r.Stopped()

	require.Equal(t, session.StateShutDown, s1.State())
	require.Equal(t, session.StateShutDown, s2.State())
	require.Equal(t, 0, r.SessionCount())

	_, err := r.CreateSession(&fakeClient{}, script.UserInfo{})
	require.ErrorIs(t, err, ErrRuntimeStopped)
	require.ErrorIs(t, r.HandleEvent("x", &wire.BackMsg{Type: wire.BackStopScript}), ErrRuntimeStopped)
	require.ErrorIs(t, r.HandleEventDeserializationFailure("x", errors.New("bad")), ErrRuntimeStopped)
}

func TestInitialRunAfterStopReportsRuntimeStopped(t *testing.T) {
	s := session.New(session.Config{Runner: idleRunner})
	s.Start(context.Background())
	s.Shutdown()

	require.ErrorIs(t, startInitialRun(s), ErrRuntimeStopped)
}

func TestShutdownClosesClients(t *testing.T) {
	r := New(Config{Runner: idleRunner, FlushInterval: time.Millisecond})
	require.NoError(t, r.Start(context.Background()))

	id1, c1, _ := connect(t, r)
	_, c2, _ := connect(t, r)

	r.CloseSession(id1)
	require.True(t, c1.isClosed())
	require.False(t, c2.isClosed())

	r.Stop()
	<-r.Stopped()
	require.True(t, c2.isClosed())
}

func TestHandleEventRouting(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
	)
	runner := script.RunnerFunc(func(_ context.Context, req script.RunRequest, _ func(*wire.ForwardMsg)) wire.FinishedStatus {
		mu.Lock()
		defer mu.Unlock()
		queries = append(queries, req.QueryString)
		return wire.FinishedSuccessfully
	})
	r := newRuntime(t, Config{Runner: runner})
	client := &fakeClient{}
	id, err := r.CreateSession(client, script.UserInfo{})
	require.NoError(t, err)

	// Let the initial run finish; a rerun requested before the loop picks
	// up the initial one replaces it.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(queries) == 1
	}, waitFor, time.Millisecond)

	require.NoError(t, r.HandleEvent(id, &wire.BackMsg{
		Type:        wire.BackRerunScript,
		RerunScript: &wire.RerunScript{QueryString: "page=2"},
	}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(queries) == 2 && queries[1] == "page=2"
	}, waitFor, time.Millisecond)

	// Unknown sessions are dropped silently.
	require.NoError(t, r.HandleEvent("no-such-session", &wire.BackMsg{Type: wire.BackStopScript}))
	require.NoError(t, r.HandleEventDeserializationFailure("no-such-session", errors.New("bad")))
}

func TestDeserializationFailureReachesClient(t *testing.T) {
	r := newRuntime(t, Config{})
	id, client, _ := connect(t, r)

	require.NoError(t, r.HandleEventDeserializationFailure(id, errors.New("garbage frame")))
	require.Eventually(t, func() bool { return client.count() == 2 }, waitFor, time.Millisecond)

	ev, ok := client.last(t).SessionEvent()
	require.True(t, ok)
	require.Equal(t, wire.EventBackMsgDeserializationError, ev.Kind)
	require.Contains(t, ev.Message, "garbage frame")
}

func TestClientDisconnectClosesSession(t *testing.T) {
	r := newRuntime(t, Config{})
	id, client, s := connect(t, r)

	deliver(t, s, client, wire.NewDeltaMsg("new_element", []byte("ok")))

	client.disconnect()
	s.Enqueue(wire.NewDeltaMsg("new_element", []byte("lost")))
	s.Enqueue(wire.NewDeltaMsg("new_element", []byte("also lost")))

	require.Eventually(t, func() bool { return !r.IsActiveSession(id) }, waitFor, time.Millisecond)
	require.Equal(t, session.StateShutDown, s.State())
	require.Equal(t, StateNoSessionsConnected, r.State())
}

func TestOtherWriteErrorsKeepSession(t *testing.T) {
	r := newRuntime(t, Config{})
	id, client, s := connect(t, r)

	client.mu.Lock()
	client.writeErr = errors.New("transient")
	client.mu.Unlock()
	s.Enqueue(wire.NewDeltaMsg("new_element", []byte("dropped")))

	require.Never(t, func() bool { return !r.IsActiveSession(id) }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestForwardMsgHashing(t *testing.T) {
	r := newRuntime(t, Config{})
	_, client, s := connect(t, r)

	msg := wire.NewDeltaMsg("new_element", []byte("content"))
	require.False(t, msg.HasHash())

	got := deliver(t, s, client, msg)
	require.True(t, got.HasHash())
	require.Equal(t, wire.ComputeHash(msg), got.Hash())
}

func TestForwardMsgCacheableFlag(t *testing.T) {
	r := newRuntime(t, Config{MinCachedMessageSize: intp(1)})
	_, client, s := connect(t, r)
	got := deliver(t, s, client, wire.NewDeltaMsg("new_element", []byte("content")))
	require.True(t, got.Metadata.Cacheable)

	// Markers are never cacheable.
	got = deliver(t, s, client, finished(wire.FinishedWithCompileError))
	require.False(t, got.Metadata.Cacheable)

	r2 := newRuntime(t, Config{MinCachedMessageSize: intp(1000)})
	_, client2, s2 := connect(t, r2)
	got = deliver(t, s2, client2, wire.NewDeltaMsg("new_element", []byte("content")))
	require.False(t, got.Metadata.Cacheable)
}

func TestCacheableAtExactThreshold(t *testing.T) {
	msg := wire.NewDeltaMsg("new_element", []byte("threshold"))
	size := wire.ByteSize(msg)

	r := newRuntime(t, Config{MinCachedMessageSize: intp(size)})
	_, client, s := connect(t, r)
	got := deliver(t, s, client, msg)
	require.True(t, got.Metadata.Cacheable)
}

func TestDuplicateForwardMsgCaching(t *testing.T) {
	r := newRuntime(t, Config{MinCachedMessageSize: intp(1)})
	_, client, s := connect(t, r)

	msg1 := wire.NewDeltaMsg("new_element", []byte("expensive"), 0)
	got := deliver(t, s, client, msg1)
	require.False(t, got.IsReference())

	// Same content at a different position.
	msg2 := wire.NewDeltaMsg("new_element", []byte("expensive"), 5)
	got = deliver(t, s, client, msg2)
	require.True(t, got.IsReference())
	require.Equal(t, msg1.Hash(), got.RefHash())
	require.Equal(t, []int{5}, got.Metadata.DeltaPath)
	require.True(t, got.Metadata.Cacheable)

	// The full message is retrievable by hash for resync.
	data, err := r.CachedMessage(msg1.Hash())
	require.NoError(t, err)
	full, err := wire.Decode(data)
	require.NoError(t, err)
	d, ok := full.Delta()
	require.True(t, ok)
	require.Equal(t, []byte("expensive"), d.Element)

	_, err = r.CachedMessage("unknown")
	require.ErrorIs(t, err, ErrMessageNotCached)
}

func TestDuplicateAcrossSessions(t *testing.T) {
	r := newRuntime(t, Config{MinCachedMessageSize: intp(1)})
	_, c1, s1 := connect(t, r)
	_, c2, s2 := connect(t, r)

	deliver(t, s1, c1, wire.NewDeltaMsg("new_element", []byte("shared")))
	got := deliver(t, s2, c2, wire.NewDeltaMsg("new_element", []byte("shared")))
	require.True(t, got.IsReference())
}

func TestForwardMsgCacheClearing(t *testing.T) {
	r := newRuntime(t, Config{MinCachedMessageSize: intp(1), MaxCachedMessageAge: intp(1)})
	_, client, s := connect(t, r)

	data := wire.NewDeltaMsg("new_element", []byte("cached"))
	isCached := func() bool { return r.cache.Has(data.Hash()) }

	deliver(t, s, client, data)
	require.True(t, isCached())

	// Compile errors don't age the cache.
	deliver(t, s, client, finished(wire.FinishedWithCompileError))
	require.True(t, isCached())
	age, _ := r.cache.Age(data.Hash())
	require.Equal(t, 0, age)

	// Age 1.
	deliver(t, s, client, finished(wire.FinishedSuccessfully))
	require.True(t, isCached())

	// Resending resets the age to 0.
	got := deliver(t, s, client, wire.NewDeltaMsg("new_element", []byte("cached")))
	require.True(t, got.IsReference())
	age, _ = r.cache.Age(data.Hash())
	require.Equal(t, 0, age)

	// Age 1, then 2 which exceeds the max.
	deliver(t, s, client, finished(wire.FinishedWithRuntimeError))
	require.True(t, isCached())
	deliver(t, s, client, finished(wire.FinishedSuccessfully))
	require.False(t, isCached())

	// Early stops don't age either.
	deliver(t, s, client, data)
	deliver(t, s, client, finished(wire.FinishedEarlyForRerun))
	deliver(t, s, client, finished(wire.FinishedEarlyForRerun))
	require.True(t, isCached())
	require.Equal(t, 3, s.ScriptRunCount())
}

func TestCacheEverythingWithZeroThreshold(t *testing.T) {
	r := newRuntime(t, Config{MinCachedMessageSize: intp(0)})
	_, client, s := connect(t, r)

	msg := wire.NewDeltaMsg("new_element", []byte("tiny"))
	got := deliver(t, s, client, msg)
	require.True(t, got.Metadata.Cacheable)
	require.True(t, r.cache.Has(msg.Hash()))
}

func TestDefaultThresholdWhenUnset(t *testing.T) {
	r := newRuntime(t, Config{})
	_, client, s := connect(t, r)

	msg := wire.NewDeltaMsg("new_element", []byte("tiny"))
	got := deliver(t, s, client, msg)
	require.False(t, got.Metadata.Cacheable)
	require.False(t, r.cache.Has(msg.Hash()))
}

func TestZeroMaxAgeEvictsAfterOneRun(t *testing.T) {
	r := newRuntime(t, Config{MinCachedMessageSize: intp(0), MaxCachedMessageAge: intp(0)})
	_, client, s := connect(t, r)

	first := client.messages(t)[0].Content().(*wire.NewSession)
	require.Equal(t, 0, first.MaxCachedMessageAge)

	msg := wire.NewDeltaMsg("new_element", []byte("short lived"))
	deliver(t, s, client, msg)
	require.True(t, r.cache.Has(msg.Hash()))

	deliver(t, s, client, finished(wire.FinishedSuccessfully))
	require.False(t, r.cache.Has(msg.Hash()))
}

func TestMaxAgeOneSurvivesOneRun(t *testing.T) {
	r := newRuntime(t, Config{MinCachedMessageSize: intp(0), MaxCachedMessageAge: intp(1)})
	_, client, s := connect(t, r)

	msg := wire.NewDeltaMsg("new_element", []byte("kept once"))
	deliver(t, s, client, msg)

	deliver(t, s, client, finished(wire.FinishedSuccessfully))
	require.True(t, r.cache.Has(msg.Hash()))
	deliver(t, s, client, finished(wire.FinishedSuccessfully))
	require.False(t, r.cache.Has(msg.Hash()))
}

func TestClearCacheEvent(t *testing.T) {
	r := newRuntime(t, Config{MinCachedMessageSize: intp(1)})
	id, client, s := connect(t, r)

	deliver(t, s, client, wire.NewDeltaMsg("new_element", []byte("x")))
	require.Equal(t, 1, r.cache.Len())

	require.NoError(t, r.HandleEvent(id, &wire.BackMsg{Type: wire.BackClearCache}))
	require.Equal(t, 0, r.cache.Len())
}

func TestFlushBudgetStillReachesEverySession(t *testing.T) {
	r := newRuntime(t, Config{FlushBudget: time.Nanosecond})
	_, c1, s1 := connect(t, r)
	_, c2, s2 := connect(t, r)
	_, c3, s3 := connect(t, r)

	for i := 0; i < 10; i++ {
		s1.Enqueue(wire.NewDeltaMsg("a", []byte{byte(i)}))
		s2.Enqueue(wire.NewDeltaMsg("b", []byte{byte(i)}))
		s3.Enqueue(wire.NewDeltaMsg("c", []byte{byte(i)}))
	}
	require.Eventually(t, func() bool {
		return c1.count() == 11 && c2.count() == 11 && c3.count() == 11
	}, waitFor, time.Millisecond)

	// Order within a session is preserved.
	msgs := c2.messages(t)
	for i, m := range msgs[1:] {
		d, ok := m.Delta()
		require.True(t, ok)
		require.Equal(t, []byte{byte(i)}, d.Element)
	}
}

func TestOrphanedUploadDeletion(t *testing.T) {
	ctx := context.Background()
	mgr, err := uploads.NewManager(ctx, uploads.NewMemoryStore())
	require.NoError(t, err)
	r := newRuntime(t, Config{Uploads: mgr})

	// Files for a session that is not connected are removed right away.
	_, err = mgr.AddFile(ctx, "not-a-session", "w", uploads.FileRec{Name: "a", Data: []byte("1")})
	require.NoError(t, err)
	files, err := mgr.GetAllFiles(ctx, "not-a-session", "w")
	require.NoError(t, err)
	require.Empty(t, files)

	id, _, _ := connect(t, r)
	_, err = mgr.AddFile(ctx, id, "w", uploads.FileRec{Name: "b", Data: []byte("22")})
	require.NoError(t, err)
	files, err = mgr.GetAllFiles(ctx, id, "w")
	require.NoError(t, err)
	require.Len(t, files, 1)

	stats := r.Stats()
	require.NotEmpty(t, stats)

	// Closing the session drops its files.
	r.CloseSession(id)
	files, err = mgr.GetAllFiles(ctx, id, "w")
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestRequestRerunAll(t *testing.T) {
	var (
		mu   sync.Mutex
		runs int
	)
	runner := script.RunnerFunc(func(context.Context, script.RunRequest, func(*wire.ForwardMsg)) wire.FinishedStatus {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return wire.FinishedSuccessfully
	})
	r := newRuntime(t, Config{Runner: runner})
	c1, c2 := &fakeClient{}, &fakeClient{}
	_, err := r.CreateSession(c1, script.UserInfo{})
	require.NoError(t, err)
	_, err = r.CreateSession(c2, script.UserInfo{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 2
	}, waitFor, time.Millisecond)
	for _, c := range []*fakeClient{c1, c2} {
		require.Eventually(t, func() bool { return c.count() == 2 }, waitFor, time.Millisecond)
	}

	r.RequestRerunAll()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 4
	}, waitFor, time.Millisecond)

	// NewSession, ScriptFinished, then the change notice ahead of the rerun.
	for _, c := range []*fakeClient{c1, c2} {
		require.Eventually(t, func() bool { return c.count() == 5 }, waitFor, time.Millisecond)
		msgs := c.messages(t)
		ev, ok := msgs[2].SessionEvent()
		require.True(t, ok, "got %s", msgs[2].Type())
		require.Equal(t, wire.EventScriptChangedOnDisk, ev.Kind)
		require.Equal(t, wire.TypeNewSession, msgs[3].Type())
	}
}

func TestUploadedFilesReachRun(t *testing.T) {
	ctx := context.Background()
	mgr, err := uploads.NewManager(ctx, uploads.NewMemoryStore())
	require.NoError(t, err)

	reqs := make(chan script.RunRequest, 4)
	runner := script.RunnerFunc(func(_ context.Context, req script.RunRequest, _ func(*wire.ForwardMsg)) wire.FinishedStatus {
		reqs <- req
		return wire.FinishedSuccessfully
	})
	r := newRuntime(t, Config{Runner: runner, Uploads: mgr})
	id, err := r.CreateSession(&fakeClient{}, script.UserInfo{})
	require.NoError(t, err)
	require.Empty(t, (<-reqs).Files)

	kept, err := mgr.AddFile(ctx, id, "w", uploads.FileRec{Name: "kept.csv", Data: []byte("1")})
	require.NoError(t, err)
	dropped, err := mgr.AddFile(ctx, id, "w", uploads.FileRec{Name: "dropped.csv", Data: []byte("2")})
	require.NoError(t, err)
	pending, err := mgr.AddFile(ctx, id, "w", uploads.FileRec{Name: "pending.csv", Data: []byte("3")})
	require.NoError(t, err)

	require.NoError(t, r.HandleEvent(id, &wire.BackMsg{
		Type: wire.BackRerunScript,
		RerunScript: &wire.RerunScript{FileUploads: []wire.FileUploaderState{{
			WidgetID:      "w",
			NewestFileID:  dropped.ID,
			ActiveFileIDs: []int64{kept.ID},
		}}},
	}))

	req := <-reqs
	require.Equal(t, []script.UploadedFile{{
		ID:       kept.ID,
		WidgetID: "w",
		Name:     "kept.csv",
		Data:     []byte("1"),
	}}, req.Files)

	// The newer upload may still be in flight and survives.
	files, err := mgr.GetAllFiles(ctx, id, "w")
	require.NoError(t, err)
	ids := make([]int64, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	require.Equal(t, []int64{kept.ID, pending.ID}, ids)
}

func TestStopWaitsForCancelledRuns(t *testing.T) {
	var returned atomic.Int32
	runner := script.RunnerFunc(func(ctx context.Context, _ script.RunRequest, _ func(*wire.ForwardMsg)) wire.FinishedStatus {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		returned.Add(1)
		return wire.FinishedEarlyForRerun
	})
	r := New(Config{Runner: runner, FlushInterval: time.Millisecond})
	require.NoError(t, r.Start(context.Background()))
	connect(t, r)
	connect(t, r)

	r.Stop()
	<-r.Stopped()
	require.EqualValues(t, 2, returned.Load())
}

func TestStopGivesUpOnStuckRuns(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	runner := script.RunnerFunc(func(context.Context, script.RunRequest, func(*wire.ForwardMsg)) wire.FinishedStatus {
		<-block
		return wire.FinishedSuccessfully
	})
	r := New(Config{Runner: runner, FlushInterval: time.Millisecond, RunDrainTimeout: 20 * time.Millisecond})
	require.NoError(t, r.Start(context.Background()))
	connect(t, r)

	r.Stop()
	select {
	case <-r.Stopped():
	case <-time.After(waitFor):
		t.Fatal("runtime did not stop")
	}
	require.Equal(t, StateStopped, r.State())
}

func TestScriptRunsWithoutError(t *testing.T) {
	ok := script.RunnerFunc(func(context.Context, script.RunRequest, func(*wire.ForwardMsg)) wire.FinishedStatus {
		return wire.FinishedSuccessfully
	})
	r := New(Config{Runner: ok})
	passed, msg := r.ScriptRunsWithoutError(context.Background())
	require.True(t, passed)
	require.Equal(t, "ok", msg)

	r = New(Config{Runner: idleRunner, ScriptCheckTimeout: 10 * time.Millisecond})
	passed, msg = r.ScriptRunsWithoutError(context.Background())
	require.False(t, passed)
	require.Equal(t, "timeout", msg)
}
