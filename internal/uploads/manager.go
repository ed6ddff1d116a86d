// Package uploads tracks files uploaded by clients for use by their
// session's script.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bhandras/deltarun/internal/logger"
	"github.com/bhandras/deltarun/internal/stats"
)

const statsCategory = "deltarun.uploads.file_manager"

// ErrInvalidFile is returned for uploads missing a session, widget or name.
var ErrInvalidFile = errors.New("invalid uploaded file")

// FileRec is a single uploaded file.
type FileRec struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Data []byte `json:"-"`
}

// Size returns the length of the file contents.
func (r FileRec) Size() int { return len(r.Data) }

// Usage is the number of bytes stored for one session.
type Usage struct {
	SessionID string
	Bytes     int
}

// Store persists uploaded files. Implementations must be safe for concurrent
// use.
type Store interface {
	MaxFileID(ctx context.Context) (int64, error)
	Insert(ctx context.Context, sessionID, widgetID string, rec FileRec) error
	// List returns a widget's files ordered by id.
	List(ctx context.Context, sessionID, widgetID string) ([]FileRec, error)
	// Delete removes the given files, or all of a widget's files when ids is
	// nil, and returns how many were removed.
	Delete(ctx context.Context, sessionID, widgetID string, ids []int64) (int, error)
	DeleteSession(ctx context.Context, sessionID string) (int, error)
	Usage(ctx context.Context) ([]Usage, error)
}

// Manager assigns file ids and fronts a Store.
type Manager struct {
	store Store

	mu     sync.Mutex
	nextID int64

	hookMu         sync.RWMutex
	onFilesUpdated func(sessionID string)
}

// NewManager returns a Manager whose ids continue after the largest id
// already held by store.
func NewManager(ctx context.Context, store Store) (*Manager, error) {
	maxID, err := store.MaxFileID(ctx)
	if err != nil {
		return nil, fmt.Errorf("load max file id: %w", err)
	}
	return &Manager{store: store, nextID: maxID + 1}, nil
}

// SetOnFilesUpdated installs fn to be called after files are added to a
// session.
func (m *Manager) SetOnFilesUpdated(fn func(sessionID string)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onFilesUpdated = fn
}

func (m *Manager) filesUpdated(sessionID string) {
	m.hookMu.RLock()
	fn := m.onFilesUpdated
	m.hookMu.RUnlock()
	if fn != nil {
		fn(sessionID)
	}
}

func (m *Manager) allocID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

// AddFile stores rec under a fresh id and returns the stored record. Ids are
// unique and increase across the whole process.
func (m *Manager) AddFile(ctx context.Context, sessionID, widgetID string, rec FileRec) (FileRec, error) {
	if sessionID == "" || widgetID == "" || rec.Name == "" {
		return FileRec{}, ErrInvalidFile
	}
	rec.ID = m.allocID()
	if err := m.store.Insert(ctx, sessionID, widgetID, rec); err != nil {
		return FileRec{}, fmt.Errorf("store file %d: %w", rec.ID, err)
	}
	logger.Debugf("[uploads] session %s widget %s: added file %d (%d bytes)", sessionID, widgetID, rec.ID, rec.Size())
	m.filesUpdated(sessionID)
	return rec, nil
}

// GetAllFiles returns every file of a widget.
func (m *Manager) GetAllFiles(ctx context.Context, sessionID, widgetID string) ([]FileRec, error) {
	return m.store.List(ctx, sessionID, widgetID)
}

// GetFiles returns the widget's files whose id is in ids.
func (m *Manager) GetFiles(ctx context.Context, sessionID, widgetID string, ids []int64) ([]FileRec, error) {
	all, err := m.store.List(ctx, sessionID, widgetID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, f := range all {
		if slices.Contains(ids, f.ID) {
			out = append(out, f)
		}
	}
	return out, nil
}

// RemoveFile deletes a single file and reports whether it existed.
func (m *Manager) RemoveFile(ctx context.Context, sessionID, widgetID string, id int64) (bool, error) {
	n, err := m.store.Delete(ctx, sessionID, widgetID, []int64{id})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoveFiles deletes every file of a widget.
func (m *Manager) RemoveFiles(ctx context.Context, sessionID, widgetID string) error {
	_, err := m.store.Delete(ctx, sessionID, widgetID, nil)
	return err
}

// RemoveSessionFiles deletes every file of a session.
func (m *Manager) RemoveSessionFiles(ctx context.Context, sessionID string) error {
	n, err := m.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Debugf("[uploads] session %s: removed %d files", sessionID, n)
	}
	return nil
}

// RemoveOrphanedFiles deletes a widget's files that are no longer referenced.
// A file is orphaned when its id is at most newestFileID and it is not in
// activeIDs. Files newer than newestFileID may still be in flight from the
// client and are kept.
func (m *Manager) RemoveOrphanedFiles(ctx context.Context, sessionID, widgetID string, newestFileID int64, activeIDs []int64) error {
	files, err := m.store.List(ctx, sessionID, widgetID)
	if err != nil {
		return err
	}
	var orphans []int64
	for _, f := range files {
		if f.ID <= newestFileID && !slices.Contains(activeIDs, f.ID) {
			orphans = append(orphans, f.ID)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	_, err = m.store.Delete(ctx, sessionID, widgetID, orphans)
	return err
}

// Stats reports the bytes held per session.
func (m *Manager) Stats() []stats.CacheStat {
	usage, err := m.store.Usage(context.Background())
	if err != nil {
		logger.Warnf("[uploads] stats: %v", err)
		return nil
	}
	out := make([]stats.CacheStat, 0, len(usage))
	for _, u := range usage {
		out = append(out, stats.CacheStat{
			CategoryName: statsCategory,
			CacheName:    u.SessionID,
			ByteLength:   u.Bytes,
		})
	}
	return out
}
