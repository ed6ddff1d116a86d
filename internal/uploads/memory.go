package uploads

import (
	"context"
	"slices"
	"sort"
	"sync"
)

type fileKey struct {
	sessionID string
	widgetID  string
}

// MemoryStore keeps files in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	files map[fileKey][]FileRec
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[fileKey][]FileRec)}
}

func (s *MemoryStore) MaxFileID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var maxID int64
	for _, recs := range s.files {
		for _, r := range recs {
			maxID = max(maxID, r.ID)
		}
	}
	return maxID, nil
}

func (s *MemoryStore) Insert(_ context.Context, sessionID, widgetID string, rec FileRec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fileKey{sessionID, widgetID}
	s.files[k] = append(s.files[k], rec)
	return nil
}

func (s *MemoryStore) List(_ context.Context, sessionID, widgetID string) ([]FileRec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.files[fileKey{sessionID, widgetID}])
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID, widgetID string, ids []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fileKey{sessionID, widgetID}
	recs := s.files[k]
	if ids == nil {
		delete(s.files, k)
		return len(recs), nil
	}
	kept := recs[:0]
	for _, r := range recs {
		if !slices.Contains(ids, r.ID) {
			kept = append(kept, r)
		}
	}
	removed := len(recs) - len(kept)
	if len(kept) == 0 {
		delete(s.files, k)
	} else {
		s.files[k] = kept
	}
	return removed, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, recs := range s.files {
		if k.sessionID == sessionID {
			n += len(recs)
			delete(s.files, k)
		}
	}
	return n, nil
}

func (s *MemoryStore) Usage(context.Context) ([]Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := make(map[string]int)
	for k, recs := range s.files {
		for _, r := range recs {
			totals[k.sessionID] += r.Size()
		}
	}
	out := make([]Usage, 0, len(totals))
	for id, n := range totals {
		out = append(out, Usage{SessionID: id, Bytes: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}
