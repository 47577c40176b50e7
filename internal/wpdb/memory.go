package wpdb

import (
	"context"
	"sort"
	"sync"

	"github.com/briangreenhill/thumbcache/cache"
)

// Memory is an in-process site database for tests and database-less runs.
type Memory struct {
	mu          sync.Mutex
	sites       map[int64]*MemoryStore
	attachments map[int64]string
}

// NewMemory creates a network holding only the main site.
func NewMemory() *Memory {
	m := &Memory{
		sites:       make(map[int64]*MemoryStore),
		attachments: make(map[int64]string),
	}
	m.Site(MainSite)
	return m
}

// Site returns the store of site id, creating the site when needed.
func (m *Memory) Site(id int64) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[id]
	if !ok {
		s = &MemoryStore{rows: make(map[int64]map[string]string)}
		m.sites[id] = s
	}
	return s
}

// AddAttachment registers the file URL of an attachment.
func (m *Memory) AddAttachment(id int64, fileURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[id] = fileURL
}

func (m *Memory) AttachmentURL(_ context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attachments[id], nil
}

func (m *Memory) SiteStore(id int64) cache.MetaStore {
	return m.Site(id)
}

func (m *Memory) Stores(_ context.Context, limit int) ([]cache.MetaStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.sites))
	for id := range m.sites {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	stores := make([]cache.MetaStore, 0, len(ids))
	for _, id := range ids {
		stores = append(stores, m.sites[id])
	}
	return stores, nil
}

// MemoryStore is the post meta of one in-memory site.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[int64]map[string]string
}

func (s *MemoryStore) GetMeta(_ context.Context, postID int64, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.rows[postID][key]
	return v, ok, nil
}

func (s *MemoryStore) SetMeta(_ context.Context, postID int64, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[postID] == nil {
		s.rows[postID] = make(map[string]string)
	}
	s.rows[postID][key] = value
	return nil
}

func (s *MemoryStore) DeleteMetaByKey(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, kv := range s.rows {
		if _, ok := kv[key]; ok {
			delete(kv, key)
			n++
		}
	}
	return n, nil
}
