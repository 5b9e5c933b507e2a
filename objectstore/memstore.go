package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kamiyn/sendgridparquetlog/apperr"
	"github.com/kamiyn/sendgridparquetlog/clock"
)

type memObject struct {
	body         []byte
	etag         string
	lastModified time.Time
}

// MemStore is an in-memory ObjectStore used by every component's test
// suite in place of a real S3-compatible backend.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	clock   clock.Clock
}

// NewMemStore creates an empty in-memory store. If c is nil, it uses the
// system clock for LastModified timestamps.
func NewMemStore(c clock.Clock) *MemStore {
	if c == nil {
		c = clock.New()
	}
	return &MemStore{objects: make(map[string]memObject), clock: c}
}

func etagFor(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])[:32]
}

func (m *MemStore) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), body...)
	m.objects[key] = memObject{body: cp, etag: etagFor(cp), lastModified: m.clock.Now()}
	return nil
}

func (m *MemStore) PutIfAbsent(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return apperr.New(apperr.Conflict, "object already exists")
	}
	cp := append([]byte(nil), body...)
	m.objects[key] = memObject{body: cp, etag: etagFor(cp), lastModified: m.clock.Now()}
	return nil
}

func (m *MemStore) PutIfMatch(_ context.Context, key string, body []byte, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.objects[key]
	if !ok || existing.etag != etag {
		return apperr.New(apperr.Conflict, "object was modified concurrently")
	}
	cp := append([]byte(nil), body...)
	m.objects[key] = memObject{body: cp, etag: etagFor(cp), lastModified: m.clock.Now()}
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", apperr.New(apperr.NotFound, "object not found")
	}
	return append([]byte(nil), obj.body...), obj.etag, nil
}

func (m *MemStore) Head(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, apperr.New(apperr.NotFound, "object not found")
	}
	return ObjectInfo{ETag: obj.etag, Size: int64(len(obj.body)), LastModified: obj.lastModified}, nil
}

func (m *MemStore) List(_ context.Context, prefix, delimiter string) (ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result ListResult
	seenPrefix := make(map[string]bool)
	for key := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				if !seenPrefix[cp] {
					seenPrefix[cp] = true
					result.CommonPrefixes = append(result.CommonPrefixes, cp)
				}
				continue
			}
		}
		result.Keys = append(result.Keys, key)
	}
	sort.Strings(result.Keys)
	sort.Strings(result.CommonPrefixes)
	return result, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) CreateBucketIfNotExists(_ context.Context) error {
	return nil
}
