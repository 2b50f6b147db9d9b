package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps objects in process. It doubles as the HTTP target of its
// own presigned URLs so a development server can run without a bucket.
type MemoryStore struct {
	baseURL string
	ttl     time.Duration

	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryStore serves objects under baseURL, e.g. "http://localhost:8080/storage".
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		ttl:     DefaultPresignTTL,
		objects: make(map[string]memoryObject),
	}
}

func (m *MemoryStore) CreatePresignedUpload(_ context.Context, token string) (*PresignedUpload, error) {
	key := NewObjectKey(token, time.Now())
	return &PresignedUpload{
		UploadURL: m.URLFor(key),
		ObjectKey: key,
		FinalURL:  m.URLFor(key),
		ExpiresIn: m.ttl,
	}, nil
}

func (m *MemoryStore) VerifyExists(_ context.Context, objectKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[objectKey]
	return ok, nil
}

func (m *MemoryStore) Put(_ context.Context, objectKey string, body io.ReadSeeker, size int64, contentType string) error {
	data, err := io.ReadAll(io.LimitReader(body, size))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey] = memoryObject{data: data, contentType: contentType}
	return nil
}

func (m *MemoryStore) URLFor(objectKey string) string {
	return m.baseURL + "/" + objectKey
}

// Size returns the stored byte count, or -1 when the key is absent.
func (m *MemoryStore) Size(objectKey string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[objectKey]
	if !ok {
		return -1
	}
	return len(obj.data)
}

// ServeHTTP accepts PUT and GET on /<objectKey> relative to the mount point.
func (m *MemoryStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		_ = m.Put(r.Context(), key, bytes.NewReader(data), int64(len(data)), r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		m.mu.RLock()
		obj, ok := m.objects[key]
		m.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if obj.contentType != "" {
			w.Header().Set("Content-Type", obj.contentType)
		}
		w.Write(obj.data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
