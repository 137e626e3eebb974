package blob

import (
	"context"
	"sync"
	"time"

	"github.com/billstream/billstream/pkg/fault"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps blobs in process memory. Used by tests and available as
// a lite-mode driver when nothing needs to survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	signer  *LocalSigner
}

// NewMemoryStore builds an empty in-memory store. signer may be nil, in
// which case PresignGet fails.
func NewMemoryStore(signer *LocalSigner) *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject), signer: signer}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = memoryObject{data: buf, contentType: contentType}
	return Checksum(data), nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fault.NotFound("blob not found: " + key)
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s.signer == nil {
		return "", fault.Internal("memory blob store has no URL signer", nil)
	}
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return "", fault.NotFound("blob not found: " + key)
	}
	return s.signer.SignedURL(key, ttl), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}
