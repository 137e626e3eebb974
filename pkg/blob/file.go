package blob

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/billstream/billstream/pkg/fault"
)

// FileStore keeps blobs under a root directory, one file per key. Writes go
// to a temp file first and rename into place, so a crash never leaves a
// half-written blob behind a valid key.
type FileStore struct {
	root   string
	signer *LocalSigner
}

// NewFileStore builds a store rooted at dir, creating it as needed.
func NewFileStore(dir string, signer *LocalSigner) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Transient("blob root create failed", err)
	}
	return &FileStore{root: dir, signer: signer}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fault.Transient("blob dir create failed", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fault.Transient("blob temp create failed", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fault.Transient("blob write failed", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fault.Transient("blob close failed", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fault.Transient("blob commit failed", err)
	}
	return Checksum(data), nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, fault.NotFound("blob not found: " + key)
	}
	if err != nil {
		return nil, fault.Transient("blob read failed", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fault.Transient("blob stat failed", err)
}

func (s *FileStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s.signer == nil {
		return "", fault.Internal("file blob store has no URL signer", nil)
	}
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fault.NotFound("blob not found: " + key)
	}
	return s.signer.SignedURL(key, ttl), nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fault.Transient("blob delete failed", err)
	}
	return nil
}
