// Package blob stores attached file bytes outside the event log. The log
// carries only storage keys; the blob store is the single owner of the bytes,
// addressed by key `bills/{billId}/{fileId}/{filename}`.
//
// Four drivers share one contract: memory (tests and lite mode), file
// (lite-mode default), S3 and GCS. Presigned GET URLs let readers fetch
// bytes without passing through the service; the local drivers sign their
// own URLs with an HMAC redeemed by the HTTP surface.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/billstream/billstream/pkg/fault"
)

// Store is the driver contract. Put returns the content checksum in
// "sha256:<hex>" form. Keys are slash-separated relative paths.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// Checksum computes the stored content hash form for data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ValidateKey rejects keys that could escape the store root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fault.Internal("invalid blob key "+strconv.Quote(key), nil)
	}
	return nil
}

// LocalSigner mints and verifies the HMAC-signed GET URLs used by the memory
// and file drivers. The signature covers the key and the expiry, so a URL
// cannot be redirected to another blob or extended.
type LocalSigner struct {
	secret  []byte
	baseURL string
	clock   func() time.Time
}

// NewLocalSigner builds a signer rooted at baseURL (e.g. "http://:8080").
// An empty secret is replaced with a random one, which limits URL validity
// to the current process.
func NewLocalSigner(secret []byte, baseURL string) *LocalSigner {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
	}
	return &LocalSigner{secret: secret, baseURL: strings.TrimSuffix(baseURL, "/"), clock: time.Now}
}

// WithClock overrides time.Now, for tests.
func (s *LocalSigner) WithClock(clock func() time.Time) *LocalSigner {
	s.clock = clock
	return s
}

// SignedURL returns a GET URL for key valid for ttl.
func (s *LocalSigner) SignedURL(key string, ttl time.Duration) string {
	exp := s.clock().Add(ttl).Unix()
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", s.sign(key, exp))
	return s.baseURL + "/blobs/" + key + "?" + q.Encode()
}

// Verify checks a presented expiry and signature for key.
func (s *LocalSigner) Verify(key, expStr, sig string) error {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return fault.NotFound("blob URL invalid for key " + key)
	}
	if !hmac.Equal([]byte(s.sign(key, exp)), []byte(sig)) {
		return fault.NotFound("blob URL invalid for key " + key)
	}
	if s.clock().Unix() > exp {
		return fault.NotFound("blob URL expired for key " + key)
	}
	return nil
}

func (s *LocalSigner) sign(key string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", key, exp)
	return hex.EncodeToString(mac.Sum(nil))
}
