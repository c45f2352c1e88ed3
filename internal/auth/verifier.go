package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/formaplus/automatisations/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// Verifier checks presented secrets like Verify and remembers successful
// checks for ttl, so a client reusing its token pays for bcrypt once per ttl.
// Entries are keyed by a digest of the stored hash and the secret: the key
// row is still read on every request, and disabling or re-hashing a key
// takes effect immediately.
type Verifier struct {
	cache   *ristretto.Cache
	ttl     time.Duration
	compare func(hash, secret []byte) error
}

func NewVerifier(size int64, ttl time.Duration) (*Verifier, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * size,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create api key cache: %w", err)
	}
	return &Verifier{cache: cache, ttl: ttl, compare: bcrypt.CompareHashAndPassword}, nil
}

// Verify reports whether secret belongs to the enabled key.
func (v *Verifier) Verify(key *domain.ApiKey, secret string) bool {
	if key == nil || !key.Enabled {
		return false
	}
	digest := verifiedDigest(key.SecretHash, secret)
	if _, ok := v.cache.Get(digest); ok {
		return true
	}
	if v.compare([]byte(key.SecretHash), []byte(secret)) != nil {
		return false
	}
	if v.ttl > 0 {
		v.cache.SetWithTTL(digest, struct{}{}, 1, v.ttl)
	}
	return true
}

func (v *Verifier) Close() {
	v.cache.Close()
}

func verifiedDigest(hash, secret string) string {
	sum := sha256.Sum256([]byte(hash + "\x00" + secret))
	return hex.EncodeToString(sum[:])
}
