package auth

import (
	"crypto/subtle"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

var (
	ErrAPIKeyInvalid = errors.New("invalid api key")
	ErrAPIKeyExpired = errors.New("api key expired")
	ErrAPIKeyRevoked = errors.New("api key revoked")
)

// APIKey is the stored form of a key. The secret half is kept only as a
// blake3 digest.
type APIKey struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Revoked   bool      `json:"revoked"`

	digest [32]byte
}

// APIKeys stores issued keys. Keys have the wire form "<id>-<secret>".
type APIKeys struct {
	mu     sync.RWMutex
	nextID int64
	keys   map[int64]*APIKey
	now    func() time.Time
}

func NewAPIKeys() *APIKeys {
	return &APIKeys{keys: map[int64]*APIKey{}, now: time.Now}
}

// Create issues a key for username and returns its plaintext form once.
func (s *APIKeys) Create(username, name string, ttl time.Duration) (string, APIKey, error) {
	secret, err := randomSecret(48)
	if err != nil {
		return "", APIKey{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	key := &APIKey{
		ID:        s.nextID,
		Name:      name,
		Username:  username,
		CreatedAt: s.now(),
		digest:    blake3.Sum256([]byte(secret)),
	}
	if ttl > 0 {
		key.ExpiresAt = key.CreatedAt.Add(ttl)
	}
	s.keys[key.ID] = key
	return strconv.FormatInt(key.ID, 10) + "-" + secret, *key, nil
}

// Verify checks a plaintext key and returns the stored record.
func (s *APIKeys) Verify(plain string) (APIKey, error) {
	idPart, secret, ok := strings.Cut(plain, "-")
	if !ok || secret == "" {
		return APIKey{}, ErrAPIKeyInvalid
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return APIKey{}, ErrAPIKeyInvalid
	}
	s.mu.RLock()
	key, found := s.keys[id]
	var cp APIKey
	if found {
		cp = *key
	}
	s.mu.RUnlock()
	if !found {
		return APIKey{}, ErrAPIKeyInvalid
	}
	digest := blake3.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(digest[:], cp.digest[:]) != 1 {
		return APIKey{}, ErrAPIKeyInvalid
	}
	if cp.Revoked {
		return APIKey{}, ErrAPIKeyRevoked
	}
	if !cp.ExpiresAt.IsZero() && !s.now().Before(cp.ExpiresAt) {
		return APIKey{}, ErrAPIKeyExpired
	}
	return cp, nil
}

// Revoke marks a key unusable. Sessions already opened with it are not closed.
func (s *APIKeys) Revoke(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if ok {
		key.Revoked = true
	}
	return ok
}

// List returns copies of the keys owned by username, or every key when
// username is empty.
func (s *APIKeys) List(username string) []APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		if username == "" || k.Username == username {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
