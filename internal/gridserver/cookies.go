package gridserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"
)

// Claim is what a data channel cookie grants: one range of one transfer.
type Claim struct {
	Cookie     string
	TransferID string
	Index      int
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// CookieStore is a thread-safe in-memory store of single-use data channel
// cookies.
type CookieStore struct {
	mu         sync.Mutex
	claims     map[string]Claim    // keyed by cookie
	byTransfer map[string][]string // transfer ID -> cookies
	ttl        time.Duration
}

// NewCookieStore creates a store whose cookies expire after ttl.
func NewCookieStore(ttl time.Duration) *CookieStore {
	return &CookieStore{
		claims:     make(map[string]Claim),
		byTransfer: make(map[string][]string),
		ttl:        ttl,
	}
}

// Issue creates the cookie for range index of transferID.
func (s *CookieStore) Issue(transferID string, index int) Claim {
	now := time.Now()
	claim := Claim{
		Cookie:     generateCookie(),
		TransferID: transferID,
		Index:      index,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, exists := s.claims[claim.Cookie]; exists; {
		claim.Cookie = generateCookie()
		_, exists = s.claims[claim.Cookie]
	}
	s.claims[claim.Cookie] = claim
	s.byTransfer[transferID] = append(s.byTransfer[transferID], claim.Cookie)
	return claim
}

// Redeem consumes cookie. It fails for unknown, used or expired cookies.
func (s *CookieStore) Redeem(cookie string, now time.Time) (Claim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, exists := s.claims[cookie]
	if !exists || subtle.ConstantTimeCompare([]byte(claim.Cookie), []byte(cookie)) != 1 {
		return Claim{}, false
	}
	s.remove(cookie)
	if now.After(claim.ExpiresAt) {
		return Claim{}, false
	}
	return claim, true
}

// Revoke drops every unused cookie of transferID and returns how many.
func (s *CookieStore) Revoke(transferID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.byTransfer[transferID] {
		if _, ok := s.claims[c]; ok {
			delete(s.claims, c)
			n++
		}
	}
	delete(s.byTransfer, transferID)
	return n
}

// CleanupExpired removes all expired cookies from the store.
// Returns the number of cookies removed.
func (s *CookieStore) CleanupExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toRemove []string
	for c, claim := range s.claims {
		if now.After(claim.ExpiresAt) {
			toRemove = append(toRemove, c)
		}
	}
	for _, c := range toRemove {
		s.remove(c)
	}
	return len(toRemove)
}

// Count returns the number of unused cookies.
func (s *CookieStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}

// remove deletes cookie; s.mu must be held.
func (s *CookieStore) remove(cookie string) {
	claim, ok := s.claims[cookie]
	if !ok {
		return
	}
	delete(s.claims, cookie)
	rest := s.byTransfer[claim.TransferID][:0]
	for _, c := range s.byTransfer[claim.TransferID] {
		if c != cookie {
			rest = append(rest, c)
		}
	}
	if len(rest) == 0 {
		delete(s.byTransfer, claim.TransferID)
	} else {
		s.byTransfer[claim.TransferID] = rest
	}
}

// generateCookie returns a random 32-character hex string.
func generateCookie() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
