// Package rendezvous implements the session registry: the rendezvous
// state machine that turns Create/Join control packets into paired
// sessions. The registry is the single source of truth for which host
// owns which session; it is not safe for concurrent use, matching the
// single-writer dispatcher that is its only caller.
package rendezvous

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// SessionKey is the client-facing, human-typeable identifier for a
// session, handed out on Create and presented back on Join-by-key.
type SessionKey string

const (
	sessionKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	sessionKeyLength   = 7
	// maxAllocAttempts bounds the rejection-sampling loop used both for
	// picking an unused key and for drawing unbiased alphabet indices;
	// at this alphabet size and registry scale a collision run this long
	// indicates a caller bug, not bad luck.
	maxAllocAttempts = 100
)

// ErrKeySpaceExhausted is returned when no unused session key could be
// found within maxAllocAttempts tries. With a 62^7 key space this only
// happens if the registry itself is misused (e.g. never dropping
// sessions), so it is treated as a caller error rather than capacity
// planning.
var ErrKeySpaceExhausted = errors.New("rendezvous: session key space exhausted")

// Session is one pending or paired rendezvous session.
type Session struct {
	Key               SessionKey
	Fingerprint       string
	PasswordProtected bool
	Host              netip.AddrPort
	CreatedAt         time.Time
}

// Registry owns every live session, keyed both by its SessionKey and by
// the host that created it. The two maps are always updated together so
// they never drift out of sync with each other.
type Registry struct {
	sessions map[SessionKey]*Session
	byHost   map[netip.AddrPort]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[SessionKey]*Session),
		byHost:   make(map[netip.AddrPort]*Session),
	}
}

// HasSession reports whether host already owns a session. Create must
// reject a second session from the same host before calling Create.
func (r *Registry) HasSession(host netip.AddrPort) bool {
	_, ok := r.byHost[host]
	return ok
}

// Create allocates a fresh, unused SessionKey and registers a new session
// owned by host. The caller is responsible for rejecting a Create from a
// host that already owns a session (HasSession) before calling this.
func (r *Registry) Create(fingerprint string, passwordProtected bool, host netip.AddrPort, now time.Time) (*Session, error) {
	key, err := r.newUniqueKey()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		Key:               key,
		Fingerprint:       fingerprint,
		PasswordProtected: passwordProtected,
		Host:              host,
		CreatedAt:         now,
	}
	r.sessions[key] = sess
	r.byHost[host] = sess
	return sess, nil
}

// FindByKey looks up a session by its SessionKey for a Join request.
func (r *Registry) FindByKey(key SessionKey) (*Session, bool) {
	sess, ok := r.sessions[key]
	return sess, ok
}

// FindAnyPublic returns a non-password-protected session owned by a host
// other than exclude. Any accepted fingerprint may pair with any other;
// this is not a fingerprint-matching lookup. Iteration order over a Go map
// is randomized per runtime, which is sufficient for "any" session
// selection — callers must not depend on a deterministic pick.
func (r *Registry) FindAnyPublic(exclude netip.AddrPort) (*Session, bool) {
	for _, sess := range r.sessions {
		if sess.PasswordProtected {
			continue
		}
		if sess.Host == exclude {
			continue
		}
		return sess, true
	}
	return nil, false
}

// Drop removes a session directly by key, from both indexes.
func (r *Registry) Drop(key SessionKey) {
	sess, ok := r.sessions[key]
	if !ok {
		return
	}
	delete(r.sessions, key)
	delete(r.byHost, sess.Host)
}

// DropByHost removes the session owned by host, if any. Used for an
// explicit Close packet, peer eviction, and retiring both sides of a
// pairing; returns false if host owns no
// session, so callers can tell "nothing to do" from "dropped".
func (r *Registry) DropByHost(host netip.AddrPort) bool {
	sess, ok := r.byHost[host]
	if !ok {
		return false
	}
	delete(r.sessions, sess.Key)
	delete(r.byHost, host)
	return true
}

// Len reports the number of live sessions, for metrics.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Keys returns every live SessionKey. Iteration order is unspecified;
// intended for diagnostics and tests, not for any deterministic pick.
func (r *Registry) Keys() []SessionKey {
	keys := make([]SessionKey, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	return keys
}

func (r *Registry) newUniqueKey() (SessionKey, error) {
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		key, err := randomSessionKey()
		if err != nil {
			return "", fmt.Errorf("rendezvous: generate session key: %w", err)
		}
		if _, taken := r.sessions[key]; !taken {
			return key, nil
		}
	}
	return "", ErrKeySpaceExhausted
}

// randomSessionKey draws sessionKeyLength characters from
// sessionKeyAlphabet using rejection sampling, so every character is
// uniformly distributed with no modulo bias.
func randomSessionKey() (SessionKey, error) {
	buf := make([]byte, sessionKeyLength)
	for i := range buf {
		c, err := randomAlphabetChar()
		if err != nil {
			return "", err
		}
		buf[i] = c
	}
	return SessionKey(buf), nil
}

func randomAlphabetChar() (byte, error) {
	// The alphabet has 62 symbols; reading a single random byte and
	// rejecting values that would bias the modulo keeps every symbol
	// equally likely. 256 is not a multiple of 62, so values >= 248
	// (the last full cycle) are discarded and redrawn.
	const limit = 256 - (256 % len(sessionKeyAlphabet))

	var b [1]byte
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("read random byte: %w", err)
		}
		if int(b[0]) < limit {
			return sessionKeyAlphabet[int(b[0])%len(sessionKeyAlphabet)], nil
		}
	}
	return 0, ErrKeySpaceExhausted
}
