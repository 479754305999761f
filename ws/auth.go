package ws

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/murmurchat/murmur/event"
	"github.com/murmurchat/murmur/social"
)

// Rejection reasons for the connect handshake. All of them refuse the
// upgrade before any frame is exchanged.
var (
	ErrMissingParams  = errors.New("missing auth parameters")
	ErrUnknownKey     = errors.New("no key registered for identity")
	ErrStaleTimestamp = errors.New("timestamp outside freshness window")
	ErrBadSignature   = errors.New("signature mismatch")
)

// DefaultSkew is the accepted clock skew for signed connect timestamps,
// shared with the REST request signing scheme.
const DefaultSkew = 5 * time.Minute

// Authenticator verifies signed upgrade requests against registered keys.
type Authenticator struct {
	keys social.KeyLookup
	skew time.Duration
	now  func() time.Time
}

// NewAuthenticator creates an authenticator with the given skew window.
// A zero skew falls back to DefaultSkew.
func NewAuthenticator(keys social.KeyLookup, skew time.Duration) *Authenticator {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Authenticator{keys: keys, skew: skew, now: time.Now}
}

// canonicalString is what the client signs: the method tag, the request
// path, and the unix-seconds timestamp, newline terminated.
func canonicalString(path string, ts int64) string {
	return fmt.Sprintf("CONNECT\n%s\n%d\n", path, ts)
}

// Sign computes the connect signature for the given key, path and
// timestamp. Exposed for clients and tests.
func Sign(key []byte, path string, ts int64) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonicalString(path, ts)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate validates the upgrade request's id, ts and sig query
// parameters. It returns the authenticated identity, or an error that
// maps to a rejected upgrade.
func (a *Authenticator) Authenticate(r *http.Request) (event.Identity, error) {
	q := r.URL.Query()
	id := q.Get("id")
	tsRaw := q.Get("ts")
	sig := q.Get("sig")
	if id == "" || tsRaw == "" || sig == "" {
		return "", ErrMissingParams
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", ErrMissingParams
	}

	now := a.now().Unix()
	if ts < now-int64(a.skew.Seconds()) || ts > now+int64(a.skew.Seconds()) {
		return "", ErrStaleTimestamp
	}

	key, err := a.keys.KeyOf(event.Identity(id))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}

	expected := Sign(key, r.URL.Path, ts)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return "", ErrBadSignature
	}

	return event.Identity(id), nil
}
