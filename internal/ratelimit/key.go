package ratelimit

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	maxKeyLen    = 256
	maxUserIDLen = 128
	keyPrefix    = "rl"

	// UnknownIdentity is shared by every request without a usable identity.
	UnknownIdentity = "unknown"
)

type Kind string

const (
	KindUser    Kind = "user"
	KindAPIKey  Kind = "key"
	KindIP      Kind = "ip"
	KindUnknown Kind = "anon"
)

// Key is a canonical rate limit key, unique per (scope, identity).
type Key string

func (k Key) String() string { return string(k) }

// Identity holds the raw identity components of a request. Any of them may be
// empty.
type Identity struct {
	UserID string
	APIKey string
	IP     string
}

// Subject is the identity the key was built from.
type Subject struct {
	Kind  Kind
	Value string
	IP    string // normalised client IP, empty when unparseable
}

// BuildKey derives the key for scope from id, preferring the user id, then the
// API key, then the client IP. Malformed components are skipped; when nothing
// usable is left the key falls back to UnknownIdentity.
func BuildKey(scope string, id Identity) (Key, Subject) {
	ip, ipErr := ParseIP(id.IP)
	sub := Subject{IP: ip}

	switch {
	case validUserID(id.UserID):
		sub.Kind, sub.Value = KindUser, id.UserID
	case strings.TrimSpace(id.APIKey) != "":
		// API keys may be secrets; only a digest goes into the store.
		sub.Kind, sub.Value = KindAPIKey, strconv.FormatUint(xxhash.Sum64String(strings.TrimSpace(id.APIKey)), 16)
	case ipErr == nil:
		sub.Kind, sub.Value = KindIP, ip
	default:
		sub.Kind, sub.Value = KindUnknown, UnknownIdentity
	}

	k := keyPrefix + ":" + scope + ":" + string(sub.Kind) + ":" + sub.Value
	if len(k) > maxKeyLen {
		k = keyPrefix + ":" + scope + ":" + string(sub.Kind) + ":#" + strconv.FormatUint(xxhash.Sum64String(sub.Value), 16)
	}
	return Key(k), sub
}

// ParseIP normalises an address as found in RemoteAddr or forwarding headers:
// the port, IPv6 brackets and zone are stripped and IPv4-mapped addresses are
// unmapped.
func ParseIP(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrMalformedIdentity
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", ErrMalformedIdentity
	}
	return addr.WithZone("").Unmap().String(), nil
}

func validUserID(s string) bool {
	if s == "" || len(s) > maxUserIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '@', c == ':', c == '+', c == '-':
		default:
			return false
		}
	}
	return true
}
