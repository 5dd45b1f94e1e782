package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the worker API. "*" grants everything.
const (
	ScopeAll        = "*"
	ScopeTasksRW    = "tasks:rw"
	ScopeProcessRO  = "process:ro"
	ScopeProcessRW  = "process:rw"
	ScopeEventsRO   = "events:ro"
	ScopeActivityRO = "activity:ro"
	ScopeActivityRW = "activity:rw"
)

// implies lists every scope a token may carry and the scopes it grants on
// top of itself. Submitting a task grants reading its process record.
var implies = map[string][]string{
	ScopeAll:        nil,
	ScopeTasksRW:    {ScopeProcessRO},
	ScopeProcessRO:  nil,
	ScopeProcessRW:  {ScopeProcessRO},
	ScopeEventsRO:   nil,
	ScopeActivityRO: nil,
	ScopeActivityRW: {ScopeActivityRO},
}

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrBadScheme     = errors.New("invalid Authorization header format")
	ErrEmptyToken    = errors.New("missing API key")
)

// Known reports whether scope is one the API checks.
func Known(scope string) bool {
	_, ok := implies[scope]
	return ok
}

// Scopes is the expanded set of scopes held by a principal.
type Scopes map[string]struct{}

// Grant expands configured scopes through their implications. Blank and
// unknown entries grant nothing.
func Grant(configured ...string) Scopes {
	out := make(Scopes, len(configured))
	for _, s := range configured {
		s = strings.TrimSpace(s)
		extra, ok := implies[s]
		if !ok {
			continue
		}
		out[s] = struct{}{}
		for _, e := range extra {
			out[e] = struct{}{}
		}
	}
	return out
}

// Allows reports whether the set satisfies any of required. An empty
// requirement is always satisfied.
func (s Scopes) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := s[ScopeAll]; ok {
		return true
	}
	for _, r := range required {
		if _, ok := s[r]; ok {
			return true
		}
	}
	return false
}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Token  string
	Scopes Scopes
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken returns the token from an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" {
		return "", ErrBadScheme
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// tokenMatches compares digests so timing does not leak the configured
// token's length. Empty tokens never match.
func tokenMatches(presented, configured string) bool {
	if presented == "" || configured == "" {
		return false
	}
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(configured))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
// The admin key authenticates with scope "*".
func Authenticate(presented, adminKey string, tokens []TokenConfig) (Principal, bool) {
	if tokenMatches(presented, adminKey) {
		return Principal{Token: presented, Scopes: Grant(ScopeAll)}, true
	}
	for _, t := range tokens {
		if tokenMatches(presented, t.Token) {
			return Principal{Token: presented, Scopes: Grant(t.Scopes...)}, true
		}
	}
	return Principal{}, false
}

// HasAnyScope reports whether p holds any of required.
func HasAnyScope(p Principal, required ...string) bool {
	return p.Scopes.Allows(required...)
}
