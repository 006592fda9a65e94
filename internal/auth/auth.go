// Package auth implements the proxy's authorization and protocol-version
// decision table. Every endpoint consults the same table: a missing or
// invalid bearer token is reported before any protocol complaint, and a
// valid token without a usable X-Aifo-Proto header is an upgrade error.
package auth

import (
	"crypto/subtle"
	"strings"
)

// Proto is a negotiated shim protocol version.
type Proto int

const (
	ProtoV1 Proto = 1 // buffered: respond once after completion
	ProtoV2 Proto = 2 // streaming: chunked output with an exit-code trailer
)

// Result is the outcome of validating one request's credentials.
type Result int

const (
	Authorized Result = iota
	MissingOrInvalidAuth
	MissingOrInvalidProto
)

// Validate applies the decision table to lowercased request headers.
// The proto value is only meaningful when the result is Authorized.
func Validate(headers map[string]string, token string) (Result, Proto) {
	if !BearerMatches(headers["authorization"], token) {
		return MissingOrInvalidAuth, 0
	}
	switch strings.TrimSpace(headers["x-aifo-proto"]) {
	case "1":
		return Authorized, ProtoV1
	case "2":
		return Authorized, ProtoV2
	default:
		return MissingOrInvalidProto, 0
	}
}

// BearerMatches reports whether an Authorization header value carries the
// expected token under the Bearer scheme. The scheme is case-insensitive
// and whitespace-tolerant; the token comparison is exact and constant-time.
func BearerMatches(value, token string) bool {
	v := strings.TrimSpace(value)
	idx := strings.IndexFunc(v, isASCIISpace)
	if idx < 0 {
		return false
	}
	scheme, cred := v[:idx], strings.TrimSpace(v[idx:])
	if !strings.EqualFold(scheme, "bearer") || cred == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cred), []byte(token)) == 1
}

func isASCIISpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
