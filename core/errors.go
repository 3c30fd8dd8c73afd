package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures so service boundaries can map them to status codes
// without inspecting messages.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork: the key set endpoint could not be reached (connect, DNS, timeout).
	KindNetwork
	// KindProtocol: the key set endpoint answered with a non-success status.
	KindProtocol
	// KindFormat: the key set body is not a valid JWKS document.
	KindFormat
	// KindAuth: the bearer credential itself was rejected.
	KindAuth
	// KindAccess: the caller is authenticated but not allowed to perform the action.
	KindAccess
	// KindConfig: a declarative source (policy file) exists but is malformed.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindFormat:
		return "format"
	case KindAuth:
		return "auth"
	case KindAccess:
		return "access"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Auth failure categories. They are kept for audit even when the external
// message is generic.
const (
	CategoryMissing           = "missing"
	CategoryUnknownKey        = "unknown_key"
	CategoryExpired           = "expired"
	CategoryNotYetValid       = "not_yet_valid"
	CategoryBadSignature      = "bad_signature"
	CategoryIssuerMismatch    = "issuer_mismatch"
	CategoryAudienceMismatch  = "audience_mismatch"
	CategoryAlgorithmMismatch = "algorithm_mismatch"
	CategoryMalformed         = "malformed"
	CategoryKeySetUnavailable = "key_set_unavailable"

	CategoryNoPolicy        = "no_policy"
	CategoryRoleNotAllowed  = "role_not_permitted"
	CategoryMissingAttrib   = "required_attribute_missing"
	CategoryMalformedSource = "malformed_source"
)

// Error is the single error type produced by the verification and RBAC core.
type Error struct {
	Kind     Kind
	Category string
	Reason   string // human-readable, safe to log
	Err      error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String() + " error"
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with the given kind, category and reason.
func NewError(kind Kind, category, reason string, cause error) *Error {
	return &Error{Kind: kind, Category: category, Reason: reason, Err: cause}
}

// NetworkError wraps a transport failure.
func NetworkError(url string, cause error) *Error {
	return NewError(KindNetwork, CategoryKeySetUnavailable, fmt.Sprintf("jwks fetch %s: %v", url, cause), cause)
}

// ProtocolError reports a non-success HTTP status.
func ProtocolError(url string, status int) *Error {
	return NewError(KindProtocol, CategoryKeySetUnavailable, fmt.Sprintf("jwks fetch %s: unexpected status %d", url, status), nil)
}

// FormatError reports an unparseable key set.
func FormatError(cause error) *Error {
	return NewError(KindFormat, CategoryKeySetUnavailable, fmt.Sprintf("jwks: invalid key set: %v", cause), cause)
}

// AuthError reports a rejected bearer credential.
func AuthError(category, reason string, cause error) *Error {
	return NewError(KindAuth, category, reason, cause)
}

// AccessError reports a denied action.
func AccessError(category, reason string) *Error {
	return NewError(KindAccess, category, reason, nil)
}

// ConfigError reports a malformed declarative source.
func ConfigError(source string, cause error) *Error {
	return NewError(KindConfig, CategoryMalformedSource, fmt.Sprintf("config %s: %v", source, cause), cause)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CategoryOf returns the category of the first *Error in err's chain.
func CategoryOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// StatusCode maps an error to an HTTP status. Key set retrieval failures surface as
// authentication failures.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindAuth, KindNetwork, KindProtocol, KindFormat:
		return http.StatusUnauthorized
	case KindAccess:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show an end caller.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindAuth, KindNetwork, KindProtocol, KindFormat:
		return "unauthorized"
	case KindAccess:
		return "forbidden"
	default:
		return "internal_error"
	}
}
