package authgate

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an authorization failure. The set of codes is closed.
type Code string

const (
	CodeMissingHeader           Code = "missing_header"
	CodeMalformedHeader         Code = "malformed_header"
	CodeMalformedToken          Code = "malformed_token"
	CodeUnsupportedAlgorithm    Code = "unsupported_algorithm"
	CodeUnknownSigningKey       Code = "unknown_signing_key"
	CodeKeySourceUnavailable    Code = "key_source_unavailable"
	CodeInvalidSignature        Code = "invalid_signature"
	CodeTokenExpired            Code = "token_expired"
	CodeInvalidIssuer           Code = "invalid_issuer"
	CodeInvalidAudience         Code = "invalid_audience"
	CodePermissionsClaimMissing Code = "permissions_claim_missing"
	CodePermissionDenied        Code = "permission_denied"
)

type codeInfo struct {
	status  int
	message string
}

var codes = map[Code]codeInfo{
	CodeMissingHeader:           {http.StatusBadRequest, "Authorization header is expected."},
	CodeMalformedHeader:         {http.StatusBadRequest, "Authorization header must be bearer token."},
	CodeMalformedToken:          {http.StatusBadRequest, "Authorization token is malformed."},
	CodeUnsupportedAlgorithm:    {http.StatusUnauthorized, "Token signing algorithm is not allowed."},
	CodeUnknownSigningKey:       {http.StatusUnauthorized, "Unable to find the appropriate signing key."},
	CodeKeySourceUnavailable:    {http.StatusUnauthorized, "Unable to retrieve signing keys."},
	CodeInvalidSignature:        {http.StatusUnauthorized, "Token signature is invalid."},
	CodeTokenExpired:            {http.StatusUnauthorized, "Token expired."},
	CodeInvalidIssuer:           {http.StatusUnauthorized, "Incorrect claims. Please, check the issuer."},
	CodeInvalidAudience:         {http.StatusUnauthorized, "Incorrect claims. Please, check the audience."},
	CodePermissionsClaimMissing: {http.StatusForbidden, "Permissions not included in token."},
	CodePermissionDenied:        {http.StatusForbidden, "Permission not found."},
}

// Codes returns every Code in a stable order.
func Codes() []Code {
	return []Code{
		CodeMissingHeader, CodeMalformedHeader, CodeMalformedToken,
		CodeUnsupportedAlgorithm, CodeUnknownSigningKey, CodeKeySourceUnavailable,
		CodeInvalidSignature, CodeTokenExpired, CodeInvalidIssuer, CodeInvalidAudience,
		CodePermissionsClaimMissing, CodePermissionDenied,
	}
}

// Status returns the HTTP status class for c: 400, 401 or 403.
func (c Code) Status() int { return codes[c].status }

// Message returns the fixed human-readable message for c.
func (c Code) Message() string { return codes[c].message }

// AuthError is the only error type returned by Gate.Authorize.
//
// Concurrency: AuthError is immutable.
type AuthError struct {
	code  Code
	cause error
}

// Sentinels for use with errors.Is. Matching is by Code.
var (
	ErrMissingHeader           = &AuthError{code: CodeMissingHeader}
	ErrMalformedHeader         = &AuthError{code: CodeMalformedHeader}
	ErrMalformedToken          = &AuthError{code: CodeMalformedToken}
	ErrUnsupportedAlgorithm    = &AuthError{code: CodeUnsupportedAlgorithm}
	ErrUnknownSigningKey       = &AuthError{code: CodeUnknownSigningKey}
	ErrKeySourceUnavailable    = &AuthError{code: CodeKeySourceUnavailable}
	ErrInvalidSignature        = &AuthError{code: CodeInvalidSignature}
	ErrTokenExpired            = &AuthError{code: CodeTokenExpired}
	ErrInvalidIssuer           = &AuthError{code: CodeInvalidIssuer}
	ErrInvalidAudience         = &AuthError{code: CodeInvalidAudience}
	ErrPermissionsClaimMissing = &AuthError{code: CodePermissionsClaimMissing}
	ErrPermissionDenied        = &AuthError{code: CodePermissionDenied}
)

func newError(code Code, cause error) *AuthError {
	return &AuthError{code: code, cause: cause}
}

func (e *AuthError) Code() Code      { return e.code }
func (e *AuthError) Status() int     { return e.code.Status() }
func (e *AuthError) Message() string { return e.code.Message() }

func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.code.Message(), e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.code.Message())
}

// Unwrap exposes the internal cause. Causes never carry token material.
func (e *AuthError) Unwrap() error { return e.cause }

func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.code == e.code
}

// CodeOf returns the Code carried by err, or "" if err is not an AuthError.
func CodeOf(err error) Code {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.code
	}
	return ""
}

// StatusOf returns the HTTP status class for err. Errors that are not an
// AuthError map to 500.
func StatusOf(err error) int {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Status()
	}
	return http.StatusInternalServerError
}
