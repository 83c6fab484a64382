package authgate

import "strings"

const bearerScheme = "Bearer"

// ExtractBearer returns the token from an Authorization header value of the
// form "Bearer <token>". An empty header is treated as absent. The scheme is
// case-sensitive and exactly one space must separate it from the token.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingHeader
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != bearerScheme || parts[1] == "" {
		return "", ErrMalformedHeader
	}
	return parts[1], nil
}
