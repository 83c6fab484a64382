// Package common holds response shaping shared by the transport adapters.
package common

import (
	"net/http"

	"github.com/keksclan/drinkgate/authgate"
)

// ErrorBody is the JSON document written for a rejected request.
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   int    `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Body renders err as an ErrorBody. Errors that are not an *authgate.AuthError
// render as a bare 500 without their text.
func Body(err error) ErrorBody {
	code := authgate.CodeOf(err)
	if code == "" {
		return ErrorBody{
			Error:   http.StatusInternalServerError,
			Message: http.StatusText(http.StatusInternalServerError),
		}
	}
	return ErrorBody{
		Error:   code.Status(),
		Message: code.Message(),
		Code:    string(code),
	}
}
