// Package authgatefasthttp provides a fasthttp middleware that guards a
// handler with a required permission.
//
// On success the *authgate.Claims are stored in the user value "authgate".
// On failure the request ends with the error's status and a JSON
// common.ErrorBody.
package authgatefasthttp

import (
	"context"
	"encoding/json"

	"github.com/keksclan/drinkgate/adapters/common"
	"github.com/keksclan/drinkgate/authgate"
	"github.com/valyala/fasthttp"
)

// ClaimsUserValueKey is the key used to store the claims in the
// fasthttp.RequestCtx user values.
const ClaimsUserValueKey = "authgate"

// Require wraps next so that it only runs for requests holding permission.
func Require(gate *authgate.Gate, permission string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		header := string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))
		claims, err := gate.Authorize(context.Background(), header, permission)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.SetUserValue(ClaimsUserValueKey, claims)
		next(ctx)
	}
}

// ClaimsFromCtx returns the claims stored by Require, or nil.
func ClaimsFromCtx(ctx *fasthttp.RequestCtx) *authgate.Claims {
	v, _ := ctx.UserValue(ClaimsUserValueKey).(*authgate.Claims)
	return v
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	body := common.Body(err)
	ctx.SetStatusCode(body.Error)
	ctx.SetContentType("application/json")
	b, _ := json.Marshal(body)
	ctx.SetBody(b)
}
