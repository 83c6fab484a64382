// Package authgatefiber provides a Fiber middleware that guards a route with
// a required permission.
//
// On success the *authgate.Claims are stored in c.Locals("authgate"). On
// failure the request ends with the error's status and a common.ErrorBody.
package authgatefiber

import (
	"github.com/gofiber/fiber/v2"
	"github.com/keksclan/drinkgate/adapters/common"
	"github.com/keksclan/drinkgate/authgate"
)

// LocalsKey is the c.Locals key holding the authorized claims.
const LocalsKey = "authgate"

// Require returns a handler that authorizes the request for permission
// before passing it on.
func Require(gate *authgate.Gate, permission string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, err := gate.Authorize(c.UserContext(), c.Get(fiber.HeaderAuthorization), permission)
		if err != nil {
			body := common.Body(err)
			return c.Status(body.Error).JSON(body)
		}
		c.Locals(LocalsKey, claims)
		return c.Next()
	}
}

// ClaimsFromLocals returns the claims stored by Require, or nil.
func ClaimsFromLocals(c *fiber.Ctx) *authgate.Claims {
	v, _ := c.Locals(LocalsKey).(*authgate.Claims)
	return v
}
