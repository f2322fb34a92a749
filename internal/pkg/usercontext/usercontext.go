package usercontext

import "github.com/gofiber/fiber/v2"

// KeyUserContext is the Locals key the auth middleware stores the
// request's user context under.
const KeyUserContext = "USER_CONTEXT"

// UserContext carries the authenticated caller through a request.
type UserContext struct {
	UserID     uint   `json:"user_id"`
	Username   string `json:"username"`
	IsLoggedIn bool   `json:"is_logged_in"`
	IsAdmin    bool   `json:"is_admin"`
	Plan       string `json:"plan"`
}

// Set stores the user context on the request after successful
// authentication.
func Set(c *fiber.Ctx, ctx UserContext) {
	c.Locals(KeyUserContext, ctx)
}

// GetUserContext retrieves the user context from fiber context.
// Returns an anonymous context if none is set.
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return ctx
	}
	return UserContext{}
}

// GetUserID returns the current user's ID, or 0 if not authenticated.
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}
