package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Role is one of the six clinic roles.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleDoctor       Role = "doctor"
	RolePatient      Role = "patient"
	RoleReceptionist Role = "receptionist"
	RolePharmacist   Role = "pharmacist"
	RoleCashier      Role = "cashier"
)

var validRoles = map[Role]bool{
	RoleAdmin: true, RoleDoctor: true, RolePatient: true,
	RoleReceptionist: true, RolePharmacist: true, RoleCashier: true,
}

func (r Role) Valid() bool { return validRoles[r] }

// Actor is the authenticated caller. Services receive it as an explicit
// argument and use it for attribution and ownership checks.
type Actor struct {
	UserID uuid.UUID `json:"user_id"`
	Role   Role      `json:"role"`
}

// System is the actor used by scheduled jobs.
var System = Actor{Role: RoleAdmin}

// Is reports whether the actor holds one of roles.
func (a Actor) Is(roles ...Role) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

var ErrNoActor = errors.New("no authenticated user")

// ActorFromContext builds the Actor from the identity the auth middleware
// put on the request context. The first recognised role wins.
func ActorFromContext(ctx context.Context) (Actor, error) {
	raw := UserIDFromContext(ctx)
	if raw == "" {
		return Actor{}, ErrNoActor
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Actor{}, fmt.Errorf("invalid subject %q: %w", raw, err)
	}
	for _, r := range RolesFromContext(ctx) {
		if role := Role(r); role.Valid() {
			return Actor{UserID: id, Role: role}, nil
		}
	}
	return Actor{}, fmt.Errorf("user %s has no clinic role", id)
}

// ActorFrom is ActorFromContext for handlers, failing with 401.
func ActorFrom(c echo.Context) (Actor, error) {
	a, err := ActorFromContext(c.Request().Context())
	if err != nil {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return a, nil
}
