package permission

import (
	"fmt"
	"strings"
)

// Checker is the part of Evaluator a Guard needs.
type Checker interface {
	Can(action, resourceType, resourceKey string) bool
	HasRole(roles ...string) bool
}

// Guard protects a route with a menu-visibility gate and a required-role
// gate. The gates are independent; Check requires both.
type Guard struct {
	// Menu is the menu key that must be visible. Empty skips the gate.
	Menu string

	// Roles lists roles of which the user needs one. Empty skips the gate.
	Roles []string
}

// MenuGate checks menu visibility only.
func (g Guard) MenuGate(c Checker) error {
	if g.Menu == "" || c.Can(ActionView, ResourceMenu, g.Menu) {
		return nil
	}
	return denied(GateMenu, "menu %q is not visible", g.Menu)
}

// RoleGate checks the required-role list only.
func (g Guard) RoleGate(c Checker) error {
	if len(g.Roles) == 0 || c.HasRole(g.Roles...) {
		return nil
	}
	return denied(GateRole, "requires one of [%s]", strings.Join(g.Roles, ", "))
}

// Check runs both gates, menu first.
func (g Guard) Check(c Checker) error {
	if err := g.MenuGate(c); err != nil {
		return err
	}
	if err := g.RoleGate(c); err != nil {
		return err
	}
	return nil
}

// Require returns a resource-level denial unless action on the resource
// is allowed.
func Require(c Checker, action, resourceType, resourceKey string) error {
	if c.Can(action, resourceType, resourceKey) {
		return nil
	}
	return denied(GateResource, "%s on %s", action, fmt.Sprintf("%s/%s", resourceType, resourceKey))
}
