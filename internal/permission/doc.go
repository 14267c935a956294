// Package permission evaluates the user's permission bundle for the
// active home.
//
// The Evaluator moves between two states. It is loading after the active
// home changes or the server announces a new bundle version, and ready
// once a bundle for the current home is loaded. While loading, only the
// system bypass role is allowed anything.
//
// Can consults, in order: the bypass role, the menu-visibility map, the
// device or room map (with "*" as the fallback key), and finally denies.
//
// Route guards combine two independent gates, MenuGate and RoleGate. A
// page can be visible in the menu and still be role-gated; both must pass.
package permission
