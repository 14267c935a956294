package permission

// RoleSuperAdmin is the system role that bypasses every check.
const RoleSuperAdmin = "super_admin"

// Home roles.
const (
	HomeRoleOwner  = "owner"
	HomeRoleAdmin  = "admin"
	HomeRoleMember = "member"
	HomeRoleGuest  = "guest"
)

// Actions.
const (
	ActionView    = "view"
	ActionControl = "control"
	ActionManage  = "manage"
)

// Resource types accepted by Can.
const (
	ResourceMenu   = "menu"
	ResourceDevice = "device"
	ResourceRoom   = "room"
)

// Wildcard matches any resource key or any action.
const Wildcard = "*"

// Bundle is a versioned permission snapshot for one home.
type Bundle struct {
	Version  int64               `json:"version"`
	HomeID   string              `json:"homeId"`
	Role     string              `json:"role"`
	HomeRole string              `json:"homeRole"`
	Menus    map[string]bool     `json:"menus"`
	Devices  map[string][]string `json:"devices"`
	Rooms    map[string][]string `json:"rooms"`
}

// Clone returns an independent copy of b.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	cpy := *b
	if b.Menus != nil {
		cpy.Menus = make(map[string]bool, len(b.Menus))
		for k, v := range b.Menus {
			cpy.Menus[k] = v
		}
	}
	cpy.Devices = cloneActions(b.Devices)
	cpy.Rooms = cloneActions(b.Rooms)
	return &cpy
}

func cloneActions(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// allows reports whether actions grant action. "*" grants everything.
func allows(actions []string, action string) bool {
	for _, a := range actions {
		if a == action || a == Wildcard {
			return true
		}
	}
	return false
}

// State is the evaluator's load state.
type State int

// Evaluator states.
const (
	StateLoading State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "loading"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a read-only view of the evaluator.
type Status struct {
	State    State           `json:"state"`
	HomeID   string          `json:"homeId"`
	Version  int64           `json:"version"`
	Role     string          `json:"role"`
	HomeRole string          `json:"homeRole"`
	Menus    map[string]bool `json:"menus"`
}
