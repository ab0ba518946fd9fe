package facts

// Role gates what memory types a caller may see and whether secrets stay
// unredacted.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// RolePolicy describes one role's access.
type RolePolicy struct {
	// AllowedTypes is nil for "all types".
	AllowedTypes     []MemoryType
	CanSeeUnredacted bool
}

var rolePolicies = map[Role]RolePolicy{
	RoleAdmin: {AllowedTypes: nil, CanSeeUnredacted: true},
	RoleUser:  {AllowedTypes: nil, CanSeeUnredacted: false},
	RoleGuest: {
		AllowedTypes:     []MemoryType{TypeFact, TypeEvent},
		CanSeeUnredacted: false,
	},
}

// PolicyFor returns the role's policy; unknown roles get guest access.
func PolicyFor(role Role) RolePolicy {
	if p, ok := rolePolicies[role]; ok {
		return p
	}
	return rolePolicies[RoleGuest]
}

// TypeAllowed reports whether the role may see the memory type.
func (p RolePolicy) TypeAllowed(t MemoryType) bool {
	if p.AllowedTypes == nil {
		return true
	}
	for _, a := range p.AllowedTypes {
		if a == t {
			return true
		}
	}
	return false
}
