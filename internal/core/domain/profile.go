package domain

// Role is the account kind reported by the backend. It only decides which
// dashboard a user lands on; the backend is the sole authority for access.
type Role string

const (
	RoleConsumer   Role = "consumer"
	RoleFarmer     Role = "farmer"
	RoleWholesaler Role = "wholesaler"
	RoleAdmin      Role = "admin"
)

// landingPaths maps each role to its dashboard route.
var landingPaths = map[Role]string{
	RoleConsumer:   "/consumer/dashboard",
	RoleFarmer:     "/farmer/dashboard",
	RoleWholesaler: "/wholesaler/dashboard",
	RoleAdmin:      "/admin/dashboard",
}

// DefaultLandingPath is used when the role is missing or unknown.
const DefaultLandingPath = "/"

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := landingPaths[r]
	return ok
}

// LandingPath returns the post-login route for role.
func LandingPath(role Role) string {
	if path, ok := landingPaths[role]; ok {
		return path
	}
	return DefaultLandingPath
}

// Profile is the user record returned by the backend. Only the role field is
// interpreted; everything else is carried through untouched.
type Profile map[string]any

// Role returns the profile's role tag, or "" when absent or not a string.
func (p Profile) Role() Role {
	if p == nil {
		return ""
	}
	s, _ := p["role"].(string)
	return Role(s)
}

// Clone returns a shallow copy of the profile.
func (p Profile) Clone() Profile {
	if p == nil {
		return nil
	}
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a new profile with partial's top-level fields written over p.
func (p Profile) Merge(partial map[string]any) Profile {
	out := p.Clone()
	if out == nil {
		out = make(Profile, len(partial))
	}
	for k, v := range partial {
		out[k] = v
	}
	return out
}
