package domain

// State is the lifecycle state of the client session.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateRestoring       State = "restoring"
	StateAuthenticated   State = "authenticated"
)

// Session is an immutable snapshot of the client-held identity.
//
// Token and User are both set or both empty once settled. While Loading, a
// token may be held with the profile still pending.
type Session struct {
	Token   string
	User    Profile
	Loading bool
}

// State derives the lifecycle state from the snapshot.
func (s Session) State() State {
	switch {
	case s.User != nil:
		return StateAuthenticated
	case s.Token != "" && s.Loading:
		return StateRestoring
	default:
		return StateUnauthenticated
	}
}

// IsAuthenticated is true iff a profile is held.
func (s Session) IsAuthenticated() bool {
	return s.User != nil
}
