package identity

// DirectoryUser is one user as read from an enterprise directory. The
// engine computes its key once per pass and may rewrite Groups and the
// attribute fields through the pre-diff hook; the record is discarded at
// the end of the pass.
type DirectoryUser struct {
	Type      Type
	Username  string
	Domain    string
	Email     string
	Firstname string
	Lastname  string
	Country   string

	// Groups are the resolved target-side groups the user should hold,
	// qualified names included.
	Groups []string

	// MemberGroups are the raw directory group names the user belongs to,
	// used by dynamic group rules.
	MemberGroups []string

	// SourceAttributes carries extended directory attributes requested for
	// the hook. Nil when no extended attributes were configured.
	SourceAttributes map[string]string
}

// Key computes the canonical key for the directory user.
func (u *DirectoryUser) Key() (Key, error) {
	return ComputeKey(u.Type, u.Username, u.Domain, u.Email)
}

// ObservedAccount is the identity service's current view of one account in
// one target org. The engine only reads it.
type ObservedAccount struct {
	Type      Type
	Username  string
	Domain    string
	Email     string
	Firstname string
	Lastname  string
	Country   string

	// Groups are the account's current group memberships in the target.
	Groups []string
}

// Key computes the canonical key for the observed account.
func (a *ObservedAccount) Key() (Key, error) {
	return ComputeKey(a.Type, a.Username, a.Domain, a.Email)
}
