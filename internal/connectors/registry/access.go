package registry

// ExternalAccess lists who may see an item at the source. It is computed per
// item, never inherited from the connector's owner scope.
type ExternalAccess struct {
	UserEmails  []string
	GroupEmails []string
}

// AccessForUsers grants access to the given user emails only.
func AccessForUsers(emails ...string) ExternalAccess {
	return ExternalAccess{UserEmails: emails}
}

// Empty reports whether no external principals were resolved.
func (a ExternalAccess) Empty() bool {
	return len(a.UserEmails) == 0 && len(a.GroupEmails) == 0
}
