package channels

import "log/slog"

// Allowlist gates inbound senders. Empty lists with AllowAll=false deny
// everyone, which surfaces misconfiguration immediately.
type Allowlist struct {
	AllowAll      bool
	AllowedUsers  map[string]struct{}
	AllowedGroups map[string]struct{}
}

// NewAllowlist builds an allowlist from config slices.
func NewAllowlist(allowAll bool, users, groups []string) *Allowlist {
	a := &Allowlist{
		AllowAll:      allowAll,
		AllowedUsers:  make(map[string]struct{}, len(users)),
		AllowedGroups: make(map[string]struct{}, len(groups)),
	}
	for _, u := range users {
		a.AllowedUsers[u] = struct{}{}
	}
	for _, g := range groups {
		a.AllowedGroups[g] = struct{}{}
	}
	return a
}

// Permitted reports whether the sender may reach the agent. Violations are
// logged at warning and otherwise silently dropped.
func (a *Allowlist) Permitted(channel, userID, groupID string) bool {
	if a.AllowAll {
		return true
	}
	if _, ok := a.AllowedUsers[userID]; ok {
		return true
	}
	if groupID != "" {
		if _, ok := a.AllowedGroups[groupID]; ok {
			return true
		}
	}
	slog.Warn("message dropped by allowlist", "channel", channel, "user", userID, "group", groupID)
	return false
}
