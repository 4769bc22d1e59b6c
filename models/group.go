package models

// GroupModel is the snapshot of a group carried by group-update events.
// Membership storage itself lives outside this module.
type GroupModel struct {
	GroupID string    `json:"groupId"`
	Title   string    `json:"title,omitempty"`
	Members []Address `json:"members,omitempty"`
}

// HasMember reports whether address is listed in the group.
func (g *GroupModel) HasMember(address Address) bool {
	if g == nil {
		return false
	}
	for _, member := range g.Members {
		if member == address {
			return true
		}
	}
	return false
}
