package domain

import "strings"

// Role is the authenticated actor's role within the portal.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleAgent      Role = "agent"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// rank orders roles so that "role >= agent" checks read naturally.
var rank = map[Role]int{
	RoleCustomer:   1,
	RoleAgent:      2,
	RoleSupervisor: 3,
	RoleAdmin:      4,
}

// ParseRole normalises a role claim. Unknown roles are reported as invalid.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	_, ok := rank[r]
	return r, ok
}

// AtLeast reports whether r ranks at or above other.
func (r Role) AtLeast(other Role) bool {
	return rank[r] >= rank[other] && rank[r] > 0
}

// IsStaff reports whether the role belongs to the support side (agent or above).
func (r Role) IsStaff() bool {
	return r.AtLeast(RoleAgent)
}

// Identity is the authenticated actor attached to a connection.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// TicketID identifies a ticket and therefore its room.
type TicketID string

func (t TicketID) String() string {
	return string(t)
}

// Valid reports whether the id is usable as a room key.
func (t TicketID) Valid() bool {
	return strings.TrimSpace(string(t)) != "" && len(t) <= 128
}

// TicketAccess is the subset of a ticket the access guard needs.
type TicketAccess struct {
	ID          TicketID
	Number      string
	RequesterID string
	AssigneeID  *string
}

// IsOwnedBy checks if the ticket was opened by the given user.
func (t *TicketAccess) IsOwnedBy(userID string) bool {
	return t.RequesterID == userID
}

// IsAssignedTo checks if the ticket is currently assigned to the given user.
func (t *TicketAccess) IsAssignedTo(userID string) bool {
	return t.AssigneeID != nil && *t.AssigneeID == userID
}
