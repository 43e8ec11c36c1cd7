package appointment

import (
	"fmt"
	"strings"
)

// ParseRole accepts the canonical role names and the long forms used by
// older clients ("internal user", "external user").
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "internal", "internal user", "internal_user":
		return RoleInternal, nil
	case "external", "external user", "external_user":
		return RoleExternal, nil
	case "admin":
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) Valid() bool {
	return r == RoleInternal || r == RoleExternal || r == RoleAdmin
}

// Decide returns the status a booking made by role starts in. Internal
// members are trusted; everyone else waits for an admin.
func Decide(role Role) AppointmentStatus {
	if role == RoleInternal {
		return StatusApproved
	}
	return StatusPending
}

// DecideReschedule returns the status after actor moves an appointment
// owned by someone with ownerRole. An admin acting always approves.
func DecideReschedule(actor, ownerRole Role) AppointmentStatus {
	if actor == RoleAdmin {
		return StatusApproved
	}
	return Decide(ownerRole)
}
