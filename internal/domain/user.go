// Package domain contains entities shared by the media and chat subsystems,
// without transport or lifecycle logic.
package domain

import (
	"fmt"
	"strings"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// ParseRole is a tiny helper to avoid ad-hoc casts in adapters.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// ChannelRole maps admin to doctor: admins act as clinicians in a room.
func (r Role) ChannelRole() Role {
	if r == RoleAdmin {
		return RoleDoctor
	}
	return r
}

// SessionIdentity is who the local participant is in one room.
type SessionIdentity struct {
	Raw  string
	Role Role
	Room RoomID
}

func NewSessionIdentity(raw string, role Role, room RoomID) (SessionIdentity, error) {
	if strings.TrimSpace(raw) == "" {
		return SessionIdentity{}, fmt.Errorf("%w: empty identity", ErrInvalidArgument)
	}
	if room.Base() == "" {
		return SessionIdentity{}, fmt.Errorf("%w: empty room id", ErrInvalidArgument)
	}
	role, err := ParseRole(string(role))
	if err != nil {
		return SessionIdentity{}, err
	}
	return SessionIdentity{Raw: strings.TrimSpace(raw), Role: role, Room: room}, nil
}

// ChannelIdentity is the identity known to both providers and the only
// authorship key. It must match what the token issuer encodes.
func (s SessionIdentity) ChannelIdentity() string {
	if IsChannelIdentity(s.Raw) {
		return s.Raw
	}
	return ChannelIdentityFor(s.Role, s.Room)
}

// ChannelIdentityFor builds "{mappedRole}_{baseRoomId}".
func ChannelIdentityFor(role Role, room RoomID) string {
	return string(role.ChannelRole()) + "_" + room.Base()
}

// IsChannelIdentity reports whether s already has the "<role>_<id>" shape.
// Only patient and doctor prefixes qualify; admin is never a channel role.
func IsChannelIdentity(s string) bool {
	role, id, ok := strings.Cut(s, "_")
	if !ok || id == "" || strings.ContainsAny(id, " \t\n") {
		return false
	}
	return Role(role) == RolePatient || Role(role) == RoleDoctor
}

// DisplayNames maps channel identity to a human-readable name.
// Never authoritative for authorship.
type DisplayNames map[string]string

func (d DisplayNames) Name(identity string) string {
	if n, ok := d[identity]; ok && n != "" {
		return n
	}
	return identity
}
