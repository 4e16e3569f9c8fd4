package domain

import "strings"

// LegacyRoomPrefix is carried by room ids issued by older backends.
const LegacyRoomPrefix = "consultation_"

type RoomID string

// Base strips the legacy prefix; channel lookups always use the base id.
func (r RoomID) Base() string {
	return strings.TrimPrefix(strings.TrimSpace(string(r)), LegacyRoomPrefix)
}

// ChannelCandidates lists the names a chat channel for this room may carry,
// in lookup order and without duplicates.
func (r RoomID) ChannelCandidates() []string {
	base := r.Base()
	raw := strings.TrimSpace(string(r))
	all := []string{
		raw,
		LegacyRoomPrefix + base,
		base,
		"Room " + base,
		"Chat Room " + base,
	}
	out := make([]string, 0, len(all))
	seen := make(map[string]struct{}, len(all))
	for _, c := range all {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// MatchesFriendlyName reports whether a subscribed channel's friendly name
// belongs to this room.
func (r RoomID) MatchesFriendlyName(name string) bool {
	if name == "" {
		return false
	}
	base := r.Base()
	raw := strings.TrimSpace(string(r))
	if base != "" && strings.Contains(name, base) {
		return true
	}
	if raw != "" && strings.Contains(name, raw) {
		return true
	}
	for _, c := range r.ChannelCandidates() {
		if name == c {
			return true
		}
	}
	return false
}
