package envelope

import "time"

// PresenceRecord is the payload of an admin_presence envelope. Clients send
// one record to announce themselves; the gateway pushes either a single
// record (delta) or an array of records (snapshot).
type PresenceRecord struct {
	AdminID        string     `json:"adminId"`
	Name           string     `json:"name,omitempty"`
	Role           string     `json:"role,omitempty"`
	Status         string     `json:"status"`
	CurrentSection string     `json:"currentSection,omitempty"`
	LastSeen       *time.Time `json:"lastSeen,omitempty"`
}

// Notice is the common payload of alert, task and collaboration envelopes.
type Notice struct {
	ID            string         `json:"id,omitempty"`
	Title         string         `json:"title,omitempty"`
	Message       string         `json:"message,omitempty"`
	TargetAdminID string         `json:"targetAdminId,omitempty"`
	Section       string         `json:"section,omitempty"`
	Action        string         `json:"action,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ModerationUpdate is the payload of a moderation_update envelope.
type ModerationUpdate struct {
	ItemID    string `json:"itemId,omitempty"`
	Queue     string `json:"queue,omitempty"`
	Action    string `json:"action,omitempty"`
	Pending   int    `json:"pending,omitempty"`
	Moderator string `json:"moderator,omitempty"`
}
