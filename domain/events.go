package domain

// Server-side event types carried in the envelope.
const (
	CardCreated  = "card-created"
	CardUpdated  = "card-updated"
	CardMoved    = "card-moved"
	CardDeleted  = "card-deleted"
	MemberJoined = "member-joined"
)

// RoomUser is the private room name for a user. It must only ever be
// derived from a verified identity, never from client input.
func RoomUser(userID string) string { return "user:" + userID }

// RoomProject is the shared room name for a project's board events.
func RoomProject(projectID string) string { return "project:" + projectID }

// Envelope is the wire form of a committed state change. Payload is always
// built from the post-commit authoritative record; inbound request data is
// never echoed into it.
type Envelope struct {
	Type        string `json:"type"`
	Payload     any    `json:"payload"`
	ActorUserID string `json:"actorUserId"`
	ProjectID   string `json:"projectId"`
	Timestamp   int64  `json:"timestamp"`
}

// CardPayload wraps the authoritative card record in card-* envelopes.
type CardPayload struct {
	Card Card `json:"card"`
}

// MemberPayload is the member-joined envelope payload.
type MemberPayload struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
}
