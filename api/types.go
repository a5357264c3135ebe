package api

import (
	"context"

	"boardsync/domain"
	"boardsync/ws"
)

// BoardFetcher serves full board snapshots; clients reload through it on
// connect and reconnect.
type BoardFetcher interface {
	FetchBoard(ctx context.Context, projectID string) (domain.BoardView, error)
}

// ProjectRepository abstracts project and membership persistence.
type ProjectRepository interface {
	FindProject(ctx context.Context, projectID string) (domain.Project, error)
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
	AddMember(ctx context.Context, projectID, userID string) (domain.Project, error)
}

// Authenticator verifies bearer tokens into identities.
type Authenticator interface {
	Verify(token string) (ws.Identity, error)
}

// MemberEvents receives committed membership changes for routing.
type MemberEvents interface {
	MemberCommitted(projectID, memberUserID, actorUserID string)
}
