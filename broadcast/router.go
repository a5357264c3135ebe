package broadcast

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/engine"
	"boardsync/ws"
)

// Deliverer fans a frame out to the sessions subscribed to the given rooms
// at call time. *ws.Registry satisfies it.
type Deliverer interface {
	Deliver(data []byte, rooms ...string) int
}

// SnapshotEvictor invalidates a project's cached board snapshot. It runs
// before fan-out so a client that refetches in response to an event cannot
// read a stale snapshot.
type SnapshotEvictor interface {
	Evict(ctx context.Context, projectID string)
}

// Router turns committed mutation results into event envelopes and
// delivers them to the entitled rooms. Envelopes are built only from
// engine results and committed membership records, so rejected or
// superseded request data can never reach a client.
type Router struct {
	local  Deliverer
	cache  SnapshotEvictor
	bridge *Bridge
	logger *log.Logger

	now func() time.Time
}

// NewRouter wires a Router. cache and bridge may be nil.
func NewRouter(local Deliverer, cache SnapshotEvictor, bridge *Bridge, logger *log.Logger) *Router {
	return &Router{
		local:  local,
		cache:  cache,
		bridge: bridge,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CardCommitted implements engine.EventSink. Card events are scoped to the
// project room only.
func (r *Router) CardCommitted(res engine.Result, actorUserID string) {
	env := domain.Envelope{
		Type:        res.Type,
		Payload:     domain.CardPayload{Card: res.Card},
		ActorUserID: actorUserID,
		ProjectID:   res.ProjectID,
		Timestamp:   r.now().UnixMilli(),
	}
	r.publish(env, domain.RoomProject(res.ProjectID))
}

// MemberCommitted routes a committed membership change to the project room
// and to the affected user's private room, so an invited user is notified
// before they have joined the project room.
func (r *Router) MemberCommitted(projectID, memberUserID, actorUserID string) {
	env := domain.Envelope{
		Type:        domain.MemberJoined,
		Payload:     domain.MemberPayload{ProjectID: projectID, UserID: memberUserID},
		ActorUserID: actorUserID,
		ProjectID:   projectID,
		Timestamp:   r.now().UnixMilli(),
	}
	r.publish(env, domain.RoomProject(projectID), domain.RoomUser(memberUserID))
}

func (r *Router) publish(env domain.Envelope, rooms ...string) {
	ctx := context.Background()
	if r.cache != nil {
		r.cache.Evict(ctx, env.ProjectID)
	}

	frame, err := ws.Frame(env.Type, env)
	if err != nil {
		r.logger.Errorf("encode %s envelope: %v", env.Type, err)
		return
	}

	delivered := r.local.Deliver(frame, rooms...)
	r.logger.WithFields(log.Fields{
		"type":      env.Type,
		"project":   env.ProjectID,
		"delivered": delivered,
	}).Debug("event published")

	if r.bridge != nil {
		if err := r.bridge.Publish(ctx, frame, rooms); err != nil {
			r.logger.Errorf("bridge publish %s: %v", env.Type, err)
		}
	}
}
