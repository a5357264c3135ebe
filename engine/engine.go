package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"boardsync/domain"
)

// Repository is the transactional authoritative store consumed by the
// engine. Reads return domain.ErrNotFound for missing entities; Commit
// applies all writes as a single atomic unit or none of them.
type Repository interface {
	Card(ctx context.Context, cardID string) (domain.Card, error)
	Column(ctx context.Context, columnID string) (domain.Column, error)
	ColumnCards(ctx context.Context, columnID string) ([]domain.Card, error)
	Board(ctx context.Context, boardID string) (domain.Board, error)
	Commit(ctx context.Context, writes []Write) error
}

// Write is one card upsert or delete inside a commit batch.
type Write struct {
	Card   domain.Card
	Delete bool
}

// Result is the post-commit outcome of a mutation. It is the only legal
// input to the broadcast envelope constructor, so a rejected request can
// never be broadcast.
type Result struct {
	Type      string
	ProjectID string
	Card      domain.Card
}

// EventSink receives committed results. The engine invokes it while still
// holding the affected column locks, so within one column the broadcast
// order matches the commit order.
type EventSink interface {
	CardCommitted(res Result, actorUserID string)
}

// Engine maintains dense per-column card positions and enforces WIP limits
// atomically. Mutations on the same column are serialized; different
// columns proceed concurrently.
type Engine struct {
	repo  Repository
	sink  EventSink
	locks columnLocks

	now   func() time.Time
	newID func() string
}

// New creates an Engine over the given repository. sink may be nil.
func New(repo Repository, sink EventSink) *Engine {
	return &Engine{
		repo:  repo,
		sink:  sink,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// CreateCard appends a card at the tail of the column. It fails with
// domain.ErrCapacityExceeded when the column is at its WIP limit, leaving
// the column untouched.
func (e *Engine) CreateCard(ctx context.Context, actorID, projectID, columnID string, fields domain.CardFields) (Result, error) {
	release := e.locks.acquire(columnID)
	defer release()

	col, cards, err := e.loadColumn(ctx, projectID, columnID)
	if err != nil {
		return Result{}, err
	}
	if col.WIPLimit > 0 && len(cards) >= col.WIPLimit {
		return Result{}, domain.ErrCapacityExceeded
	}

	now := e.now()
	card := domain.Card{
		ID:          e.newID(),
		ColumnID:    columnID,
		Position:    len(cards),
		Title:       fields.Title,
		Description: fields.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.repo.Commit(ctx, []Write{{Card: card}}); err != nil {
		return Result{}, err
	}

	res := Result{Type: domain.CardCreated, ProjectID: projectID, Card: card}
	e.emit(res, actorID)
	return res, nil
}

// MoveCard removes the card from its current column, re-densifies both
// sides and inserts it at destIndex in the destination. destIndex is
// clamped into the valid range so stale client indices still land at a
// sensible spot. On a capacity failure nothing changes.
func (e *Engine) MoveCard(ctx context.Context, actorID, projectID, cardID, destColumnID string, destIndex int) (Result, error) {
	card, release, err := e.lockCardColumns(ctx, cardID, destColumnID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	srcCol, srcCards, err := e.loadColumn(ctx, projectID, card.ColumnID)
	if err != nil {
		return Result{}, err
	}
	destCol := srcCol
	destCards := srcCards
	if destColumnID != srcCol.ID {
		destCol, destCards, err = e.loadColumn(ctx, projectID, destColumnID)
		if err != nil {
			return Result{}, err
		}
		if destCol.BoardID != srcCol.BoardID {
			return Result{}, domain.ErrInvalidRequest
		}
	}

	// Capacity is judged on the destination count excluding the moving
	// card, so a move within the same column never trips the limit.
	remaining := withoutCard(destCards, cardID)
	if destCol.WIPLimit > 0 && len(remaining)+1 > destCol.WIPLimit {
		return Result{}, domain.ErrCapacityExceeded
	}

	if destIndex < 0 {
		destIndex = 0
	}
	if destIndex > len(remaining) {
		destIndex = len(remaining)
	}

	moved := card
	moved.ColumnID = destCol.ID
	moved.Position = destIndex
	moved.UpdatedAt = e.now()

	var writes []Write
	if destCol.ID != srcCol.ID {
		writes = appendReindexed(writes, withoutCard(srcCards, cardID))
	}
	writes = appendReindexed(writes, remaining[:destIndex])
	writes = append(writes, Write{Card: moved})
	writes = appendShifted(writes, remaining[destIndex:], destIndex+1)

	if err := e.repo.Commit(ctx, writes); err != nil {
		return Result{}, err
	}

	res := Result{Type: domain.CardMoved, ProjectID: projectID, Card: moved}
	e.emit(res, actorID)
	return res, nil
}

// UpdateCard rewrites the descriptive fields of a card. Ordering and
// capacity are unaffected.
func (e *Engine) UpdateCard(ctx context.Context, actorID, projectID, cardID string, fields domain.CardFields) (Result, error) {
	card, release, err := e.lockCardColumns(ctx, cardID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if _, _, err := e.loadColumn(ctx, projectID, card.ColumnID); err != nil {
		return Result{}, err
	}

	card.Title = fields.Title
	card.Description = fields.Description
	card.UpdatedAt = e.now()
	if err := e.repo.Commit(ctx, []Write{{Card: card}}); err != nil {
		return Result{}, err
	}

	res := Result{Type: domain.CardUpdated, ProjectID: projectID, Card: card}
	e.emit(res, actorID)
	return res, nil
}

// DeleteCard removes the card and re-densifies the remaining positions in
// its column. The result carries the record as it was before deletion.
func (e *Engine) DeleteCard(ctx context.Context, actorID, projectID, cardID string) (Result, error) {
	card, release, err := e.lockCardColumns(ctx, cardID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	_, cards, err := e.loadColumn(ctx, projectID, card.ColumnID)
	if err != nil {
		return Result{}, err
	}

	writes := []Write{{Card: card, Delete: true}}
	writes = appendReindexed(writes, withoutCard(cards, cardID))
	if err := e.repo.Commit(ctx, writes); err != nil {
		return Result{}, err
	}

	res := Result{Type: domain.CardDeleted, ProjectID: projectID, Card: card}
	e.emit(res, actorID)
	return res, nil
}

func (e *Engine) emit(res Result, actorID string) {
	if e.sink != nil {
		e.sink.CardCommitted(res, actorID)
	}
}

// loadColumn fetches a column and its ordered cards, verifying the column
// belongs to the board of the given project. A column reached through the
// wrong project id is reported as missing rather than forbidden so the
// response does not leak board topology.
func (e *Engine) loadColumn(ctx context.Context, projectID, columnID string) (domain.Column, []domain.Card, error) {
	col, err := e.repo.Column(ctx, columnID)
	if err != nil {
		return domain.Column{}, nil, err
	}
	board, err := e.repo.Board(ctx, col.BoardID)
	if err != nil {
		return domain.Column{}, nil, err
	}
	if board.ProjectID != projectID {
		return domain.Column{}, nil, domain.ErrNotFound
	}
	cards, err := e.repo.ColumnCards(ctx, columnID)
	if err != nil {
		return domain.Column{}, nil, err
	}
	return col, cards, nil
}

// lockCardColumns locks the card's current column (plus any extra column
// ids) and returns the card re-read under the lock. If the card migrated
// between the initial read and the lock acquisition, the lock set is
// recomputed and the read retried.
func (e *Engine) lockCardColumns(ctx context.Context, cardID string, extra ...string) (domain.Card, func(), error) {
	card, err := e.repo.Card(ctx, cardID)
	if err != nil {
		return domain.Card{}, nil, err
	}
	for {
		release := e.locks.acquire(append([]string{card.ColumnID}, extra...)...)
		fresh, err := e.repo.Card(ctx, cardID)
		if err != nil {
			release()
			return domain.Card{}, nil, err
		}
		if fresh.ColumnID == card.ColumnID {
			return fresh, release, nil
		}
		release()
		card = fresh
	}
}

func withoutCard(cards []domain.Card, cardID string) []domain.Card {
	out := make([]domain.Card, 0, len(cards))
	for _, c := range cards {
		if c.ID != cardID {
			out = append(out, c)
		}
	}
	return out
}

// appendReindexed emits writes for cards whose dense position changed,
// assigning positions 0..n-1 in list order.
func appendReindexed(writes []Write, cards []domain.Card) []Write {
	for i, c := range cards {
		if c.Position != i {
			c.Position = i
			writes = append(writes, Write{Card: c})
		}
	}
	return writes
}

// appendShifted writes cards re-positioned starting at base.
func appendShifted(writes []Write, cards []domain.Card, base int) []Write {
	for i, c := range cards {
		if c.Position != base+i {
			c.Position = base + i
			writes = append(writes, Write{Card: c})
		}
	}
	return writes
}
