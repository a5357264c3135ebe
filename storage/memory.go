package storage

import (
	"context"
	"sort"
	"sync"

	"boardsync/domain"
	"boardsync/engine"
)

// Memory is an in-process authoritative store. Commits take the write lock
// for the whole batch, so readers never observe a card in two columns or a
// half-applied move. It backs local development and tests.
type Memory struct {
	mu       sync.RWMutex
	projects map[string]domain.Project
	boards   map[string]domain.Board
	columns  map[string]domain.Column
	cards    map[string]domain.Card
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]domain.Project),
		boards:   make(map[string]domain.Board),
		columns:  make(map[string]domain.Column),
		cards:    make(map[string]domain.Card),
	}
}

// PutProject inserts or replaces a project.
func (m *Memory) PutProject(p domain.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
}

// PutBoard inserts or replaces a board.
func (m *Memory) PutBoard(b domain.Board) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boards[b.ID] = b
}

// PutColumn inserts or replaces a column.
func (m *Memory) PutColumn(c domain.Column) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.columns[c.ID] = c
}

// PutCard inserts or replaces a card.
func (m *Memory) PutCard(c domain.Card) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[c.ID] = c
}

func (m *Memory) Card(_ context.Context, cardID string) (domain.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cards[cardID]
	if !ok {
		return domain.Card{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *Memory) Column(_ context.Context, columnID string) (domain.Column, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.columns[columnID]
	if !ok {
		return domain.Column{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *Memory) Board(_ context.Context, boardID string) (domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boards[boardID]
	if !ok {
		return domain.Board{}, domain.ErrNotFound
	}
	return b, nil
}

// ColumnCards returns the column's cards sorted by position.
func (m *Memory) ColumnCards(_ context.Context, columnID string) ([]domain.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.columnCardsLocked(columnID), nil
}

func (m *Memory) columnCardsLocked(columnID string) []domain.Card {
	cards := make([]domain.Card, 0, 8)
	for _, c := range m.cards {
		if c.ColumnID == columnID {
			cards = append(cards, c)
		}
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Position < cards[j].Position })
	return cards
}

// Commit applies the batch atomically with respect to all readers.
func (m *Memory) Commit(_ context.Context, writes []engine.Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range writes {
		if w.Delete {
			delete(m.cards, w.Card.ID)
			continue
		}
		m.cards[w.Card.ID] = w.Card
	}
	return nil
}

// FindProject looks a project up by id.
func (m *Memory) FindProject(_ context.Context, projectID string) (domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	return p, nil
}

// IsMember reports whether userID is the owner or a member of the project.
func (m *Memory) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	p, err := m.FindProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	return p.HasMember(userID), nil
}

// AddMember appends userID to the project's member set. Adding an existing
// member is a no-op.
func (m *Memory) AddMember(_ context.Context, projectID, userID string) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	if !p.HasMember(userID) {
		p.Members = append(p.Members, userID)
		m.projects[projectID] = p
	}
	return p, nil
}

// FetchBoard assembles the full snapshot for a project: its columns in
// board order, each with its cards in list order.
func (m *Memory) FetchBoard(_ context.Context, projectID string) (domain.BoardView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var board domain.Board
	found := false
	for _, b := range m.boards {
		if b.ProjectID == projectID {
			board = b
			found = true
			break
		}
	}
	if !found {
		return domain.BoardView{}, domain.ErrNotFound
	}

	cols := make([]domain.Column, 0, 8)
	for _, c := range m.columns {
		if c.BoardID == board.ID {
			cols = append(cols, c)
		}
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Position < cols[j].Position })

	view := domain.BoardView{ProjectID: projectID, BoardID: board.ID, Columns: make([]domain.ColumnView, 0, len(cols))}
	for _, c := range cols {
		view.Columns = append(view.Columns, domain.ColumnView{Column: c, Cards: m.columnCardsLocked(c.ID)})
	}
	return view, nil
}
