package domain

import "time"

// Project grants a set of users access to one board. The owner is
// implicitly a member with elevated rights.
type Project struct {
	ID       string   `json:"id"`
	OwnerID  string   `json:"ownerId"`
	IsPublic bool     `json:"isPublic"`
	Members  []string `json:"members"`
}

// HasMember reports whether userID is the owner or a listed member.
func (p Project) HasMember(userID string) bool {
	if p.OwnerID == userID {
		return true
	}
	for _, m := range p.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Board is the single card surface of a project.
type Board struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
}

// Column is an ordered, optionally capacity-limited card list.
// WIPLimit zero means unlimited.
type Column struct {
	ID       string `json:"id"`
	BoardID  string `json:"boardId"`
	Title    string `json:"title"`
	Position int    `json:"position"`
	WIPLimit int    `json:"wipLimit"`
}

// Card belongs to exactly one column; Position is 0-based and dense
// within that column.
type Card struct {
	ID          string    `json:"id"`
	ColumnID    string    `json:"columnId"`
	Position    int       `json:"position"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CardFields carries the client-editable descriptive fields of a card.
type CardFields struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ColumnView is a column with its cards in list order.
type ColumnView struct {
	Column
	Cards []Card `json:"cards"`
}

// BoardView is the full snapshot a client loads on connect or reconnect.
type BoardView struct {
	ProjectID string       `json:"projectId"`
	BoardID   string       `json:"boardId"`
	Columns   []ColumnView `json:"columns"`
}
