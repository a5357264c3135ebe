package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"boardsync/domain"
	"boardsync/engine"
)

// Tables is the Azure Table storage backed repository. Cards are
// partitioned by board id so every mutation batch, including a move across
// two columns of the same board, commits as a single entity-group
// transaction.
type Tables struct {
	projects *aztables.Client
	boards   *aztables.Client
	columns  *aztables.Client
	cards    *aztables.Client
}

// NewTables creates a Tables repository from the given connection string.
func NewTables(connStr, projectsTable, boardsTable, columnsTable, cardsTable string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{
		projects: svc.NewClient(projectsTable),
		boards:   svc.NewClient(boardsTable),
		columns:  svc.NewClient(columnsTable),
		cards:    svc.NewClient(cardsTable),
	}, nil
}

type projectEntity struct {
	aztables.Entity
	OwnerID  string `json:"OwnerId"`
	IsPublic bool   `json:"IsPublic"`
	Members  string `json:"Members"` // JSON array of user ids
}

type boardEntity struct {
	aztables.Entity
}

type columnEntity struct {
	aztables.Entity
	Title    string `json:"Title"`
	Position int    `json:"Position"`
	WIPLimit int    `json:"WipLimit"`
}

type cardEntity struct {
	aztables.Entity
	ColumnID    string `json:"ColumnId"`
	Position    int    `json:"Position"`
	Title       string `json:"Title"`
	Description string `json:"Description"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

func (e cardEntity) toCard() domain.Card {
	created, _ := time.Parse(time.RFC3339Nano, e.CreatedAt)
	updated, _ := time.Parse(time.RFC3339Nano, e.UpdatedAt)
	return domain.Card{
		ID:          e.RowKey,
		ColumnID:    e.ColumnID,
		Position:    e.Position,
		Title:       e.Title,
		Description: e.Description,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}
}

func cardToEntity(boardID string, c domain.Card) cardEntity {
	return cardEntity{
		Entity:      aztables.Entity{PartitionKey: boardID, RowKey: c.ID},
		ColumnID:    c.ColumnID,
		Position:    c.Position,
		Title:       c.Title,
		Description: c.Description,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Card finds a card by row key across board partitions.
func (t *Tables) Card(ctx context.Context, cardID string) (domain.Card, error) {
	filter := "RowKey eq '" + cardID + "'"
	pager := t.cards.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Card{}, err
		}
		for _, raw := range resp.Entities {
			var ent cardEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return domain.Card{}, err
			}
			return ent.toCard(), nil
		}
	}
	return domain.Card{}, domain.ErrNotFound
}

// Column finds a column by row key.
func (t *Tables) Column(ctx context.Context, columnID string) (domain.Column, error) {
	filter := "RowKey eq '" + columnID + "'"
	pager := t.columns.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Column{}, err
		}
		for _, raw := range resp.Entities {
			var ent columnEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return domain.Column{}, err
			}
			return domain.Column{
				ID:       ent.RowKey,
				BoardID:  ent.PartitionKey,
				Title:    ent.Title,
				Position: ent.Position,
				WIPLimit: ent.WIPLimit,
			}, nil
		}
	}
	return domain.Column{}, domain.ErrNotFound
}

// Board finds a board by row key.
func (t *Tables) Board(ctx context.Context, boardID string) (domain.Board, error) {
	filter := "RowKey eq '" + boardID + "'"
	pager := t.boards.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Board{}, err
		}
		for _, raw := range resp.Entities {
			var ent boardEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return domain.Board{}, err
			}
			return domain.Board{ID: ent.RowKey, ProjectID: ent.PartitionKey}, nil
		}
	}
	return domain.Board{}, domain.ErrNotFound
}

// ColumnCards lists the column's cards sorted by position.
func (t *Tables) ColumnCards(ctx context.Context, columnID string) ([]domain.Card, error) {
	filter := "ColumnId eq '" + columnID + "'"
	pager := t.cards.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	cards := []domain.Card{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent cardEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			cards = append(cards, ent.toCard())
		}
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Position < cards[j].Position })
	return cards, nil
}

// Commit submits the batch as one entity-group transaction on the board
// partition. The engine guarantees all writes in a batch share a board.
func (t *Tables) Commit(ctx context.Context, writes []engine.Write) error {
	if len(writes) == 0 {
		return nil
	}
	col, err := t.Column(ctx, writes[0].Card.ColumnID)
	if err != nil {
		return err
	}
	boardID := col.BoardID

	actions := make([]aztables.TransactionAction, 0, len(writes))
	for _, w := range writes {
		ent, err := json.Marshal(cardToEntity(boardID, w.Card))
		if err != nil {
			return err
		}
		action := aztables.TransactionAction{ActionType: aztables.TransactionTypeInsertReplace, Entity: ent}
		if w.Delete {
			action.ActionType = aztables.TransactionTypeDelete
		}
		actions = append(actions, action)
	}
	_, err = t.cards.SubmitTransaction(ctx, actions, nil)
	return err
}

// FindProject looks a project up by id.
func (t *Tables) FindProject(ctx context.Context, projectID string) (domain.Project, error) {
	resp, err := t.projects.GetEntity(ctx, projectID, projectID, nil)
	if err != nil {
		return domain.Project{}, domain.ErrNotFound
	}
	var ent projectEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{ID: ent.RowKey, OwnerID: ent.OwnerID, IsPublic: ent.IsPublic}
	if ent.Members != "" {
		if err := json.Unmarshal([]byte(ent.Members), &p.Members); err != nil {
			return domain.Project{}, err
		}
	}
	return p, nil
}

// IsMember reports whether userID is the owner or a member of the project.
func (t *Tables) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	p, err := t.FindProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	return p.HasMember(userID), nil
}

// AddMember appends userID to the project's member set.
func (t *Tables) AddMember(ctx context.Context, projectID, userID string) (domain.Project, error) {
	p, err := t.FindProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.HasMember(userID) {
		return p, nil
	}
	p.Members = append(p.Members, userID)
	members, err := json.Marshal(p.Members)
	if err != nil {
		return domain.Project{}, err
	}
	ent, err := json.Marshal(projectEntity{
		Entity:   aztables.Entity{PartitionKey: p.ID, RowKey: p.ID},
		OwnerID:  p.OwnerID,
		IsPublic: p.IsPublic,
		Members:  string(members),
	})
	if err != nil {
		return domain.Project{}, err
	}
	if _, err := t.projects.UpsertEntity(ctx, ent, nil); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// FetchBoard assembles the full snapshot for a project.
func (t *Tables) FetchBoard(ctx context.Context, projectID string) (domain.BoardView, error) {
	filter := "PartitionKey eq '" + projectID + "'"
	pager := t.boards.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	boardID := ""
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.BoardView{}, err
		}
		for _, raw := range resp.Entities {
			var ent boardEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return domain.BoardView{}, err
			}
			boardID = ent.RowKey
		}
	}
	if boardID == "" {
		return domain.BoardView{}, domain.ErrNotFound
	}

	colFilter := "PartitionKey eq '" + boardID + "'"
	colPager := t.columns.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &colFilter})
	cols := []domain.Column{}
	for colPager.More() {
		resp, err := colPager.NextPage(ctx)
		if err != nil {
			return domain.BoardView{}, err
		}
		for _, raw := range resp.Entities {
			var ent columnEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return domain.BoardView{}, err
			}
			cols = append(cols, domain.Column{
				ID:       ent.RowKey,
				BoardID:  ent.PartitionKey,
				Title:    ent.Title,
				Position: ent.Position,
				WIPLimit: ent.WIPLimit,
			})
		}
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Position < cols[j].Position })

	view := domain.BoardView{ProjectID: projectID, BoardID: boardID, Columns: make([]domain.ColumnView, 0, len(cols))}
	for _, c := range cols {
		cards, err := t.ColumnCards(ctx, c.ID)
		if err != nil {
			return domain.BoardView{}, err
		}
		view.Columns = append(view.Columns, domain.ColumnView{Column: c, Cards: cards})
	}
	return view, nil
}
