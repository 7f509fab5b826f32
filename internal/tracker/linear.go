package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fernwerk/ticketsmith/internal/domain"
)

// DefaultEndpoint is Linear's public GraphQL endpoint
const DefaultEndpoint = "https://api.linear.app/graphql"

// Client is a Linear-backed Tracker
type Client struct {
	endpoint string
	apiKey   string
	team     string
	http     *http.Client

	mu       sync.Mutex
	teamID   string
	stateIDs map[domain.TicketState]string
	labelIDs map[string]string
}

// NewClient creates a Linear tracker client for one team
func NewClient(endpoint, apiKey, team string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		team:     team,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		stateIDs: make(map[domain.TicketState]string),
		labelIDs: make(map[string]string),
	}
}

// stateNames maps workflow states to Linear's conventional state names
var stateNames = map[domain.TicketState]string{
	domain.StateBacklog:    "Backlog",
	domain.StateReady:      "Todo",
	domain.StateInProgress: "In Progress",
	domain.StateInReview:   "In Review",
	domain.StateDone:       "Done",
	domain.StateCanceled:   "Canceled",
}

type gqlError struct {
	Message string `json:"message"`
}

// gql posts one GraphQL request and decodes the data payload into out
func (c *Client) gql(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracker returned %d", resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding tracker response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("tracker error: %s", envelope.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decoding tracker data: %w", err)
		}
	}
	return nil
}

// issueNode is the issue shape shared by queries
type issueNode struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	State       struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"state"`
	Labels struct {
		Nodes []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
	Project struct {
		Name string `json:"name"`
	} `json:"project"`
}

const issueFields = `id identifier title description url
state { name type }
labels { nodes { id name } }
project { name }`

func (n *issueNode) toTicket() (*domain.Ticket, error) {
	id, err := domain.ParseTicketID(n.Identifier)
	if err != nil {
		return nil, fmt.Errorf("tracker returned unparseable identifier %q: %w", n.Identifier, err)
	}
	labels := make([]string, len(n.Labels.Nodes))
	for i, l := range n.Labels.Nodes {
		labels[i] = l.Name
	}
	return &domain.Ticket{
		ID:          id,
		InternalID:  n.ID,
		Title:       n.Title,
		Description: n.Description,
		State:       stateFrom(n.State.Name, n.State.Type),
		Labels:      labels,
		Project:     n.Project.Name,
		URL:         n.URL,
	}, nil
}

// stateFrom maps Linear's state type (and name, for the started substates)
// onto workflow states
func stateFrom(name, typ string) domain.TicketState {
	switch typ {
	case "backlog":
		return domain.StateBacklog
	case "unstarted":
		return domain.StateReady
	case "started":
		if name == "In Review" {
			return domain.StateInReview
		}
		return domain.StateInProgress
	case "completed":
		return domain.StateDone
	case "canceled":
		return domain.StateCanceled
	}
	return domain.StateBacklog
}

// Ticket fetches a single ticket by identifier
func (c *Client) Ticket(ctx context.Context, id domain.TicketID) (*domain.Ticket, error) {
	query := fmt.Sprintf(`query($id: String!) { issue(id: $id) { %s } }`, issueFields)
	var out struct {
		Issue *issueNode `json:"issue"`
	}
	if err := c.gql(ctx, query, map[string]any{"id": id.String()}, &out); err != nil {
		return nil, err
	}
	if out.Issue == nil {
		return nil, fmt.Errorf("ticket %s not found", id)
	}
	return out.Issue.toTicket()
}

// Search returns tickets matching the query
func (c *Client) Search(ctx context.Context, q Query) ([]*domain.Ticket, error) {
	filter := map[string]any{
		"team": map[string]any{"key": map[string]any{"eq": c.team}},
	}
	if q.State != "" {
		filter["state"] = map[string]any{"name": map[string]any{"eq": stateNames[q.State]}}
	}
	if q.Label != "" {
		filter["labels"] = map[string]any{"name": map[string]any{"eq": q.Label}}
	}
	if q.Project != "" {
		filter["project"] = map[string]any{"name": map[string]any{"eq": q.Project}}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`query($filter: IssueFilter, $first: Int) {
issues(filter: $filter, first: $first) { nodes { %s } } }`, issueFields)
	var out struct {
		Issues struct {
			Nodes []issueNode `json:"nodes"`
		} `json:"issues"`
	}
	if err := c.gql(ctx, query, map[string]any{"filter": filter, "first": limit}, &out); err != nil {
		return nil, err
	}

	tickets := make([]*domain.Ticket, 0, len(out.Issues.Nodes))
	for i := range out.Issues.Nodes {
		t, err := out.Issues.Nodes[i].toTicket()
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// BlockedBy returns the tickets that block the given one
func (c *Client) BlockedBy(ctx context.Context, id domain.TicketID) ([]domain.Relation, error) {
	query := `query($id: String!) { issue(id: $id) { inverseRelations { nodes {
type
issue { identifier title state { name type } }
} } } }`
	var out struct {
		Issue struct {
			InverseRelations struct {
				Nodes []struct {
					Type  string `json:"type"`
					Issue struct {
						Identifier string `json:"identifier"`
						Title      string `json:"title"`
						State      struct {
							Name string `json:"name"`
							Type string `json:"type"`
						} `json:"state"`
					} `json:"issue"`
				} `json:"nodes"`
			} `json:"inverseRelations"`
		} `json:"issue"`
	}
	if err := c.gql(ctx, query, map[string]any{"id": id.String()}, &out); err != nil {
		return nil, err
	}

	var relations []domain.Relation
	for _, node := range out.Issue.InverseRelations.Nodes {
		if node.Type != "blocks" {
			continue
		}
		rid, err := domain.ParseTicketID(node.Issue.Identifier)
		if err != nil {
			continue
		}
		relations = append(relations, domain.Relation{
			ID:    rid,
			Title: node.Issue.Title,
			State: stateFrom(node.Issue.State.Name, node.Issue.State.Type),
		})
	}
	return relations, nil
}

// Transition moves a ticket to a workflow state
func (c *Client) Transition(ctx context.Context, id domain.TicketID, state domain.TicketState) error {
	stateID, err := c.stateID(ctx, state)
	if err != nil {
		return err
	}
	uid, err := c.internalID(ctx, id)
	if err != nil {
		return err
	}
	return c.gql(ctx, `mutation($id: String!, $input: IssueUpdateInput!) {
issueUpdate(id: $id, input: $input) { success } }`,
		map[string]any{"id": uid, "input": map[string]any{"stateId": stateID}}, nil)
}

// Comment posts a comment on a ticket
func (c *Client) Comment(ctx context.Context, id domain.TicketID, body string) error {
	uid, err := c.internalID(ctx, id)
	if err != nil {
		return err
	}
	return c.gql(ctx, `mutation($input: CommentCreateInput!) {
commentCreate(input: $input) { success } }`,
		map[string]any{"input": map[string]any{"issueId": uid, "body": body}}, nil)
}

// SetLabels adds and removes labels on a ticket, creating missing team
// labels as needed
func (c *Client) SetLabels(ctx context.Context, id domain.TicketID, add, remove []string) error {
	t, err := c.Ticket(ctx, id)
	if err != nil {
		return err
	}

	removeSet := make(map[string]bool, len(remove))
	for _, name := range remove {
		removeSet[name] = true
	}

	want := make(map[string]bool)
	for _, name := range t.Labels {
		if !removeSet[name] {
			want[name] = true
		}
	}
	for _, name := range add {
		want[name] = true
	}

	var labelIDs []string
	for name := range want {
		lid, err := c.labelID(ctx, name)
		if err != nil {
			return err
		}
		labelIDs = append(labelIDs, lid)
	}

	return c.gql(ctx, `mutation($id: String!, $input: IssueUpdateInput!) {
issueUpdate(id: $id, input: $input) { success } }`,
		map[string]any{"id": t.InternalID, "input": map[string]any{"labelIds": labelIDs}}, nil)
}

// CreateChild creates a sub-ticket under the given parent
func (c *Client) CreateChild(ctx context.Context, parent domain.TicketID, title, body string, labels []string) (domain.TicketID, error) {
	teamID, err := c.resolveTeam(ctx)
	if err != nil {
		return domain.TicketID{}, err
	}
	parentID, err := c.internalID(ctx, parent)
	if err != nil {
		return domain.TicketID{}, err
	}

	var labelIDs []string
	for _, name := range labels {
		lid, err := c.labelID(ctx, name)
		if err != nil {
			return domain.TicketID{}, err
		}
		labelIDs = append(labelIDs, lid)
	}

	var out struct {
		IssueCreate struct {
			Issue struct {
				Identifier string `json:"identifier"`
			} `json:"issue"`
		} `json:"issueCreate"`
	}
	err = c.gql(ctx, `mutation($input: IssueCreateInput!) {
issueCreate(input: $input) { issue { identifier } } }`,
		map[string]any{"input": map[string]any{
			"teamId":      teamID,
			"parentId":    parentID,
			"title":       title,
			"description": body,
			"labelIds":    labelIDs,
		}}, &out)
	if err != nil {
		return domain.TicketID{}, err
	}
	return domain.ParseTicketID(out.IssueCreate.Issue.Identifier)
}

// AppendDescription appends text to a ticket's description
func (c *Client) AppendDescription(ctx context.Context, id domain.TicketID, text string) error {
	t, err := c.Ticket(ctx, id)
	if err != nil {
		return err
	}
	desc := t.Description
	if desc != "" {
		desc += "\n\n"
	}
	desc += text
	return c.gql(ctx, `mutation($id: String!, $input: IssueUpdateInput!) {
issueUpdate(id: $id, input: $input) { success } }`,
		map[string]any{"id": t.InternalID, "input": map[string]any{"description": desc}}, nil)
}

// internalID resolves a ticket identifier to the tracker-side UUID
func (c *Client) internalID(ctx context.Context, id domain.TicketID) (string, error) {
	var out struct {
		Issue *struct {
			ID string `json:"id"`
		} `json:"issue"`
	}
	if err := c.gql(ctx, `query($id: String!) { issue(id: $id) { id } }`,
		map[string]any{"id": id.String()}, &out); err != nil {
		return "", err
	}
	if out.Issue == nil {
		return "", fmt.Errorf("ticket %s not found", id)
	}
	return out.Issue.ID, nil
}

// resolveTeam loads and caches the team id and workflow state ids
func (c *Client) resolveTeam(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.teamID != "" {
		id := c.teamID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var out struct {
		Teams struct {
			Nodes []struct {
				ID     string `json:"id"`
				States struct {
					Nodes []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
						Type string `json:"type"`
					} `json:"nodes"`
				} `json:"states"`
			} `json:"nodes"`
		} `json:"teams"`
	}
	query := `query($key: String!) { teams(filter: { key: { eq: $key } }) { nodes {
id
states { nodes { id name type } }
} } }`
	if err := c.gql(ctx, query, map[string]any{"key": c.team}, &out); err != nil {
		return "", err
	}
	if len(out.Teams.Nodes) == 0 {
		return "", fmt.Errorf("team %q not found", c.team)
	}
	team := out.Teams.Nodes[0]

	c.mu.Lock()
	c.teamID = team.ID
	for _, s := range team.States.Nodes {
		state := stateFrom(s.Name, s.Type)
		if _, ok := c.stateIDs[state]; !ok {
			c.stateIDs[state] = s.ID
		}
	}
	c.mu.Unlock()
	return team.ID, nil
}

func (c *Client) stateID(ctx context.Context, state domain.TicketState) (string, error) {
	if _, err := c.resolveTeam(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.stateIDs[state]
	if !ok {
		return "", fmt.Errorf("team has no workflow state for %q", state)
	}
	return id, nil
}

// labelID resolves a label name to its id, creating the label when missing
func (c *Client) labelID(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if id, ok := c.labelIDs[name]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var out struct {
		IssueLabels struct {
			Nodes []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"issueLabels"`
	}
	err := c.gql(ctx, `query($name: String!) {
issueLabels(filter: { name: { eq: $name } }) { nodes { id name } } }`,
		map[string]any{"name": name}, &out)
	if err != nil {
		return "", err
	}
	if len(out.IssueLabels.Nodes) > 0 {
		id := out.IssueLabels.Nodes[0].ID
		c.cacheLabel(name, id)
		return id, nil
	}

	teamID, err := c.resolveTeam(ctx)
	if err != nil {
		return "", err
	}
	var created struct {
		IssueLabelCreate struct {
			IssueLabel struct {
				ID string `json:"id"`
			} `json:"issueLabel"`
		} `json:"issueLabelCreate"`
	}
	err = c.gql(ctx, `mutation($input: IssueLabelCreateInput!) {
issueLabelCreate(input: $input) { issueLabel { id } } }`,
		map[string]any{"input": map[string]any{"name": name, "teamId": teamID}}, &created)
	if err != nil {
		return "", fmt.Errorf("creating label %q: %w", name, err)
	}
	id := created.IssueLabelCreate.IssueLabel.ID
	c.cacheLabel(name, id)
	return id, nil
}

func (c *Client) cacheLabel(name, id string) {
	c.mu.Lock()
	c.labelIDs[name] = id
	c.mu.Unlock()
}
