package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"streampay/internal/domain"
)

// Trello handles board webhook deliveries. A card moved to a list whose
// name contains "done" counts as a completed task.
type Trello struct{}

func (Trello) Platform() string { return "trello" }

type trelloPayload struct {
	Action struct {
		Type string `json:"type"`
		Data struct {
			Board struct {
				ID string `json:"id"`
			} `json:"board"`
			Card struct {
				ID       string `json:"id"`
				Name     string `json:"name"`
				ShortURL string `json:"shortUrl"`
				Labels   []struct {
					Name string `json:"name"`
				} `json:"labels"`
			} `json:"card"`
			ListAfter struct {
				Name string `json:"name"`
			} `json:"listAfter"`
		} `json:"data"`
	} `json:"action"`
}

func (t Trello) Normalize(_ string, payload []byte) (domain.CanonicalEvent, error) {
	var p trelloPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.CanonicalEvent{}, fmt.Errorf("trello payload: %w", err)
	}
	if p.Action.Data.Board.ID == "" {
		return domain.CanonicalEvent{}, fmt.Errorf("trello payload: board missing")
	}
	ev := domain.CanonicalEvent{
		Platform:   t.Platform(),
		ExternalID: p.Action.Data.Board.ID,
		TaskID:     p.Action.Data.Card.ID,
		TaskTitle:  p.Action.Data.Card.Name,
		TaskURL:    p.Action.Data.Card.ShortURL,
		Raw:        json.RawMessage(payload),
	}
	for _, l := range p.Action.Data.Card.Labels {
		ev.Labels = append(ev.Labels, l.Name)
	}
	ev.IsDone = p.Action.Type == "updateCard" &&
		strings.Contains(strings.ToLower(p.Action.Data.ListAfter.Name), "done")
	return ev, nil
}
