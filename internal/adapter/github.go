package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"

	"streampay/internal/domain"
)

// GitHub handles issues and pull_request webhook deliveries. A task
// counts as done when an issue is closed or a pull request is merged.
type GitHub struct{}

func (GitHub) Platform() string { return "github" }

type githubPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Issue *struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
		State   string `json:"state"`
		Labels  []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	PullRequest *struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
		Labels  []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"pull_request"`
}

func (g GitHub) Normalize(eventType string, payload []byte) (domain.CanonicalEvent, error) {
	var p githubPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.CanonicalEvent{}, fmt.Errorf("github payload: %w", err)
	}
	if p.Repository.FullName == "" {
		return domain.CanonicalEvent{}, fmt.Errorf("github payload: repository missing")
	}
	ev := domain.CanonicalEvent{
		Platform:   g.Platform(),
		ExternalID: p.Repository.FullName,
		Raw:        json.RawMessage(payload),
	}
	switch eventType {
	case "issues":
		if p.Issue == nil {
			return domain.CanonicalEvent{}, fmt.Errorf("github payload: issue missing")
		}
		ev.TaskID = strconv.Itoa(p.Issue.Number)
		ev.TaskTitle = p.Issue.Title
		ev.TaskURL = p.Issue.HTMLURL
		ev.IsDone = p.Action == "closed"
		for _, l := range p.Issue.Labels {
			ev.Labels = append(ev.Labels, l.Name)
		}
	case "pull_request":
		if p.PullRequest == nil {
			return domain.CanonicalEvent{}, fmt.Errorf("github payload: pull_request missing")
		}
		ev.TaskID = strconv.Itoa(p.PullRequest.Number)
		ev.TaskTitle = p.PullRequest.Title
		ev.TaskURL = p.PullRequest.HTMLURL
		ev.IsDone = p.Action == "closed" && p.PullRequest.Merged
		for _, l := range p.PullRequest.Labels {
			ev.Labels = append(ev.Labels, l.Name)
		}
	default:
		return domain.CanonicalEvent{}, fmt.Errorf("github event %q not supported", eventType)
	}
	return ev, nil
}
