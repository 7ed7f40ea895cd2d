// Package match selects the milestone a task-completion event pays out.
//
// Strategies are pure functions of the event and a snapshot of pending
// milestones, so re-delivering the same event against an unchanged
// milestone set always picks the same winner.
package match

import (
	"fmt"
	"strings"

	"streampay/internal/config"
	"streampay/internal/domain"
)

// Strategy decides which pending milestone, if any, an event completes.
// The pending slice must be ordered by ascending index; ties resolve to
// the lowest index, since milestones complete in sequence.
type Strategy interface {
	Match(ev domain.CanonicalEvent, pending []domain.Milestone) (domain.Milestone, bool)
}

// FromConfig builds the configured strategy.
func FromConfig(cfg *config.Config) (Strategy, error) {
	switch cfg.Matching.Strategy {
	case config.MatchSubstring:
		return Substring{}, nil
	case config.MatchExactLabel:
		return ExactLabel{}, nil
	default:
		return nil, fmt.Errorf("unknown matching strategy %q", cfg.Matching.Strategy)
	}
}

// Substring matches when the milestone's trigger keyword appears,
// case-insensitively, in the event title or in any label. Intentionally
// loose; short keywords can false-positive, which is why the strategy is
// swappable.
type Substring struct{}

func (Substring) Match(ev domain.CanonicalEvent, pending []domain.Milestone) (domain.Milestone, bool) {
	title := strings.ToLower(ev.TaskTitle)
	labels := lowerAll(ev.Labels)
	for _, m := range pending {
		keyword := strings.ToLower(m.TriggerKeyword)
		if keyword == "" {
			continue
		}
		if strings.Contains(title, keyword) {
			return m, true
		}
		for _, l := range labels {
			if strings.Contains(l, keyword) {
				return m, true
			}
		}
	}
	return domain.Milestone{}, false
}

// ExactLabel matches only when a label equals the trigger keyword,
// case-insensitively. Stricter than Substring; titles are ignored.
type ExactLabel struct{}

func (ExactLabel) Match(ev domain.CanonicalEvent, pending []domain.Milestone) (domain.Milestone, bool) {
	labels := lowerAll(ev.Labels)
	for _, m := range pending {
		keyword := strings.ToLower(m.TriggerKeyword)
		if keyword == "" {
			continue
		}
		for _, l := range labels {
			if l == keyword {
				return m, true
			}
		}
	}
	return domain.Milestone{}, false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
