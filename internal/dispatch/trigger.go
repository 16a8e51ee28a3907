package dispatch

import (
	"strings"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/config"
)

// trigger decides whether a group message addresses the agent. Private
// scopes always trigger; in groups a mention, configured keywords, and an
// active-conversation bonus accumulate against a threshold.
type trigger struct {
	keywords     map[string]int
	mentionScore int
	buffScore    int
	threshold    int
}

func newTrigger(cfg config.TriggerConfig) *trigger {
	t := &trigger{
		keywords:     cfg.Keywords,
		mentionScore: cfg.MentionScore,
		buffScore:    cfg.BuffScore,
		threshold:    cfg.Threshold,
	}
	if t.mentionScore <= 0 {
		t.mentionScore = 100
	}
	if t.buffScore <= 0 {
		t.buffScore = 30
	}
	if t.threshold <= 0 {
		t.threshold = 50
	}
	return t
}

// Called scores the event. buffing is true when the assistant replied in
// this scope within the last few turns.
func (t *trigger) Called(ev bus.InboundEvent, selfID string, buffing bool) bool {
	if ev.Scope.IsPrivate() {
		return true
	}

	score := 0
	if buffing {
		score += t.buffScore
	}
	if selfID != "" && ev.Mentioned(selfID) {
		score += t.mentionScore
	}

	lower := strings.ToLower(ev.Text)
	for kw, pts := range t.keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			score += pts
		}
	}
	return score >= t.threshold
}
