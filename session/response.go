package session

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/c360studio/convoprobe/protocol"
)

// TurnResponse is the parsed agent answer to one turn.
type TurnResponse struct {
	SequenceID int
	Utterance  string
	// Text joins the text of every text-bearing message, one per line.
	Text string
	// Topic is the last topic the service reported, if any.
	Topic string
	// Actions lists reported action names in first-seen order.
	Actions []string
	// ActionResults holds raw result and planner-surface payloads.
	ActionResults []json.RawMessage
	Escalated     bool
	ContentUnsafe bool
	// EndedByAgent is set when the agent sent SessionEnded. The session stays
	// Active locally until Close.
	EndedByAgent bool
	Messages     protocol.Messages
	Elapsed      time.Duration
}

// HasText returns true if the agent said anything.
func (r *TurnResponse) HasText() bool {
	return strings.TrimSpace(r.Text) != ""
}

// parseMessages folds the message variants into a TurnResponse.
func parseMessages(msgs protocol.Messages) (*TurnResponse, []string) {
	resp := &TurnResponse{Messages: msgs}
	var texts []string
	var unknown []string

	addContent := func(c protocol.Content) {
		if t := strings.TrimSpace(c.Text); t != "" {
			texts = append(texts, t)
		}
		if c.Topic != "" {
			resp.Topic = c.Topic
		}
		for _, a := range c.Actions {
			if !slices.Contains(resp.Actions, a) {
				resp.Actions = append(resp.Actions, a)
			}
		}
		if isPresent(c.Result) {
			resp.ActionResults = append(resp.ActionResults, c.Result)
		}
		if isPresent(c.PlannerSurfaces) {
			resp.ActionResults = append(resp.ActionResults, c.PlannerSurfaces)
		}
		if c.ContentSafe != nil && !*c.ContentSafe {
			resp.ContentUnsafe = true
		}
		if c.Escalated {
			resp.Escalated = true
		}
	}

	for _, msg := range msgs {
		switch m := msg.(type) {
		case *protocol.Inform:
			addContent(m.Content)
		case *protocol.Confirm:
			addContent(m.Content)
		case *protocol.Escalation:
			addContent(m.Content)
			resp.Escalated = true
		case *protocol.SessionEnded:
			resp.EndedByAgent = true
		case *protocol.Unknown:
			unknown = append(unknown, m.RawType)
		default:
			unknown = append(unknown, string(msg.Type()))
		}
	}

	resp.Text = strings.Join(texts, "\n")
	return resp, unknown
}

func isPresent(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}
