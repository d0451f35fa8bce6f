package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the discriminator the agent service puts on every message.
type MessageType string

const (
	TypeInform       MessageType = "Inform"
	TypeText         MessageType = "Text"
	TypeConfirm      MessageType = "Confirm"
	TypeEscalation   MessageType = "Escalation"
	TypeSessionEnded MessageType = "SessionEnded"
)

// Message is one agent message. The concrete type is one of *Inform, *Confirm,
// *Escalation, *SessionEnded or *Unknown; the set is closed.
type Message interface {
	Type() MessageType
	isMessage()
}

// Content holds the fields shared by text-bearing messages.
type Content struct {
	ID      string
	Text    string
	Topic   string
	Actions []string
	// Result and PlannerSurfaces are passed through undecoded; their shape is
	// agent-specific and only searched for action names.
	Result          json.RawMessage
	PlannerSurfaces json.RawMessage
	// ContentSafe is nil when the service did not report a safety verdict.
	ContentSafe *bool
	// Escalated is the optional escalation flag on an otherwise ordinary message.
	Escalated bool
}

// Inform is a regular agent answer. Messages typed "Text" decode to Inform as well.
type Inform struct{ Content }

// Confirm asks the user to confirm an action.
type Confirm struct{ Content }

// Escalation hands the conversation to a human.
type Escalation struct {
	Content
	Reason string
}

// SessionEnded means the agent closed the conversation on its side.
type SessionEnded struct {
	ID     string
	Reason string
}

// Unknown preserves a message whose type this client does not model.
type Unknown struct {
	RawType string
	Raw     json.RawMessage
}

func (*Inform) Type() MessageType       { return TypeInform }
func (*Confirm) Type() MessageType      { return TypeConfirm }
func (*Escalation) Type() MessageType   { return TypeEscalation }
func (*SessionEnded) Type() MessageType { return TypeSessionEnded }
func (u *Unknown) Type() MessageType    { return MessageType(u.RawType) }

func (*Inform) isMessage()       {}
func (*Confirm) isMessage()      {}
func (*Escalation) isMessage()   {}
func (*SessionEnded) isMessage() {}
func (*Unknown) isMessage()      {}

// Messages decodes a JSON array of heterogeneous agent messages.
type Messages []Message

type wireMessage struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Message         string          `json:"message"`
	Text            string          `json:"text"`
	Topic           string          `json:"topic"`
	Actions         []wireAction    `json:"actions"`
	Result          json.RawMessage `json:"result"`
	PlannerSurfaces json.RawMessage `json:"plannerSurfaces"`
	IsContentSafe   *bool           `json:"isContentSafe"`
	Escalation      bool            `json:"escalation"`
	Reason          string          `json:"reason"`
}

// wireAction accepts either "name" or {"name": "..."}.
type wireAction string

func (a *wireAction) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*a = wireAction(name)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("action: %w", err)
	}
	*a = wireAction(obj.Name)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Messages) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("decode messages: %w", err)
	}
	out := make(Messages, 0, len(raws))
	for i, raw := range raws {
		msg, err := DecodeMessage(raw)
		if err != nil {
			return fmt.Errorf("decode message %d: %w", i, err)
		}
		out = append(out, msg)
	}
	*m = out
	return nil
}

// DecodeMessage turns one raw message into its concrete variant.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}

	switch MessageType(w.Type) {
	case TypeInform, TypeText:
		return &Inform{Content: w.content()}, nil
	case TypeConfirm:
		return &Confirm{Content: w.content()}, nil
	case TypeEscalation:
		c := w.content()
		c.Escalated = true
		return &Escalation{Content: c, Reason: w.Reason}, nil
	case TypeSessionEnded:
		return &SessionEnded{ID: w.ID, Reason: w.Reason}, nil
	default:
		return &Unknown{RawType: w.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

func (w wireMessage) content() Content {
	text := w.Message
	if text == "" {
		text = w.Text
	}
	var actions []string
	for _, a := range w.Actions {
		if a != "" {
			actions = append(actions, string(a))
		}
	}
	return Content{
		ID:              w.ID,
		Text:            text,
		Topic:           w.Topic,
		Actions:         actions,
		Result:          w.Result,
		PlannerSurfaces: w.PlannerSurfaces,
		ContentSafe:     w.IsContentSafe,
		Escalated:       w.Escalation,
	}
}
