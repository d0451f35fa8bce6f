package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/c360studio/convoprobe/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessages_UnmarshalVariants(t *testing.T) {
	data := `[
		{"type":"Inform","id":"m1","message":"Cancelled.","topic":"cancel_appointment","actions":["cancel_appointment"],"isContentSafe":true},
		{"type":"Text","text":"Anything else?"},
		{"type":"Confirm","message":"Confirm reschedule?","result":{"slot":"10:00"}},
		{"type":"Escalation","message":"Transferring you now","reason":"frustration"},
		{"type":"SessionEnded","reason":"Transfer"},
		{"type":"ProgressIndicator","message":"thinking"}
	]`

	var msgs protocol.Messages
	require.NoError(t, json.Unmarshal([]byte(data), &msgs))
	require.Len(t, msgs, 6)

	for _, msg := range msgs {
		switch m := msg.(type) {
		case *protocol.Inform:
			assert.NotEmpty(t, m.Text)
		case *protocol.Confirm:
			assert.JSONEq(t, `{"slot":"10:00"}`, string(m.Result))
		case *protocol.Escalation:
			assert.True(t, m.Escalated)
			assert.Equal(t, "frustration", m.Reason)
		case *protocol.SessionEnded:
			assert.Equal(t, "Transfer", m.Reason)
		case *protocol.Unknown:
			assert.Equal(t, "ProgressIndicator", m.RawType)
			assert.Contains(t, string(m.Raw), "thinking")
		default:
			t.Fatalf("unexpected message type %T", msg)
		}
	}

	first := msgs[0].(*protocol.Inform)
	assert.Equal(t, "m1", first.ID)
	require.NotNil(t, first.ContentSafe)
	assert.True(t, *first.ContentSafe)
	assert.Equal(t, protocol.TypeInform, msgs[1].Type())
}

func TestMessages_UnmarshalBadAction(t *testing.T) {
	var msgs protocol.Messages
	err := json.Unmarshal([]byte(`[{"type":"Inform","actions":[42]}]`), &msgs)
	assert.Error(t, err)
}
