package agentsim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Reply is one scripted agent answer.
type Reply struct {
	// Match selects the reply when the user text contains it (case-insensitive).
	Match string `json:"match,omitempty"`
	// Turn selects the reply for this sequence id when Match is empty.
	Turn int `json:"turn,omitempty"`

	// Type is the message type; empty means Inform.
	Type    string   `json:"type,omitempty"`
	Text    string   `json:"text"`
	Topic   string   `json:"topic,omitempty"`
	Actions []string `json:"actions,omitempty"`
	// Result is returned verbatim as the message result.
	Result json.RawMessage `json:"result,omitempty"`
	Unsafe bool            `json:"unsafe,omitempty"`
	// EndSession makes the agent end the session after this reply.
	EndSession bool `json:"end_session,omitempty"`
}

// Agent is the script for one agent id.
type Agent struct {
	Greeting string  `json:"greeting"`
	Replies  []Reply `json:"replies"`
	Fallback *Reply  `json:"fallback,omitempty"`
}

// Fixtures maps agent ids to scripts.
type Fixtures map[string]Agent

// pick returns the reply for a user message: the first Match hit, then the
// first Turn hit, then the fallback.
func (a Agent) pick(seq int, text string) Reply {
	lower := strings.ToLower(text)
	for _, r := range a.Replies {
		if r.Match != "" && strings.Contains(lower, strings.ToLower(r.Match)) {
			return r
		}
	}
	for _, r := range a.Replies {
		if r.Match == "" && r.Turn == seq {
			return r
		}
	}
	if a.Fallback != nil {
		return *a.Fallback
	}
	return Reply{Text: "I'm not sure how to help with that."}
}

// LoadFixtures reads every <agent-id>.json file in dir.
func LoadFixtures(dir string) (Fixtures, error) {
	fixtures := make(Fixtures)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var agent Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			return fmt.Errorf("invalid fixture %s: %w", path, err)
		}

		fixtures[strings.TrimSuffix(info.Name(), ".json")] = agent
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
