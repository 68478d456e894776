package executor

import "encoding/json"

// streamEnvelope is one line of the provider CLI's stream-json output.
// Four shapes matter: {"type":"system","subtype":"init",...} announcing the
// session, {"type":"assistant"} and {"type":"user"} wrapping content blocks,
// and {"type":"result"} closing the turn.
type streamEnvelope struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	Message   *streamMessage `json:"message,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Model     string         `json:"model,omitempty"`
	Cwd       string         `json:"cwd,omitempty"`
}

type streamMessage struct {
	Role    string        `json:"role,omitempty"`
	Content []streamBlock `json:"content,omitempty"`
}

// streamBlock is a content block inside an assistant or user message:
// text, tool_use, or tool_result.
type streamBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result; Content is either a plain string or a list of text blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// resultText flattens a tool_result content field to displayable text.
func (b *streamBlock) resultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(b.Content, &asString); err == nil {
		return asString
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &parts); err == nil {
		out := ""
		for _, part := range parts {
			if part.Type == "text" {
				if out != "" {
					out += "\n"
				}
				out += part.Text
			}
		}
		return out
	}
	return string(b.Content)
}
