// Package contextualize rewrites inbound inter-agent message bodies with a
// structured context block so the receiving Letta agent can tell it is
// talking to another agent and knows how to reply.
package contextualize

import "fmt"

// InterAgentMeta is the bridge-specific metadata an agent's outbound
// message carries when it is addressed to another agent via the bridge's
// messaging tool, attached as Matrix event content fields.
type InterAgentMeta struct {
	FromAgentID   string
	FromAgentName string
	Type          string // "inter_agent" | "async_inter_agent_request"
	TrackingID    string // set only for async requests
}

// IsInterAgent reports whether meta carries enough information to be an
// inter-agent message (both ID and name must be present).
func (m InterAgentMeta) IsInterAgent() bool {
	return m.FromAgentID != "" && m.FromAgentName != ""
}

const template = `[INTER-AGENT MESSAGE from %s]

%s

---
IMPORTANT: This is a message from another Letta agent (%s, ID: %s).
To respond to %s, use the 'matrix_agent_message_async' tool with:
- to_agent_id: "%s"
- message: your response`

// Rewrite returns body unchanged if meta is not an inter-agent message,
// otherwise it wraps body in the fixed context block the Letta system
// prompt expects.
func Rewrite(body string, meta InterAgentMeta) string {
	if !meta.IsInterAgent() {
		return body
	}
	return fmt.Sprintf(template,
		meta.FromAgentName,
		body,
		meta.FromAgentName, meta.FromAgentID,
		meta.FromAgentName,
		meta.FromAgentID,
	)
}
