package llm

import (
	"strings"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
)

// neutralUserPlaceholder opens the conversation when normalization would
// otherwise leave the model starting as assistant. Some backends reject
// non-alternating or assistant-first role sequences outright.
const neutralUserPlaceholder = "(continue)"

// NormalizeMessages rewrites a message list into a shape every supported
// backend accepts.
//
// Description:
//
//	Three rewrites, applied in order:
//
//	  1. Collapse all system messages into a single leading system message,
//	     joined by blank lines, preserving their relative order.
//	  2. Merge adjacent messages that share a role into one message.
//	  3. Ensure the first non-system message is user-authored, inserting a
//	     neutral placeholder user message when it is not.
//
//	The input is never mutated; images and flags ride along with their
//	message through merges.
func NormalizeMessages(messages []datatypes.Message) []datatypes.Message {
	if len(messages) == 0 {
		return nil
	}

	// Pass 1: collect system content, keep the rest in order.
	var systemParts []string
	rest := make([]datatypes.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == datatypes.RoleSystem {
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		}
		rest = append(rest, msg)
	}

	// Pass 2: merge adjacent same-role messages.
	merged := make([]datatypes.Message, 0, len(rest))
	for _, msg := range rest {
		if n := len(merged); n > 0 && merged[n-1].Role == msg.Role {
			prev := &merged[n-1]
			if prev.Content != "" && msg.Content != "" {
				prev.Content += "\n\n" + msg.Content
			} else {
				prev.Content += msg.Content
			}
			prev.Images = append(prev.Images, msg.Images...)
			prev.Code = prev.Code || msg.Code
			prev.Attachment = prev.Attachment || msg.Attachment
			continue
		}
		merged = append(merged, msg)
	}

	// Pass 3: user-authored opener.
	if len(merged) > 0 && merged[0].Role != datatypes.RoleUser {
		merged = append([]datatypes.Message{{
			Role:    datatypes.RoleUser,
			Content: neutralUserPlaceholder,
		}}, merged...)
	}

	out := make([]datatypes.Message, 0, len(merged)+1)
	if len(systemParts) > 0 {
		out = append(out, datatypes.Message{
			Role:    datatypes.RoleSystem,
			Content: strings.Join(systemParts, "\n\n"),
		})
	}
	out = append(out, merged...)
	return out
}
