package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/coworker/internal/human"
	"github.com/haasonsaas/coworker/internal/protocol"
)

// SkippedAnswer is what the model sees when the human skips a question.
const SkippedAnswer = "Question was skipped."

// NewAskHumanTool returns the built-in that lets the model put a free-form
// question to the person driving the session.
func NewAskHumanTool(ch *human.Channel) *Descriptor {
	return &Descriptor{
		Name:        "ask_human",
		Description: "Ask the human operator a question and wait for the answer.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["question"],
			"properties": {
				"question": {"type": "string", "minLength": 1}
			}
		}`),
		Execute: func(ctx context.Context, inv Invocation) (*protocol.ToolOutcome, error) {
			question, _ := inv.Input["question"].(string)
			fut, err := ch.Ask(question)
			if err != nil {
				return nil, err
			}
			res, err := fut.Await(ctx)
			if err != nil {
				return nil, err
			}
			if res.Skipped {
				return &protocol.ToolOutcome{Content: protocol.Text(SkippedAnswer)}, nil
			}
			return &protocol.ToolOutcome{Content: protocol.Text(res.Answer)}, nil
		},
	}
}
