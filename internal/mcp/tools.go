// ABOUTME: Tool definitions exposed over MCP: messaging the human and history access.
// ABOUTME: Each tool validates its JSON input and delegates to the conversation service.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/courier-mcp/courier/internal/conversation"
)

// Tool pairs an MCP tool definition with its handler.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// sendMessageInput is the input payload for send_message_to_human.
type sendMessageInput struct {
	Message         string `json:"message"`
	WaitForResponse *bool  `json:"wait_for_response,omitempty"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
}

// sendMessageOutput is the result payload for send_message_to_human.
type sendMessageOutput struct {
	Status string `json:"status"`
	Reply  string `json:"reply,omitempty"`
}

// historyInput is the input payload for get_conversation_history.
type historyInput struct {
	Limit int `json:"limit,omitempty"`
}

// historyOutput is the result payload for get_conversation_history.
type historyOutput struct {
	Messages []historyMessage `json:"messages"`
	Count    int              `json:"count"`
}

type historyMessage struct {
	Direction string `json:"direction"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

// clearOutput is the result payload for clear_conversation_history.
type clearOutput struct {
	ClearedCount int `json:"cleared_count"`
}

const defaultHistoryLimit = 10

// courierTools builds the tool set backed by the given conversation service.
func courierTools(conv *conversation.Service, defaultTimeout time.Duration) []*Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = conversation.DefaultWaitTimeout
	}
	defaultSeconds := int(defaultTimeout / time.Second)

	sendSchema := json.RawMessage(fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"message": {
				"type": "string",
				"description": "The message to deliver to the human"
			},
			"wait_for_response": {
				"type": "boolean",
				"description": "Block until the human replies (default true)",
				"default": true
			},
			"timeout_seconds": {
				"type": "integer",
				"description": "How long to wait for a reply before giving up (default %d)",
				"default": %d
			}
		},
		"required": ["message"]
	}`, defaultSeconds, defaultSeconds))

	historySchema := json.RawMessage(fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"limit": {
				"type": "integer",
				"description": "Maximum number of recent messages to return (default %d)",
				"default": %d
			}
		}
	}`, defaultHistoryLimit, defaultHistoryLimit))

	clearSchema := json.RawMessage(`{
		"type": "object",
		"properties": {}
	}`)

	return []*Tool{
		{
			Name:        "send_message_to_human",
			Description: "Send a message to the human and optionally wait for their reply. Returns the reply text when one arrives, or a timeout status if the human does not respond in time.",
			InputSchema: sendSchema,
			Handler: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				var in sendMessageInput
				if err := json.Unmarshal(input, &in); err != nil {
					return nil, fmt.Errorf("invalid input: %w", err)
				}

				wait := true
				if in.WaitForResponse != nil {
					wait = *in.WaitForResponse
				}

				var timeout time.Duration
				if in.TimeoutSeconds > 0 {
					timeout = time.Duration(in.TimeoutSeconds) * time.Second
				}

				result, err := conv.SendToHuman(ctx, conversation.SendRequest{
					Message: in.Message,
					Wait:    wait,
					Timeout: timeout,
				})
				if err != nil {
					return nil, err
				}

				return json.Marshal(sendMessageOutput{
					Status: string(result.Status),
					Reply:  result.Reply,
				})
			},
		},
		{
			Name:        "get_conversation_history",
			Description: "Retrieve the most recent messages exchanged with the human, oldest first.",
			InputSchema: historySchema,
			Handler: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				var in historyInput
				if err := json.Unmarshal(input, &in); err != nil {
					return nil, fmt.Errorf("invalid input: %w", err)
				}

				limit := in.Limit
				if limit <= 0 {
					limit = defaultHistoryLimit
				}

				messages := conv.History(limit)
				out := historyOutput{
					Messages: make([]historyMessage, len(messages)),
					Count:    len(messages),
				}
				for i, msg := range messages {
					out.Messages[i] = historyMessage{
						Direction: string(msg.Direction),
						Body:      msg.Body,
						Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
					}
				}
				return json.Marshal(out)
			},
		},
		{
			Name:        "clear_conversation_history",
			Description: "Delete every stored message in the conversation history.",
			InputSchema: clearSchema,
			Handler: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				cleared := conv.ClearHistory()
				return json.Marshal(clearOutput{ClearedCount: cleared})
			},
		},
	}
}
