// Package mcpserver registers MCP tools that expose the chat
// synchronization core. It adapts the chat coordinator to the MCP SDK's
// tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/chatsync/internal/chat"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, coord *chat.Coordinator) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open",
		Description: "Open a conversation (room:<id> or group:<id>). Fetches the history and starts following live events. Opening an open conversation is a no-op.",
	}, openHandler(coord))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_open",
		Description: "List the conversations that are currently open.",
	}, listOpenHandler(coord))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_history",
		Description: "Return messages of an open conversation, newest first. Pending drafts are included and flagged.",
	}, historyHandler(coord))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_search",
		Description: "Case-insensitive search across open conversations. Attachment names match first, then message bodies, newest first, with context snippets.",
	}, searchHandler(coord))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a text message to an open conversation. Failed sends are kept in the outbox for chat_retry.",
	}, sendHandler(coord))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_file",
		Description: "Send a file to an open conversation. The source may be a local path, a file:// or http(s) URL. An optional caption is sent with the file.",
	}, sendFileHandler(coord))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_delete",
		Description: "Delete a message by id. Local draft ids (local-...) are discarded without contacting the server.",
	}, deleteHandler(coord))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_mark_read",
		Description: "Mark a message as read.",
	}, markReadHandler(coord))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_outbox",
		Description: "List failed sends that can be retried, oldest first. Optionally filtered to one conversation.",
	}, outboxHandler(coord))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_retry",
		Description: "Resubmit a failed send from the outbox by its local id. Each entry can be retried once per failure.",
	}, retryHandler(coord))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_close",
		Description: "Close a conversation and stop following its events.",
	}, closeHandler(coord))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ConversationInput names one conversation.
type ConversationInput struct {
	Conversation string `json:"conversation" jsonschema:"conversation reference such as room:12 or group:7"`
}

// ListOpenInput has no parameters.
type ListOpenInput struct{}

// HistoryInput holds parameters for chat_history.
type HistoryInput struct {
	Conversation string `json:"conversation" jsonschema:"conversation reference such as room:12 or group:7"`
	Limit        int    `json:"limit,omitempty" jsonschema:"maximum number of messages, defaults to 50"`
}

// SearchInput holds parameters for chat_search.
type SearchInput struct {
	Query      string `json:"query" jsonschema:"search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results, defaults to 20"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	Conversation string `json:"conversation" jsonschema:"conversation reference such as room:12 or group:7"`
	Text         string `json:"text" jsonschema:"message body"`
}

// SendFileInput holds parameters for chat_send_file.
type SendFileInput struct {
	Conversation string `json:"conversation" jsonschema:"conversation reference such as room:12 or group:7"`
	Source       string `json:"source" jsonschema:"path or URL of the file to send"`
	Name         string `json:"name,omitempty" jsonschema:"display name, defaults to the source's last path segment"`
	MIMEType     string `json:"mime_type,omitempty" jsonschema:"content type, guessed from the extension when omitted"`
	Caption      string `json:"caption,omitempty" jsonschema:"text sent with the file"`
}

// MessageRefInput identifies one message.
type MessageRefInput struct {
	Conversation string `json:"conversation" jsonschema:"conversation reference such as room:12 or group:7"`
	ID           string `json:"id" jsonschema:"message id"`
}

// OutboxInput holds parameters for chat_outbox.
type OutboxInput struct {
	Conversation string `json:"conversation,omitempty" jsonschema:"limit to one conversation, all when omitted"`
}

// RetryInput holds parameters for chat_retry.
type RetryInput struct {
	LocalID string `json:"local_id" jsonschema:"local id of the failed send"`
}

// --- Result types ---

// OpenResult is returned by chat_open.
type OpenResult struct {
	Conversation string `json:"conversation"`
	Messages     int    `json:"messages"`
}

// ListOpenResult is returned by chat_list_open.
type ListOpenResult struct {
	Conversations []string `json:"conversations"`
}

// HistoryResult is returned by chat_history.
type HistoryResult struct {
	Conversation string           `json:"conversation"`
	Total        int              `json:"total"`
	Messages     []models.Message `json:"messages"`
}

// MessageResult wraps a single message.
type MessageResult struct {
	Message models.Message `json:"message"`
}

// SendFileResult is returned by chat_send_file.
type SendFileResult struct {
	Message    models.Message              `json:"message"`
	Attachment models.AttachmentDescriptor `json:"attachment"`
}

// AckResult confirms a per-message action.
type AckResult struct {
	Conversation string `json:"conversation"`
	ID           string `json:"id"`
	Status       string `json:"status"`
}

// OutboxResult is returned by chat_outbox.
type OutboxResult struct {
	Entries []state.OutboxEntry `json:"entries"`
}

// --- Handlers ---

func openHandler(coord *chat.Coordinator) mcp.ToolHandlerFor[ConversationInput, *OpenResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, *OpenResult, error) {
		ref, err := models.ParseConversationRef(input.Conversation)
		if err != nil {
			return nil, nil, err
		}

		if err := coord.Open(ctx, ref); err != nil {
			return nil, nil, err
		}

		msgs, err := coord.Snapshot(ref)
		if err != nil {
			return nil, nil, err
		}

		result := &OpenResult{Conversation: ref.String(), Messages: len(msgs)}

		return textResult(result), result, nil
	}
}

func listOpenHandler(coord *chat.Coordinator) mcp.ToolHandlerFor[ListOpenInput, *ListOpenResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListOpenInput) (*mcp.CallToolResult, *ListOpenResult, error) {
		result := &ListOpenResult{Conversations: []string{}}
		for _, ref := range coord.OpenConversations() {
			result.Conversations = append(result.Conversations, ref.String())
		}

		return textResult(result), result, nil
	}
}

func historyHandler(coord *chat.Coordinator) mcp.ToolHandlerFor[HistoryInput, *HistoryResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, *HistoryResult, error) {
		ref, err := models.ParseConversationRef(input.Conversation)
		if err != nil {
			return nil, nil, err
		}

		msgs, err := coord.Snapshot(ref)
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}

		limit = min(limit, maxHistoryLimit)

		result := &HistoryResult{Conversation: ref.String(), Total: len(msgs), Messages: msgs}
		if len(msgs) > limit {
			result.Messages = msgs[:limit]
		}

		return textResult(result), result, nil
	}
}

func searchHandler(coord *chat.Coordinator) mcp.ToolHandlerFor[SearchInput, *chat.SearchResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *chat.SearchResult, error) {
		if input.Query == "" {
			return nil, nil, fmt.Errorf("query is required")
		}

		result := coord.Search(input.Query, input.MaxResults)

		return textResult(result), result, nil
	}
}

func sendHandler(coord *chat.Coordinator) mcp.ToolHandlerFor[SendInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *MessageResult, error) {
		ref, err := models.ParseConversationRef(input.Conversation)
		if err != nil {
			return nil, nil, err
		}

		msg, err := coord.SendText(ctx, ref, input.Text)
		if err != nil {
			return nil, nil, failedSend(msg, err)
		}

		result := &MessageResult{Message: msg}

		return textResult(result), result, nil
	}
}

func sendFileHandler(coord *chat.Coordinator) mcp.ToolHandlerFor[SendFileInput, *SendFileResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendFileInput) (*mcp.CallToolResult, *SendFileResult, error) {
		ref, err := models.ParseConversationRef(input.Conversation)
		if err != nil {
			return nil, nil, err
		}

		if input.Source == "" {
			return nil, nil, fmt.Errorf("source is required")
		}

		res, err := coord.SendAttachment(ctx, ref, input.Source, input.Name, input.MIMEType, input.Caption, nil)
		if err != nil {
			return nil, nil, failedSend(res.Message, err)
		}

		result := &SendFileResult{Message: res.Message, Attachment: res.Descriptor}

		return textResult(result), result, nil
	}
}

func deleteHandler(coord *chat.Coordinator) mcp.ToolHandlerFor[MessageRefInput, *AckResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageRefInput) (*mcp.CallToolResult, *AckResult, error) {
		ref, err := models.ParseConversationRef(input.Conversation)
		if err != nil {
			return nil, nil, err
		}

		if err := coord.Delete(ctx, ref, input.ID); err != nil {
			return nil, nil, err
		}

		result := &AckResult{Conversation: ref.String(), ID: input.ID, Status: "deleted"}

		return textResult(result), result, nil
	}
}

func markReadHandler(coord *chat.Coordinator) mcp.ToolHandlerFor[MessageRefInput, *AckResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageRefInput) (*mcp.CallToolResult, *AckResult, error) {
		ref, err := models.ParseConversationRef(input.Conversation)
		if err != nil {
			return nil, nil, err
		}

		if err := coord.MarkRead(ctx, ref, input.ID); err != nil {
			return nil, nil, err
		}

		result := &AckResult{Conversation: ref.String(), ID: input.ID, Status: "read"}

		return textResult(result), result, nil
	}
}

func outboxHandler(coord *chat.Coordinator) mcp.ToolHandlerFor[OutboxInput, *OutboxResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input OutboxInput) (*mcp.CallToolResult, *OutboxResult, error) {
		var ref models.ConversationRef

		if input.Conversation != "" {
			parsed, err := models.ParseConversationRef(input.Conversation)
			if err != nil {
				return nil, nil, err
			}

			ref = parsed
		}

		entries, err := coord.Outbox(ref)
		if err != nil {
			return nil, nil, err
		}

		result := &OutboxResult{Entries: entries}
		if result.Entries == nil {
			result.Entries = []state.OutboxEntry{}
		}

		return textResult(result), result, nil
	}
}

func retryHandler(coord *chat.Coordinator) mcp.ToolHandlerFor[RetryInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RetryInput) (*mcp.CallToolResult, *MessageResult, error) {
		msg, err := coord.Retry(ctx, input.LocalID)
		if err != nil {
			return nil, nil, err
		}

		result := &MessageResult{Message: msg}

		return textResult(result), result, nil
	}
}

func closeHandler(coord *chat.Coordinator) mcp.ToolHandlerFor[ConversationInput, *OpenResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, *OpenResult, error) {
		ref, err := models.ParseConversationRef(input.Conversation)
		if err != nil {
			return nil, nil, err
		}

		if err := coord.Close(ref); err != nil {
			return nil, nil, err
		}

		result := &OpenResult{Conversation: ref.String()}

		return textResult(result), result, nil
	}
}

// failedSend adds the outbox id to a send error so the caller can retry.
func failedSend(draft models.Message, err error) error {
	if draft.IsLocal() {
		return fmt.Errorf("%w (kept as %s, use chat_retry)", err, draft.ID)
	}

	return err
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
