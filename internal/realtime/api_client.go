package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-notes-api/internal/dto"
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int
	Message string
	Details map[string]string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed with status %d: %s", e.Status, e.Message)
}

type envelope struct {
	Success bool              `json:"success"`
	Data    json.RawMessage   `json:"data"`
	Message string            `json:"message"`
	Details map[string]string `json:"details"`
}

// APIClient calls the chat REST endpoints on behalf of one user.
type APIClient struct {
	baseURL string
	token   string
	timeout time.Duration
}

// NewAPIClient constructs a client. timeout <= 0 uses 10 seconds.
func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		token:   token,
		timeout: timeout,
	}
}

// ListChats returns the user's chats.
func (c *APIClient) ListChats(ctx context.Context) ([]dto.ChatResponse, error) {
	var chats []dto.ChatResponse
	err := c.do(ctx, fiber.Get(c.endpoint("/api/v2/chats", nil)), &chats)
	return chats, err
}

// History returns a page of messages in ascending order.
func (c *APIClient) History(ctx context.Context, chatID string, opts HistoryOptions) ([]dto.ChatMessageResponse, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Before != nil {
		query.Set("before", opts.Before.UTC().Format(time.RFC3339Nano))
	}
	var messages []dto.ChatMessageResponse
	path := "/api/v2/chats/" + url.PathEscape(chatID) + "/messages"
	err := c.do(ctx, fiber.Get(c.endpoint(path, query)), &messages)
	return messages, err
}

// CreateDirectChat finds or creates the direct chat with userID.
func (c *APIClient) CreateDirectChat(ctx context.Context, userID string) (dto.ChatResponse, error) {
	var chat dto.ChatResponse
	agent := fiber.Post(c.endpoint("/api/v2/chats/direct", nil)).JSON(dto.CreateDirectChatRequest{UserID: userID})
	err := c.do(ctx, agent, &chat)
	return chat, err
}

// CreateGroupChat creates a named group with the given members.
func (c *APIClient) CreateGroupChat(ctx context.Context, name string, memberIDs []string) (dto.ChatResponse, error) {
	var chat dto.ChatResponse
	agent := fiber.Post(c.endpoint("/api/v2/chats/group", nil)).JSON(dto.CreateGroupChatRequest{Name: name, MemberIDs: memberIDs})
	err := c.do(ctx, agent, &chat)
	return chat, err
}

// SearchUsers finds users by name or email.
func (c *APIClient) SearchUsers(ctx context.Context, query string, limit int) ([]dto.UserResponse, error) {
	values := url.Values{}
	values.Set("q", query)
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var users []dto.UserResponse
	err := c.do(ctx, fiber.Get(c.endpoint("/api/v2/users/search", values)), &users)
	return users, err
}

// Me returns the authenticated user.
func (c *APIClient) Me(ctx context.Context) (dto.UserResponse, error) {
	var user dto.UserResponse
	err := c.do(ctx, fiber.Get(c.endpoint("/api/v2/users/me", nil)), &user)
	return user, err
}

// Upload stores an attachment and returns where it lives.
func (c *APIClient) Upload(ctx context.Context, fileName string, data []byte) (dto.UploadResponse, error) {
	if len(data) == 0 {
		return dto.UploadResponse{}, errors.New("upload is empty")
	}
	agent := fiber.Post(c.endpoint("/api/v2/uploads", nil)).
		FileData(&fiber.FormFile{Fieldname: "file", Name: fileName, Content: data}).
		MultipartForm(nil)

	var upload dto.UploadResponse
	err := c.do(ctx, agent, &upload)
	return upload, err
}

func (c *APIClient) endpoint(path string, query url.Values) string {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

func (c *APIClient) do(ctx context.Context, agent *fiber.Agent, out interface{}) error {
	if err := ctx.Err(); err != nil {
		fiber.ReleaseAgent(agent)
		return err
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if c.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}
	agent.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	agent.Timeout(timeout)

	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("api request: %w", errors.Join(errs...))
	}

	var payload envelope
	if err := json.Unmarshal(body, &payload); err != nil {
		if status >= fiber.StatusBadRequest {
			return &APIError{Status: status}
		}
		return fmt.Errorf("decode api response: %w", err)
	}
	if status >= fiber.StatusBadRequest || !payload.Success {
		return &APIError{Status: status, Message: payload.Message, Details: payload.Details}
	}
	if out == nil || len(payload.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload.Data, out); err != nil {
		return fmt.Errorf("decode api data: %w", err)
	}
	return nil
}
