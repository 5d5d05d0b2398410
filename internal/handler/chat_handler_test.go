package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-notes-api/internal/dto"
	"github.com/noah-isme/gema-notes-api/internal/handler"
	"github.com/noah-isme/gema-notes-api/internal/middleware"
	"github.com/noah-isme/gema-notes-api/internal/repository"
	"github.com/noah-isme/gema-notes-api/internal/service"
)

type stubChatService struct {
	chats        []dto.ChatResponse
	history      []dto.ChatMessageResponse
	historyQuery dto.ChatHistoryQuery
	direct       dto.ChatResponse
	created      bool
	err          error
	lastUserID   string
}

func (s *stubChatService) ServeConnection(service.ChatConn, service.ChatConnectionOptions) {}

func (s *stubChatService) ListChats(_ context.Context, userID string) ([]dto.ChatResponse, error) {
	s.lastUserID = userID
	return s.chats, s.err
}

func (s *stubChatService) History(_ context.Context, userID string, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error) {
	s.lastUserID = userID
	s.historyQuery = query
	return s.history, s.err
}

func (s *stubChatService) CreateDirectChat(_ context.Context, userID string, _ dto.CreateDirectChatRequest) (dto.ChatResponse, bool, error) {
	s.lastUserID = userID
	return s.direct, s.created, s.err
}

func (s *stubChatService) CreateGroupChat(_ context.Context, userID string, req dto.CreateGroupChatRequest) (dto.ChatResponse, error) {
	s.lastUserID = userID
	return dto.ChatResponse{ID: "group-1", Kind: "group", Name: req.Name}, s.err
}

func (s *stubChatService) OnlineUserIDs(context.Context) []string { return nil }

func (s *stubChatService) Start(context.Context) {}

func chatApp(svc service.ChatService) *fiber.App {
	app := fiber.New()
	group := app.Group("/api/v2/chats", func(c *fiber.Ctx) error {
		c.Locals(middleware.UserIDKey, "user-a")
		return c.Next()
	})
	handler.NewChatHandler(svc, validator.New(), zerolog.New(io.Discard)).Register(group)
	return app
}

func TestChatHandlerList(t *testing.T) {
	svc := &stubChatService{chats: []dto.ChatResponse{{ID: "c1", Kind: "direct", UnreadCount: 2}}}
	app := chatApp(svc)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/chats", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload struct {
		Success bool               `json:"success"`
		Data    []dto.ChatResponse `json:"data"`
	}
	decodeResponse(t, resp, &payload)
	require.True(t, payload.Success)
	require.Len(t, payload.Data, 1)
	require.Equal(t, 2, payload.Data[0].UnreadCount)
	require.Equal(t, "user-a", svc.lastUserID)
}

func TestChatHandlerHistoryParsesQuery(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := &stubChatService{history: []dto.ChatMessageResponse{{ID: "m1", ChatID: "c1", CreatedAt: created}}}
	app := chatApp(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v2/chats/c1/messages?limit=20&before=2026-02-01T00:00:00Z", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.Equal(t, "c1", svc.historyQuery.ChatID)
	require.Equal(t, 20, svc.historyQuery.Limit)
	require.NotNil(t, svc.historyQuery.Before)

	var payload struct {
		Data []dto.ChatMessageResponse `json:"data"`
		Meta map[string]interface{}    `json:"meta"`
	}
	decodeResponse(t, resp, &payload)
	require.Len(t, payload.Data, 1)
	require.Equal(t, created.Format(time.RFC3339Nano), payload.Meta["nextBefore"])
}

func TestChatHandlerHistoryRejectsBadBefore(t *testing.T) {
	app := chatApp(&stubChatService{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/chats/c1/messages?before=yesterday", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestChatHandlerHistoryForbiddenForNonMember(t *testing.T) {
	app := chatApp(&stubChatService{err: service.ErrChatNotAuthorised})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/chats/c1/messages", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestChatHandlerCreateDirectStatus(t *testing.T) {
	cases := []struct {
		name    string
		created bool
		err     error
		status  int
	}{
		{name: "created", created: true, status: fiber.StatusCreated},
		{name: "existing", created: false, status: fiber.StatusOK},
		{name: "self", err: service.ErrChatSelfDirect, status: fiber.StatusBadRequest},
		{name: "unknown_user", err: repository.ErrUserNotFound, status: fiber.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubChatService{direct: dto.ChatResponse{ID: "c1", Kind: "direct"}, created: tc.created, err: tc.err}
			app := chatApp(svc)

			body, _ := json.Marshal(dto.CreateDirectChatRequest{UserID: "0b6f1c1e-3c39-4f43-9e8f-6f61e8c0f3a1"})
			req := httptest.NewRequest(http.MethodPost, "/api/v2/chats/direct", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestChatHandlerCreateGroup(t *testing.T) {
	app := chatApp(&stubChatService{})

	body, _ := json.Marshal(dto.CreateGroupChatRequest{Name: "Study group", MemberIDs: []string{"0b6f1c1e-3c39-4f43-9e8f-6f61e8c0f3a1"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v2/chats/group", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var payload struct {
		Data dto.ChatResponse `json:"data"`
	}
	decodeResponse(t, resp, &payload)
	require.Equal(t, "Study group", payload.Data.Name)
}

func TestChatHandlerWebsocketRequiresUpgrade(t *testing.T) {
	app := chatApp(&stubChatService{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/chats/ws", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(body, target))
}
