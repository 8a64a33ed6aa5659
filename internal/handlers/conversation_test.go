package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/middleware"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
	"chat-sync/internal/session"
	"chat-sync/internal/syncerr"
	"chat-sync/internal/telemetry"
)

var (
	agent    = session.Identity{OrganizationID: "org-1", ParticipantType: models.ParticipantOrganization, ParticipantID: "agent-1"}
	customer = session.Identity{OrganizationID: "org-1", ParticipantType: models.ParticipantCustomer, ParticipantID: "cust-1"}
	channel  = models.Channel{ID: 7, OrganizationID: "org-1", CustomerID: "cust-1"}
)

type fixture struct {
	channels  *mocks.ChannelRepositoryMock
	messages  *mocks.MessageRepositoryMock
	transport *mocks.TransportMock
	publisher *mocks.PublisherMock
	router    *gin.Engine
}

func setupRouter(t *testing.T, id session.Identity) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		channels:  new(mocks.ChannelRepositoryMock),
		messages:  new(mocks.MessageRepositoryMock),
		transport: new(mocks.TransportMock),
		publisher: new(mocks.PublisherMock),
	}
	f.publisher.On("Publish", mock.Anything, "audit.chat", mock.Anything).Return(nil).Maybe()
	audit := telemetry.NewAuditEmitter(f.publisher, "audit.chat", "chat-sync", "test", zerolog.Nop())
	handler := NewConversationHandler(f.channels, f.messages, f.transport, audit, 2, zerolog.Nop())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		middleware.WithIdentity(c, id)
		c.Next()
	})
	handler.Register(r)
	f.router = r
	t.Cleanup(func() {
		f.channels.AssertExpectations(t)
		f.messages.AssertExpectations(t)
		f.transport.AssertExpectations(t)
	})
	return f
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestEnsureConversationForCustomerDefaultsToSelf(t *testing.T) {
	f := setupRouter(t, customer)
	f.channels.On("EnsureChannel", mock.Anything, "org-1", "cust-1").Return(channel, nil).Once()

	rec := f.do(http.MethodPost, "/conversations/ensure", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Channel
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(7), got.ID)
}

func TestEnsureConversationRejectsForeignCustomer(t *testing.T) {
	f := setupRouter(t, customer)

	rec := f.do(http.MethodPost, "/conversations/ensure", ensureRequest{CustomerID: "cust-2"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	f.channels.AssertNotCalled(t, "EnsureChannel", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnsureConversationRequiresCustomerForAgent(t *testing.T) {
	f := setupRouter(t, agent)

	rec := f.do(http.MethodPost, "/conversations/ensure", ensureRequest{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnsureConversationStoreDown(t *testing.T) {
	f := setupRouter(t, agent)
	f.channels.On("EnsureChannel", mock.Anything, "org-1", "cust-1").
		Return(nil, syncerr.Store("ensure channel", assert.AnError)).Once()

	rec := f.do(http.MethodPost, "/conversations/ensure", ensureRequest{CustomerID: "cust-1"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store_unavailable")
}

func TestListMessagesPassesCursor(t *testing.T) {
	f := setupRouter(t, customer)
	before := int64(10)
	f.channels.On("GetChannel", mock.Anything, int64(7)).Return(channel, nil).Once()
	f.messages.On("Query", mock.Anything, int64(7), &before, 2).Return(models.Page{
		Messages: []models.Message{{ID: 8}, {ID: 9}},
		HasMore:  true,
	}, nil).Once()

	rec := f.do(http.MethodGet, "/conversations/7/messages?before=10", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages   []models.Message `json:"messages"`
		HasMore    bool             `json:"has_more"`
		NextCursor *int64           `json:"next_cursor"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Messages, 2)
	assert.True(t, resp.HasMore)
	require.NotNil(t, resp.NextCursor)
	assert.Equal(t, int64(8), *resp.NextCursor)
}

func TestListMessagesRejectsBadQuery(t *testing.T) {
	f := setupRouter(t, customer)
	f.channels.On("GetChannel", mock.Anything, int64(7)).Return(channel, nil).Twice()

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/conversations/7/messages?before=abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/conversations/7/messages?limit=1000", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/conversations/nope/messages", nil).Code)
}

func TestOwnershipIsEnforced(t *testing.T) {
	other := session.Identity{OrganizationID: "org-1", ParticipantType: models.ParticipantCustomer, ParticipantID: "cust-2"}
	f := setupRouter(t, other)
	f.channels.On("GetChannel", mock.Anything, int64(7)).Return(channel, nil).Once()

	rec := f.do(http.MethodGet, "/conversations/7/unread", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUnknownChannelIsNotFound(t *testing.T) {
	f := setupRouter(t, agent)
	f.channels.On("GetChannel", mock.Anything, int64(99)).Return(nil, repositories.ErrChannelNotFound).Once()

	rec := f.do(http.MethodGet, "/conversations/99/unread", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostMessageAppendsAndPublishes(t *testing.T) {
	f := setupRouter(t, customer)
	stored := models.Message{ID: 11, ChannelID: 7, SenderType: models.ParticipantCustomer, SenderID: "cust-1", Content: "hi", CreatedAt: time.Now()}
	f.channels.On("GetChannel", mock.Anything, int64(7)).Return(channel, nil).Once()
	f.messages.On("Append", mock.Anything, mock.MatchedBy(func(in models.NewMessage) bool {
		return in.ChannelID == 7 && in.SenderID == "cust-1" && in.Content == "hi" && in.ClientMessageID == "c-1"
	})).Return(stored, nil).Once()
	f.transport.On("Publish", mock.Anything, stored).Return(nil).Once()

	rec := f.do(http.MethodPost, "/conversations/7/messages", postMessageRequest{Content: "hi", ClientMessageID: "c-1"})

	require.Equal(t, http.StatusCreated, rec.Code)
	f.publisher.AssertCalled(t, "Publish", mock.Anything, "audit.chat", mock.Anything)
}

func TestPostMessageSucceedsWhenPublishFails(t *testing.T) {
	f := setupRouter(t, customer)
	stored := models.Message{ID: 12, ChannelID: 7, Content: "hi"}
	f.channels.On("GetChannel", mock.Anything, int64(7)).Return(channel, nil).Once()
	f.messages.On("Append", mock.Anything, mock.Anything).Return(stored, nil).Once()
	f.transport.On("Publish", mock.Anything, stored).Return(syncerr.Transport("publish", assert.AnError)).Once()

	rec := f.do(http.MethodPost, "/conversations/7/messages", postMessageRequest{Content: "hi"})

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestPostMessageValidatesBeforeAppend(t *testing.T) {
	f := setupRouter(t, customer)
	f.channels.On("GetChannel", mock.Anything, int64(7)).Return(channel, nil).Once()

	rec := f.do(http.MethodPost, "/conversations/7/messages", postMessageRequest{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.messages.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestPostMessageTimeout(t *testing.T) {
	f := setupRouter(t, agent)
	f.channels.On("GetChannel", mock.Anything, int64(7)).Return(channel, nil).Once()
	f.messages.On("Append", mock.Anything, mock.Anything).Return(nil, syncerr.ErrTimeout).Once()

	rec := f.do(http.MethodPost, "/conversations/7/messages", postMessageRequest{Content: "late"})

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestMarkReadPublishesOnlyWhenSomethingChanged(t *testing.T) {
	f := setupRouter(t, agent)
	receipt := models.ReadReceipt{ChannelID: 7, ReaderType: models.ParticipantOrganization, MessageIDs: []int64{3, 4}, ReadAt: time.Now()}
	f.channels.On("GetChannel", mock.Anything, int64(7)).Return(channel, nil).Twice()
	f.messages.On("MarkRead", mock.Anything, int64(7), models.ParticipantOrganization).Return(receipt, nil).Once()
	f.transport.On("PublishRead", mock.Anything, receipt).Return(nil).Once()

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/conversations/7/read", nil).Code)

	f.messages.On("MarkRead", mock.Anything, int64(7), models.ParticipantOrganization).
		Return(models.ReadReceipt{ChannelID: 7, ReaderType: models.ParticipantOrganization}, nil).Once()
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/conversations/7/read", nil).Code)
	f.transport.AssertNumberOfCalls(t, "PublishRead", 1)
}

func TestUnreadCount(t *testing.T) {
	f := setupRouter(t, customer)
	f.channels.On("GetChannel", mock.Anything, int64(7)).Return(channel, nil).Once()
	f.messages.On("CountUnread", mock.Anything, int64(7), models.ParticipantCustomer).Return(4, nil).Once()

	rec := f.do(http.MethodGet, "/conversations/7/unread", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"channel_id":7,"unread":4}`, rec.Body.String())
}

func TestPresenceSnapshot(t *testing.T) {
	f := setupRouter(t, agent)
	f.channels.On("GetChannel", mock.Anything, int64(7)).Return(channel, nil).Once()
	f.transport.On("Presence", mock.Anything, int64(7)).Return([]models.Presence{
		{ChannelID: 7, ParticipantType: models.ParticipantCustomer, IsOnline: true},
	}, nil).Once()

	rec := f.do(http.MethodGet, "/conversations/7/presence", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_online":true`)
}

func TestDebugRoutesDisabledByDefault(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugAuditCarriesChannel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "audit.chat", mock.MatchedBy(func(e telemetry.AuditEnvelope) bool {
		return e.Payload.ChannelID == 42 && e.Payload.Level == "DEBUG"
	})).Return(nil).Once()
	r := gin.New()
	RegisterDebugRoutes(r, telemetry.NewAuditEmitter(pub, "audit.chat", "chat-sync", "test", zerolog.Nop()), true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test?channel_id=42", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"channel_id":42`)
	pub.AssertExpectations(t)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test?channel_id=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	pub.AssertNumberOfCalls(t, "Publish", 1)
}
