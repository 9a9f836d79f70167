package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"moodchat/backend/internal/chathub"
	"moodchat/backend/internal/config"
	"moodchat/backend/internal/crypto"
	"moodchat/backend/internal/identity"
	"moodchat/backend/internal/localization"
	"moodchat/backend/internal/models"
	"moodchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	clock    *clockwork.FakeClock
	store    *storage.MemoryStore
	identity *identity.Service
	keys     *crypto.Keyring
	hub      *chathub.ManagerService
	router   *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t)

	clock := clockwork.NewFakeClock()
	store := storage.NewMemoryStore(clock)
	ident, err := identity.NewService("test-jwt-secret", time.Hour, store, clock)
	require.NoError(t, err)
	keys, err := crypto.NewKeyring(store, "test-room-secret", log)
	require.NoError(t, err)
	loc, err := localization.Bundled()
	require.NoError(t, err)

	deps := chathub.SessionDeps{
		Matcher:   chathub.NewMatcherService(store, clock, log),
		Store:     store,
		Keys:      keys,
		Identity:  ident,
		Localizer: loc,
		Timing:    config.DefaultSessionTiming(),
		Clock:     clock,
		Log:       log,
	}
	hub := chathub.NewManagerService(deps)
	go hub.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})

	r := gin.New()
	NewHandler(hub, deps, ident).Register(r)
	return &testServer{clock: clock, store: store, identity: ident, keys: keys, hub: hub, router: r}
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) signIn(t *testing.T) (token, anonID string) {
	t.Helper()
	w := ts.do(t, http.MethodGet, "/anonid", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token  string `json:"token"`
		AnonID string `json:"anon_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	require.NotEmpty(t, resp.AnonID)
	return resp.Token, resp.AnonID
}

func (ts *testServer) join(t *testing.T, token string, mood models.Mood) models.Room {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/rooms/join", token, `{"mood":"`+string(mood)+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var room models.Room
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
	return room
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestGetAnonID_TokenVerifies(t *testing.T) {
	ts := newTestServer(t)
	token, anonID := ts.signIn(t)

	got, err := ts.identity.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, anonID, got)
}

func TestRequireIdentity(t *testing.T) {
	ts := newTestServer(t)
	token, anonID := ts.signIn(t)

	revokedToken, revokedID := ts.signIn(t)
	require.NoError(t, ts.identity.SignOut(context.Background(), revokedID))

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"revoked", revokedToken, http.StatusUnauthorized},
		{"valid", token, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// An empty body gets past auth only with a valid token.
			w := ts.do(t, http.MethodPost, "/api/rooms/join", tt.token, "")
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.NotEmpty(t, anonID)
}

func TestRequireIdentity_QueryToken(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.signIn(t)

	room := ts.join(t, token, models.MoodCalm)
	w := ts.do(t, http.MethodGet, "/api/rooms/"+room.ID+"?token="+token, "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJoinRoom_MatchesTwoUsers(t *testing.T) {
	ts := newTestServer(t)
	tokenA, userA := ts.signIn(t)
	tokenB, userB := ts.signIn(t)

	owned := ts.join(t, tokenA, models.MoodHappy)
	assert.Equal(t, models.StatusWaiting, owned.Status)
	assert.Equal(t, userA, owned.User1ID)

	joined := ts.join(t, tokenB, models.MoodHappy)
	assert.Equal(t, owned.ID, joined.ID)
	assert.Equal(t, models.StatusActive, joined.Status)
	require.NotNil(t, joined.User2ID)
	assert.Equal(t, userB, *joined.User2ID)

	// Joining again resumes the same room.
	again := ts.join(t, tokenA, models.MoodSad)
	assert.Equal(t, owned.ID, again.ID)
}

func TestJoinRoom_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.signIn(t)

	w := ts.do(t, http.MethodPost, "/api/rooms/join", token, `{"mood":"bored"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "moods")

	w = ts.do(t, http.MethodPost, "/api/rooms/join", token, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRoom_ParticipantsOnly(t *testing.T) {
	ts := newTestServer(t)
	tokenA, _ := ts.signIn(t)
	tokenC, _ := ts.signIn(t)
	room := ts.join(t, tokenA, models.MoodAnxious)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/rooms/"+room.ID, tokenA, "").Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/api/rooms/"+room.ID, tokenC, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/rooms/missing", tokenA, "").Code)
}

func TestListMessages_DecryptsHistory(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	tokenA, userA := ts.signIn(t)
	tokenB, userB := ts.signIn(t)
	room := ts.join(t, tokenA, models.MoodExcited)
	ts.join(t, tokenB, models.MoodExcited)

	key, err := ts.keys.RoomKey(ctx, &room, userA)
	require.NoError(t, err)
	for _, m := range []struct{ sender, text string }{{userA, "hi"}, {userB, "hey"}} {
		sealed, err := crypto.Encrypt(m.text, key)
		require.NoError(t, err)
		require.NoError(t, ts.store.InsertMessage(ctx, &models.Message{
			RoomID: room.ID, SenderID: m.sender, Content: sealed.Ciphertext, IV: sealed.IV,
		}))
	}

	w := ts.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages", tokenB, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Messages []models.DisplayMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "hi", resp.Messages[0].Text)
	assert.False(t, resp.Messages[0].Own)
	assert.Equal(t, "hey", resp.Messages[1].Text)
	assert.True(t, resp.Messages[1].Own)
}

func TestListMessages_ParticipantsOnly(t *testing.T) {
	ts := newTestServer(t)
	tokenA, _ := ts.signIn(t)
	tokenC, _ := ts.signIn(t)
	room := ts.join(t, tokenA, models.MoodSad)

	w := ts.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages", tokenC, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	_, err := ts.store.GetRoomKey(context.Background(), room.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "an outsider never establishes a key")
}

func TestLeaveRoom_EndsRoomAndSignsOut(t *testing.T) {
	ts := newTestServer(t)
	tokenA, _ := ts.signIn(t)
	tokenB, _ := ts.signIn(t)
	room := ts.join(t, tokenA, models.MoodAngry)
	ts.join(t, tokenB, models.MoodAngry)

	before, err := ts.store.GetRoom(context.Background(), room.ID)
	require.NoError(t, err)
	ts.clock.Advance(time.Minute)

	w := ts.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/leave", tokenB, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	stored, err := ts.store.GetRoom(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, stored.Status)
	assert.True(t, stored.UpdatedAt.After(before.UpdatedAt), "ending the room refreshes updated_at")
	assert.Equal(t, ts.clock.Now(), stored.UpdatedAt)

	// The leaver's identity is gone, the peer sees the room as over.
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/rooms/"+room.ID, tokenB, "").Code)
	w = ts.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages", tokenA, "")
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Contains(t, w.Body.String(), string(chathub.EndAccessDenied))
}

func TestLeaveRoom_OwnerOfWaitingRoomDeletesIt(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.signIn(t)
	room := ts.join(t, token, models.MoodCalm)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/leave", token, "").Code)

	_, err := ts.store.GetRoom(context.Background(), room.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestServeWebSocket(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("rejects missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("runs a session", func(t *testing.T) {
		token, userID := ts.signIn(t)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token+"&lang=uk", nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(models.ClientFrame{Type: models.FrameJoin, Mood: string(models.MoodSad)}))

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var states []string
		for len(states) < 2 {
			var f models.ServerFrame
			require.NoError(t, conn.ReadJSON(&f))
			if f.Type == models.FrameState {
				states = append(states, f.State)
			}
		}
		assert.Equal(t, []string{string(chathub.StateSearching), string(chathub.StateWaitingForPeer)}, states)

		require.Eventually(t, func() bool {
			_, ok := ts.hub.Session(userID)
			return ok
		}, 2*time.Second, 10*time.Millisecond)
	})
}
