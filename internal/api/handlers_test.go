package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/javierchua/ask-javier/internal/auth"
	"github.com/javierchua/ask-javier/internal/config"
	"github.com/javierchua/ask-javier/internal/core"
	"github.com/javierchua/ask-javier/internal/ratelimit"
	"github.com/javierchua/ask-javier/internal/store"
)

const (
	testSecret = "test-secret"
	testEmail  = "javier@example.com"
	otherEmail = "stranger@example.com"
)

// memStore is a minimal in-memory ConversationStore for handler tests.
type memStore struct {
	mu            sync.Mutex
	conversations map[primitive.ObjectID]*store.Conversation
	turns         map[primitive.ObjectID][]store.Turn
}

func newMemStore() *memStore {
	return &memStore{
		conversations: map[primitive.ObjectID]*store.Conversation{},
		turns:         map[primitive.ObjectID][]store.Turn{},
	}
}

func (m *memStore) CreateConversation(ctx context.Context, title string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if title == "" {
		title = store.DefaultTitle
	}
	conv := &store.Conversation{ID: primitive.NewObjectID(), Title: title}
	m.conversations[conv.ID] = conv
	copied := *conv
	return &copied, nil
}

func (m *memStore) ListConversations(ctx context.Context) ([]store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Conversation{}
	for _, c := range m.conversations {
		out = append(out, *c)
	}
	return out, nil
}

func (m *memStore) GetConversation(ctx context.Context, id primitive.ObjectID) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, nil
	}
	copied := *conv
	return &copied, nil
}

func (m *memStore) GetTurns(ctx context.Context, id primitive.ObjectID) ([]store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Turn{}, m.turns[id]...), nil
}

func (m *memStore) AppendTurn(ctx context.Context, id primitive.ObjectID, role store.Role, content string) (*store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turn := store.Turn{
		ID:             primitive.NewObjectID(),
		ConversationID: id,
		Role:           role,
		Content:        content,
		Index:          len(m.turns[id]),
	}
	m.turns[id] = append(m.turns[id], turn)
	if conv, ok := m.conversations[id]; ok {
		conv.MessageCount = len(m.turns[id])
	}
	return &turn, nil
}

func (m *memStore) UpdateTitle(ctx context.Context, id primitive.ObjectID, title string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return false, nil
	}
	conv.Title = title
	return true, nil
}

func (m *memStore) DeleteConversation(ctx context.Context, id primitive.ObjectID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return false, nil
	}
	delete(m.conversations, id)
	delete(m.turns, id)
	return true, nil
}

// memLedger answers with a fixed result for every model.
type memLedger struct {
	mu     sync.Mutex
	result ratelimit.Result
}

func (m *memLedger) Check(ctx context.Context, model string, limits ratelimit.Limits) (ratelimit.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result, nil
}

func (m *memLedger) Record(ctx context.Context, model string) error { return nil }

// memGenerator replays fixed fragments.
type memGenerator struct {
	fragments []string
}

func (m *memGenerator) StreamReply(ctx context.Context, systemPrompt string, history []core.Message, message string) (core.ReplyStream, error) {
	return &memStream{fragments: append([]string{}, m.fragments...)}, nil
}

func (m *memGenerator) GenerateTitle(ctx context.Context, firstUserText string) (string, error) {
	return "Generated Title", nil
}

type memStream struct {
	fragments []string
}

func (s *memStream) Next() (string, error) {
	if len(s.fragments) == 0 {
		return "", io.EOF
	}
	frag := s.fragments[0]
	s.fragments = s.fragments[1:]
	return frag, nil
}

type testEnv struct {
	server *httptest.Server
	store  *memStore
	ledger *memLedger
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		AuthSecret:           testSecret,
		SystemPrompt:         "You are a terse assistant.",
		AffectionInstruction: `The user said "%s".`,
		AllowedEmails:        []string{testEmail},
	}
	st := newMemStore()
	ledger := &memLedger{result: ratelimit.Result{Allowed: true}}
	gen := &memGenerator{fragments: []string{"Hel", "lo"}}
	logger := zap.NewNop()

	chat := core.NewChatService(st, ledger, gen, cfg, logger)
	handler := NewAPIHandler(chat, cfg, logger)
	server := httptest.NewServer(NewRouter(handler))
	t.Cleanup(server.Close)

	token, err := auth.GenerateToken(testSecret, testEmail)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return &testEnv{server: server, store: st, ledger: ledger, token: token}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(raw)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body := strings.TrimSpace(readBody(t, resp)); body != `{"status":"ok"}` {
		t.Fatalf("body = %q", body)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	strangerToken, err := auth.GenerateToken(testSecret, otherEmail)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	wrongSecretToken, err := auth.GenerateToken("some-other-secret", testEmail)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "not.a.jwt", http.StatusUnauthorized},
		{"wrong signing secret", wrongSecretToken, http.StatusUnauthorized},
		{"email not whitelisted", strangerToken, http.StatusUnauthorized},
		{"valid principal", env.token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.request(t, http.MethodGet, "/conversations", tt.token, nil)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want == http.StatusUnauthorized {
				var body map[string]string
				decodeBody(t, resp, &body)
				if body["error"] != "Unauthorized" {
					t.Fatalf(`error = %q, want "Unauthorized"`, body["error"])
				}
			} else {
				resp.Body.Close()
			}
		})
	}
}

func TestChatHandlerValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name      string
		body      map[string]any
		wantError string
	}{
		{
			"no messages",
			map[string]any{"messages": []any{}},
			"No messages provided",
		},
		{
			"empty message",
			map[string]any{"messages": []map[string]string{{"role": "user", "content": "   "}}},
			"Empty message",
		},
		{
			"message too long",
			map[string]any{"messages": []map[string]string{{"role": "user", "content": strings.Repeat("a", core.MaxMessageLength+1)}}},
			fmt.Sprintf("Message too long (max %d characters)", core.MaxMessageLength),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.request(t, http.MethodPost, "/chat", env.token, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			var body map[string]string
			decodeBody(t, resp, &body)
			if body["error"] != tt.wantError {
				t.Fatalf("error = %q, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestChatHandlerRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.result = ratelimit.Result{
		Allowed: false, Reason: ratelimit.ReasonPerMinute, RetryAfter: 60,
	}

	body := map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}}
	resp := env.request(t, http.MethodPost, "/chat", env.token, body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q, want %q", got, "60")
	}

	var payload struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retryAfter"`
	}
	decodeBody(t, resp, &payload)
	if payload.Error != "Rate limit exceeded" {
		t.Fatalf("error = %q", payload.Error)
	}
	if payload.Message != "Too many requests. Please try again later." {
		t.Fatalf("message = %q", payload.Message)
	}
	if payload.RetryAfter != 60 {
		t.Fatalf("retryAfter = %d, want 60", payload.RetryAfter)
	}
}

func TestChatHandlerStreamsPlainText(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}}
	resp := env.request(t, http.MethodPost, "/chat", env.token, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
	if got := readBody(t, resp); got != "Hello" {
		t.Fatalf("body = %q, want %q", got, "Hello")
	}
}

func TestChatHandlerBadJSON(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/chat", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["error"] != "Invalid request body" {
		t.Fatalf("error = %q", body["error"])
	}
}

func TestConversationLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	// Create with the default title.
	resp := env.request(t, http.MethodPost, "/conversations", env.token, map[string]string{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var conv store.Conversation
	decodeBody(t, resp, &conv)
	if conv.Title != store.DefaultTitle {
		t.Fatalf("title = %q, want %q", conv.Title, store.DefaultTitle)
	}
	convPath := "/conversations/" + conv.ID.Hex()

	// Append a user turn.
	resp = env.request(t, http.MethodPost, convPath+"/turns", env.token,
		map[string]string{"role": "user", "content": "first question"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("turn status = %d, want 201", resp.StatusCode)
	}
	var turn store.Turn
	decodeBody(t, resp, &turn)
	if turn.Role != store.RoleUser || turn.Content != "first question" || turn.Index != 0 {
		t.Fatalf("turn = %+v", turn)
	}

	// Fetch details: conversation fields plus ordered turns.
	resp = env.request(t, http.MethodGet, convPath, env.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	var details struct {
		ID    primitive.ObjectID `json:"_id"`
		Title string             `json:"title"`
		Turns []store.Turn       `json:"turns"`
	}
	decodeBody(t, resp, &details)
	if details.ID != conv.ID {
		t.Fatalf("details id = %s, want %s", details.ID.Hex(), conv.ID.Hex())
	}
	if len(details.Turns) != 1 || details.Turns[0].Content != "first question" {
		t.Fatalf("details turns = %+v", details.Turns)
	}
	// The first user turn set a provisional title.
	if details.Title != "first question" {
		t.Fatalf("title = %q, want provisional %q", details.Title, "first question")
	}

	// Rename.
	resp = env.request(t, http.MethodPatch, convPath, env.token, map[string]string{"title": "Renamed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, want 200", resp.StatusCode)
	}
	var ok map[string]bool
	decodeBody(t, resp, &ok)
	if !ok["success"] {
		t.Fatal("patch should report success")
	}

	// Delete, then observe it is gone.
	resp = env.request(t, http.MethodDelete, convPath, env.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.request(t, http.MethodDelete, convPath, env.token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.request(t, http.MethodGet, convPath, env.token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestConversationEndpointErrors(t *testing.T) {
	env := newTestEnv(t)

	// Malformed id.
	resp := env.request(t, http.MethodGet, "/conversations/not-hex", env.token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["error"] != "Invalid conversation ID" {
		t.Fatalf("error = %q", body["error"])
	}

	// Well-formed but unknown id.
	missing := "/conversations/" + primitive.NewObjectID().Hex()
	resp = env.request(t, http.MethodGet, missing, env.token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing conversation status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	// PATCH without a title.
	created := env.request(t, http.MethodPost, "/conversations", env.token, map[string]string{})
	var conv store.Conversation
	decodeBody(t, created, &conv)
	resp = env.request(t, http.MethodPatch, "/conversations/"+conv.ID.Hex(), env.token, map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty title status = %d, want 400", resp.StatusCode)
	}
	decodeBody(t, resp, &body)
	if body["error"] != "Title is required" {
		t.Fatalf("error = %q", body["error"])
	}
}

func TestCreateTurnValidation(t *testing.T) {
	env := newTestEnv(t)
	created := env.request(t, http.MethodPost, "/conversations", env.token, map[string]string{})
	var conv store.Conversation
	decodeBody(t, created, &conv)
	turnsPath := "/conversations/" + conv.ID.Hex() + "/turns"

	tests := []struct {
		name      string
		body      map[string]string
		wantCode  int
		wantError string
	}{
		{"missing content", map[string]string{"role": "user"}, http.StatusBadRequest, "Role and content are required"},
		{"missing role", map[string]string{"content": "hi"}, http.StatusBadRequest, "Role and content are required"},
		{"unknown role", map[string]string{"role": "narrator", "content": "hi"}, http.StatusBadRequest, "Invalid role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.request(t, http.MethodPost, turnsPath, env.token, tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			var body map[string]string
			decodeBody(t, resp, &body)
			if body["error"] != tt.wantError {
				t.Fatalf("error = %q, want %q", body["error"], tt.wantError)
			}
		})
	}

	resp := env.request(t, http.MethodPost,
		"/conversations/"+primitive.NewObjectID().Hex()+"/turns", env.token,
		map[string]string{"role": "user", "content": "hi"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown conversation status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}
