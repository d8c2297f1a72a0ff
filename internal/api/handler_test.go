package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/ashureev/mqol-labs/internal/identity"
	"github.com/ashureev/mqol-labs/internal/llm/llmtest"
	"github.com/ashureev/mqol-labs/internal/questionbank"
	"github.com/ashureev/mqol-labs/internal/session"
	"github.com/ashureev/mqol-labs/internal/store"
	"github.com/ashureev/mqol-labs/internal/workflow"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUserHeader = "X-Test-User"

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const greetingReply = `{"ask_next":"您好，先告诉我怎么称呼您吧？"}`

const profileReply = `{"empathic_opening":"谢谢你愿意分享。",
"updated_fields":{"nickname":"小林","gender":"女","age":"34","marital_status":"在婚",
"marriage_type":"初婚","marriage_duration_years":"6","spouse_age":"36","spouse_occupation":"工程师",
"spouse_prior_marriage":"否","children_count":0},
"closing":"我们开始聊聊你最近的困扰吧。"}`

func scriptedClient() *llmtest.Scripted {
	return llmtest.New().
		On("TASK: receptionist", greetingReply, profileReply).
		On("TASK: problem_exploration", `{"empathic_reply":"听起来很辛苦。","new_notes":["沟通不畅"]}`).
		On("TASK: intent_recognition", `{"intents":["沟通"],"primary_intent":"沟通","confidence_score":0.9}`).
		On("TASK: interviewer", `{"question":"最近你们聊天顺畅吗？"}`).
		On("TASK: scorer", `{"score":4,"confidence":0.9}`).
		On("TASK: report_writer", `{"summary":"整体良好。"}`)
}

type fixture struct {
	repo    store.Repository
	hub     *events.Hub
	svc     *session.Service
	handler *Handler
	router  http.Handler
}

// newFixture wires the handler over a SQLite store. engine may be nil to use
// the workflow engine with a scripted model.
func newFixture(t *testing.T, engine session.Invoker) *fixture {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	hub := events.NewHub(0, 0, discardLogger)
	if engine == nil {
		bank := &questionbank.Bank{
			Name:    "api_test",
			Version: "1.0.0",
			Source:  "test",
			Dimensions: []questionbank.Dimension{
				{Key: "communication", Name: "沟通", Items: []questionbank.Item{
					{ID: "C1", Text: "我们能坦诚交流。", Weight: 1},
					{ID: "C2", Text: "我们经常话不投机。", Reverse: true, Weight: 1},
				}},
			},
		}
		e, err := workflow.NewEngine(workflow.Deps{
			LLM:     scriptedClient(),
			Bank:    questionbank.Static(bank),
			Emitter: hub,
			Logger:  discardLogger,
		})
		require.NoError(t, err)
		engine = e
	}

	svc, err := session.New(session.Options{
		Repo:    repo,
		Engine:  engine,
		Emitter: hub,
		Pruner:  hub,
		Logger:  discardLogger,
	})
	require.NoError(t, err)

	h := NewHandler(svc, hub, nil)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if uid := r.Header.Get(testUserHeader); uid != "" {
				r = r.WithContext(identity.WithUser(r.Context(), uid))
			}
			next.ServeHTTP(w, r)
		})
	})
	h.RegisterRoutes(r)

	return &fixture{repo: repo, hub: hub, svc: svc, handler: h, router: r}
}

func (f *fixture) do(t *testing.T, method, path, user, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) create(t *testing.T, user string) TurnResponse {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/sessions", user, "", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp TurnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func turnPath(id string) string { return "/api/sessions/" + id + "/turns" }

func TestJSON(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var got map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "bar", got["foo"])
}

func TestRequiresUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/api/sessions", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateTurnAndList(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	created := f.create(t, "anon_a")
	require.NotEmpty(t, created.SessionID)
	require.Len(t, created.Messages, 1)
	assert.Equal(t, domain.RoleAssistant, created.Messages[0].Role)
	assert.Equal(t, string(domain.SessionActive), created.Status)

	w := f.do(t, http.MethodPost, turnPath(created.SessionID), "anon_a", `{"message":"我是小林"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var turn TurnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &turn))
	require.NotNil(t, turn.State.CurrentQuestion)
	assert.Equal(t, "C1", turn.State.CurrentQuestion.QuestionID)
	assert.Greater(t, turn.State.Version, created.State.Version)
	assert.NotEmpty(t, turn.Messages)

	w = f.do(t, http.MethodGet, "/api/sessions", "anon_a", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, created.SessionID, list.Sessions[0].SessionID)
	assert.Equal(t, 2, list.Sessions[0].PlanLen)

	w = f.do(t, http.MethodGet, "/api/sessions/"+created.SessionID, "anon_a", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sess domain.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, turn.State.Version, sess.Version)
}

func TestForeignSessionIsNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	created := f.create(t, "anon_owner")

	for _, path := range []string{
		"/api/sessions/" + created.SessionID,
		"/api/sessions/" + created.SessionID + "/report",
		"/api/sessions/" + created.SessionID + "/events",
		"/api/sessions/missing",
	} {
		w := f.do(t, http.MethodGet, path, "anon_other", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	w := f.do(t, http.MethodPost, turnPath(created.SessionID), "anon_other", `{"message":"你好"}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostTurnValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	created := f.create(t, "anon_a")
	f.handler.maxBodySize = 64

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: `{"message":`, want: http.StatusBadRequest},
		{name: "blank message", body: `{"message":"   "}`, want: http.StatusBadRequest},
		{name: "too large", body: `{"message":"` + strings.Repeat("x", 200) + `"}`, want: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		w := f.do(t, http.MethodPost, turnPath(created.SessionID), "anon_a", tt.body, nil)
		assert.Equal(t, tt.want, w.Code, tt.name)
	}
}

func TestPostTurnRateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	created := f.create(t, "anon_a")
	f.handler.rateLimiter.Stop()
	f.handler.rateLimiter = NewRateLimiter(1, time.Minute)

	w := f.do(t, http.MethodPost, turnPath(created.SessionID), "anon_a", `{"message":"我是小林"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, turnPath(created.SessionID), "anon_a", `{"message":"再来一次"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

// gatedEngine parks Invoke until release is closed.
type gatedEngine struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedEngine) Invoke(ctx context.Context, st domain.State, _ workflow.SessionConfig) (domain.State, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return st, ctx.Err()
	}
	st.Version++
	return st, nil
}

func TestPostTurnBusySession(t *testing.T) {
	t.Parallel()

	engine := &gatedEngine{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, engine)

	now := time.Now()
	sess := &domain.Session{
		SessionID: "s-busy",
		UserID:    "anon_a",
		Status:    domain.SessionActive,
		State:     workflow.StartState("s-busy"),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.repo.CreateSession(context.Background(), sess))

	first := make(chan int, 1)
	go func() {
		first <- f.do(t, http.MethodPost, turnPath("s-busy"), "anon_a", `{"message":"你好"}`, nil).Code
	}()
	<-engine.entered

	w := f.do(t, http.MethodPost, turnPath("s-busy"), "anon_a", `{"message":"我也在"}`, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(engine.release)
	assert.Equal(t, http.StatusOK, <-first)
}

func TestPostTurnStreamsEventsThenResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	created := f.create(t, "anon_a")

	w := f.do(t, http.MethodPost, turnPath(created.SessionID), "anon_a", `{"message":"我是小林"}`,
		http.Header{"Accept": {"text/event-stream"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	names := sseEventNames(w.Body.String())
	require.NotEmpty(t, names)
	assert.Contains(t, names, string(events.TypeStageStart))
	assert.Contains(t, names, string(events.TypeToken))
	assert.Contains(t, names, string(events.TypeState))
	assert.Equal(t, "result", names[len(names)-1])
}

func TestPostTurnStreamReportsErrorsBeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, turnPath("missing"), "anon_a", `{"message":"你好"}`,
		http.Header{"Accept": {"text/event-stream"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func sseEventNames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestStreamEventsReplaysAfterLastEventID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	created := f.create(t, "anon_a")
	history := f.hub.History(created.SessionID, 0)
	require.GreaterOrEqual(t, len(history), 2)
	after := history[0].ID

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/"+created.SessionID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(testUserHeader, "anon_a")
	req.Header.Set("Last-Event-ID", strconv.FormatInt(after, 10))

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ids []int64
	var sawRetry bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "retry: ") {
			sawRetry = true
		}
		if raw, ok := strings.CutPrefix(line, "id: "); ok {
			id, err := strconv.ParseInt(raw, 10, 64)
			require.NoError(t, err)
			ids = append(ids, id)
		}
		if line == "event: connected" {
			break
		}
	}
	require.NoError(t, scanner.Err())

	assert.True(t, sawRetry)
	require.Len(t, ids, len(history)-1)
	for i, id := range ids {
		assert.Equal(t, history[i+1].ID, id)
	}
}

func TestReportsAfterCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	created := f.create(t, "anon_a")
	id := created.SessionID
	reportPath := "/api/sessions/" + id + "/report"

	w := f.do(t, http.MethodGet, reportPath, "anon_a", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var last TurnResponse
	for _, msg := range []string{"我是小林", "挺好的", "很少话不投机"} {
		w = f.do(t, http.MethodPost, turnPath(id), "anon_a", `{"message":"`+msg+`"}`, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &last))
	}
	assert.True(t, last.State.Done)
	assert.Equal(t, string(domain.SessionCompleted), last.Status)
	assert.Equal(t, 1, last.ReportVersion)

	w = f.do(t, http.MethodGet, reportPath, "anon_a", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rv domain.ReportVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rv))
	assert.Equal(t, 1, rv.VersionNo)
	assert.Equal(t, "整体良好。", rv.Report["summary"])

	w = f.do(t, http.MethodGet, reportPath+"?version=1", "anon_a", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, reportPath+"?version=2", "anon_a", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, reportPath+"?version=abc", "anon_a", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/sessions/"+id+"/reports", "anon_a", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Reports []struct {
			VersionNo int `json:"version_no"`
		} `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Reports, 1)
	assert.Equal(t, 1, list.Reports[0].VersionNo)
}

func TestServeWSRunsTurns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	created := f.create(t, "anon_a")

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + created.SessionID + "/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{testUserHeader: {"anon_a"}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readWSType(ctx, t, conn))

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"turn","message":"我是小林"}`)))
	var sawEvent bool
	for {
		typ := readWSType(ctx, t, conn)
		if typ == "event" {
			sawEvent = true
			continue
		}
		require.Equal(t, "result", typ)
		break
	}
	assert.True(t, sawEvent, "live events precede the result")
	assert.Equal(t, 1, f.handler.conns.count())

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"turn","message":""}`)))
	assert.Equal(t, "error", readWSType(ctx, t, conn))
}

func TestServeWSRejectsForeignSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	created := f.create(t, "anon_owner")

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + created.SessionID + "/ws"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{testUserHeader: {"anon_other"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func readWSType(ctx context.Context, t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader(data)).Decode(&msg))
	return msg.Type
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()

	h := &Handler{allowedOrigin: "https://mqol.example"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://mqol.example")
	assert.True(t, h.checkOrigin(req))

	h.isDev = true
	req.Header.Set("Origin", "https://evil.example")
	assert.True(t, h.checkOrigin(req))
}

func TestLastEventID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/?lastEventId=7", nil)
	assert.Equal(t, int64(7), lastEventID(req))
	req.Header.Set("Last-Event-ID", "9")
	assert.Equal(t, int64(9), lastEventID(req))
	req.Header.Set("Last-Event-ID", "bogus")
	assert.Zero(t, lastEventID(req))
}

func TestRateLimiterWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("u"))
	assert.True(t, rl.Allow("u"))
	assert.False(t, rl.Allow("u"))
	assert.True(t, rl.Allow("other"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("u"))
}
