package v1

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catface996/aiops-executor/internal/adapter/llm"
	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/eventlog"
	"github.com/catface996/aiops-executor/internal/executor"
	"github.com/catface996/aiops-executor/internal/scheduler"
	"github.com/catface996/aiops-executor/internal/service"
	"github.com/catface996/aiops-executor/internal/stream"
	"github.com/catface996/aiops-executor/tests/helpers"
)

const teamBody = `{
	"team_name": "incident-response",
	"sub_teams": [
		{"id": "A", "name": "collect", "agent_configs": [{"agent_id": "a", "user_prompt": "collect logs"}]},
		{"id": "B", "name": "triage", "agent_configs": [{"agent_id": "b", "user_prompt": "triage alerts"}]},
		{"id": "C", "name": "report", "agent_configs": [{"agent_id": "c", "user_prompt": "write report"}]}
	],
	"dependencies": {"C": ["A", "B"]}
}`

func newTestEcho(t *testing.T) (*echo.Echo, *service.Service) {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	events := eventlog.New(store)
	agents := executor.NewAgentExecutor(llm.NewFactory(llm.FactoryConfig{Mode: llm.ModeMock}))
	exec := executor.NewRouter(executor.NewSubTeamExecutor(agents, 0)).
		Handle(domain.NodeKindAgent, agents)
	sched := scheduler.New(store, events, exec, scheduler.Config{MaxParallel: 4, NodeTimeout: 5 * time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Shutdown(ctx)
	})
	svc := service.New(store, events, sched, stream.New(events, stream.WithPollInterval(10*time.Millisecond)))

	e := echo.New()
	NewHandler(svc).RegisterRoutes(e)
	return e, svc
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func createTeam(t *testing.T, e *echo.Echo) string {
	t.Helper()
	rec := do(e, http.MethodPost, "/teams", teamBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		TeamID string `json:"team_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.TeamID, "ht_"))
	return resp.TeamID
}

func execute(t *testing.T, e *echo.Echo, teamID, body string) string {
	t.Helper()
	rec := do(e, http.MethodPost, "/executions/"+teamID+"/execute", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		Code        int    `json:"code"`
		ExecutionID string `json:"execution_id"`
		Data        struct {
			Status    string `json:"status"`
			StreamURL string `json:"stream_url"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Code)
	assert.Equal(t, "started", resp.Data.Status)
	require.True(t, strings.HasPrefix(resp.ExecutionID, "exec_"))
	return resp.ExecutionID
}

func waitCompleted(t *testing.T, svc *service.Service, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := svc.GetExecution(context.Background(), id)
		return err == nil && v.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCreateTeamValidation(t *testing.T) {
	e, _ := newTestEcho(t)

	rec := do(e, http.MethodPost, "/teams", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cyclic := `{"team_name":"loop","sub_teams":[
		{"id":"A","agent_configs":[{"agent_id":"a"}]},
		{"id":"B","agent_configs":[{"agent_id":"b"}]}],
		"dependencies":{"A":["B"],"B":["A"]}}`
	rec = do(e, http.MethodPost, "/teams", cyclic)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "cycle")

	dangling := `{"team_name":"x","sub_teams":[{"id":"A","depends_on":["Z"],"agent_configs":[{"agent_id":"a"}]}]}`
	rec = do(e, http.MethodPost, "/teams", dangling)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTeamLifecycle(t *testing.T) {
	e, _ := newTestEcho(t)
	teamID := createTeam(t, e)

	rec := do(e, http.MethodGet, "/teams/"+teamID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "incident-response")

	rec = do(e, http.MethodGet, "/teams?page=1&page_size=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list domain.TeamList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	rec = do(e, http.MethodGet, "/teams?page=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodDelete, "/teams/"+teamID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(e, http.MethodDelete, "/teams/"+teamID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(e, http.MethodGet, "/teams/"+teamID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteUnknownTeam(t *testing.T) {
	e, _ := newTestEcho(t)
	rec := do(e, http.MethodPost, "/executions/ht_missing00/execute", `{"stream_events":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteAndInspect(t *testing.T) {
	e, svc := newTestEcho(t)
	teamID := createTeam(t, e)
	id := execute(t, e, teamID, `{"execution_config":{"stream_events":true,"save_intermediate_results":true},"input":"disk full on db-1"}`)
	waitCompleted(t, svc, id)

	rec := do(e, http.MethodGet, "/executions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view domain.ExecutionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, domain.ExecutionStatusCompleted, view.Status)
	assert.Equal(t, 100, view.Progress)
	assert.Equal(t, 3, view.TotalNodes)

	rec = do(e, http.MethodGet, "/executions/"+id+"/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var results domain.ExecutionResults
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Len(t, results.Results, 3)

	rec = do(e, http.MethodGet, "/executions?team_id="+teamID+"&status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list domain.ExecutionList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	rec = do(e, http.MethodGet, "/executions?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// a finished execution cannot be cancelled
	rec = do(e, http.MethodPost, "/executions/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(e, http.MethodDelete, "/executions/exec_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetEventsPaging(t *testing.T) {
	e, svc := newTestEcho(t)
	teamID := createTeam(t, e)
	id := execute(t, e, teamID, `{"stream_events":true}`)
	waitCompleted(t, svc, id)

	rec := do(e, http.MethodGet, "/executions/"+id+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all domain.EventPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	// started, 3x node_started, 3x node_succeeded, completed
	require.Len(t, all.Events, 8)
	assert.True(t, all.Terminal)

	rec = do(e, http.MethodGet, "/executions/"+id+"/events?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var first domain.EventPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Len(t, first.Events, 3)
	assert.False(t, first.Terminal)

	rec = do(e, http.MethodGet, "/executions/"+id+"/events?after="+first.NextCursor, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rest domain.EventPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rest))
	require.Len(t, rest.Events, 5)
	for i, ev := range rest.Events {
		assert.Equal(t, all.Events[i+3].Cursor(), ev.Cursor())
	}

	rec = do(e, http.MethodGet, "/executions/"+id+"/events?after=garbage", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type sseFrame struct {
	id    string
	event string
	data  string
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func TestStreamSSEReplayAndResume(t *testing.T) {
	e, svc := newTestEcho(t)
	teamID := createTeam(t, e)
	id := execute(t, e, teamID, `{"stream_events":true}`)
	waitCompleted(t, svc, id)

	rec := do(e, http.MethodGet, "/executions/"+id+"/stream", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 8)
	assert.Equal(t, string(domain.EventTypeExecutionStarted), frames[0].event)
	assert.Equal(t, string(domain.EventTypeExecutionCompleted), frames[7].event)

	var ev domain.Event
	require.NoError(t, json.Unmarshal([]byte(frames[3].data), &ev))
	assert.Equal(t, frames[3].id, ev.Cursor().String())
	assert.Equal(t, id, ev.ExecutionID)

	req := httptest.NewRequest(http.MethodGet, "/executions/"+id+"/stream", nil)
	req.Header.Set("Last-Event-ID", frames[3].id)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	resumed := parseSSE(t, rec.Body.String())
	require.Len(t, resumed, 4)
	for i, f := range resumed {
		assert.Equal(t, frames[i+4].id, f.id)
	}
}

func TestStreamDisabled(t *testing.T) {
	e, svc := newTestEcho(t)
	teamID := createTeam(t, e)
	id := execute(t, e, teamID, `{"stream_events":false}`)
	waitCompleted(t, svc, id)

	rec := do(e, http.MethodGet, "/executions/"+id+"/stream", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(e, http.MethodGet, "/executions/"+id+"/ws", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(e, http.MethodGet, "/executions/exec_missing/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEnabledByDefault(t *testing.T) {
	e, svc := newTestEcho(t)
	teamID := createTeam(t, e)
	for _, body := range []string{"", `{}`, `{"save_intermediate_results":true}`} {
		id := execute(t, e, teamID, body)
		waitCompleted(t, svc, id)

		rec := do(e, http.MethodGet, "/executions/"+id+"/stream", "")
		require.Equal(t, http.StatusOK, rec.Code, "body %q: %s", body, rec.Body.String())
		assert.Len(t, parseSSE(t, rec.Body.String()), 8)
	}
}

func TestStreamWebSocket(t *testing.T) {
	e, svc := newTestEcho(t)
	teamID := createTeam(t, e)
	id := execute(t, e, teamID, `{"stream_events":true}`)
	waitCompleted(t, svc, id)

	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/executions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []domain.Event
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		var ev domain.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		got = append(got, ev)
	}
	require.Len(t, got, 8)
	assert.Equal(t, domain.EventTypeExecutionCompleted, got[7].Type)
}

func TestHealth(t *testing.T) {
	e, _ := newTestEcho(t)

	rec := do(e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = do(e, http.MethodGet, "/executions/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "running_executions")
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusOf(domain.InvalidConfig("bad")))
	assert.Equal(t, http.StatusNotFound, statusOf(&domain.NotFoundError{Resource: "execution", ID: "x"}))
	assert.Equal(t, http.StatusConflict, statusOf(&domain.AlreadyTerminalError{ExecutionID: "x", Status: domain.ExecutionStatusCompleted}))
	assert.Equal(t, http.StatusConflict, statusOf(domain.ErrStreamingDisabled))
	assert.Equal(t, http.StatusConflict, statusOf(domain.ErrNotFinished))
	assert.Equal(t, http.StatusInternalServerError, statusOf(assert.AnError))
}
