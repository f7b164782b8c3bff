package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"therapy-booking/internal/core"
	"therapy-booking/internal/db"
	"therapy-booking/internal/llm"
	"therapy-booking/internal/notify"
	"therapy-booking/pkg"
)

type stubLLM struct{}

func (stubLLM) Chat(context.Context, []llm.Message) (string, error) { return "ok", nil }

func (stubLLM) Summarize(_ context.Context, _ string, text string) (string, error) {
	return "Draft based on " + text, nil
}

type testEnv struct {
	srv    *httptest.Server
	server *Server
	repo   *db.Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.Open(ctx, "sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, sqlDB))

	logger := zerolog.Nop()
	repo := db.NewRepository(sqlDB)
	notifications := notify.NewService(db.NewNotificationStore(sqlDB), notify.NewHub(16), logger)
	scheduler := core.NewScheduler(repo, notifications, logger)
	server := NewServer(Dependencies{
		Repo:          repo,
		Chat:          core.NewAppointmentChat(repo, notifications, logger, core.WithTranscript(repo)),
		Intake:        core.NewIntakeChat(core.RuleResponder{}, scheduler, logger),
		Scheduler:     scheduler,
		Drafter:       core.NewNoteDrafter(stubLLM{}),
		Notifications: notifications,
	}, Options{
		AllowedOrigins: []string{"http://localhost:3000"},
		PollInterval:   7 * time.Second,
	}, logger)

	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ts.Close()
		_ = sqlDB.Close()
	})
	return &testEnv{srv: ts, server: server, repo: repo}
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) book(t *testing.T, user string) pkg.Appointment {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/appointments", nil, pkg.AppointmentCreate{UserName: user})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var a pkg.Appointment
	require.NoError(t, json.Unmarshal(body, &a))
	return a
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+path, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) pkg.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f pkg.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntil skips frames until one of type ft arrives.
func readUntil(t *testing.T, conn *websocket.Conn, ft pkg.FrameType) pkg.Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := readFrame(t, conn); f.Type == ft {
			return f
		}
	}
	t.Fatalf("no %s frame received", ft)
	return pkg.Frame{}
}

func TestAppointmentChat_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, "alice")

	user := env.dial(t, "/ws/appointment-chat/"+appt.ID+"?role=user&name=alice")
	f := readFrame(t, user)
	require.Equal(t, pkg.FrameSystem, f.Type)
	require.Equal(t, "Connected as user", f.Content)

	therapist := env.dial(t, "/ws/appointment-chat/"+appt.ID+"?role=therapist&name=dr-kim")
	require.Equal(t, "Connected as therapist", readFrame(t, therapist).Content)
	require.Equal(t, "therapist joined the session", readFrame(t, user).Content)
	require.Equal(t, core.SessionActiveNotice, readUntil(t, user, pkg.FrameSystem).Content)

	_, body := env.do(t, http.MethodGet, "/appointments/"+appt.ID, nil, nil)
	var got pkg.Appointment
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, pkg.StatusActive, got.Status)

	require.NoError(t, therapist.WriteJSON(pkg.AppointmentInbound{Content: "Hello"}))
	msg := readUntil(t, user, pkg.FrameMessage)
	require.Equal(t, pkg.RoleTherapist, msg.Sender)
	require.Equal(t, "Hello", msg.Content)

	require.NoError(t, therapist.WriteJSON(pkg.AppointmentInbound{Type: "END_SESSION"}))
	ended := readUntil(t, user, pkg.FrameSessionEnded)
	require.Equal(t, core.SessionEndedMessage, ended.Message)
	readUntil(t, therapist, pkg.FrameSessionEnded)

	require.NoError(t, user.WriteJSON(pkg.AppointmentInbound{Content: "are you there?"}))
	rej := readUntil(t, user, pkg.FrameError)
	require.Equal(t, "SessionClosed", rej.Reason)
	require.Equal(t, core.SessionClosedNotice, rej.Message)

	_, body = env.do(t, http.MethodGet, "/appointments/"+appt.ID, nil, nil)
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, pkg.StatusCompleted, got.Status)

	_, body = env.do(t, http.MethodGet, "/appointments/"+appt.ID+"/messages", nil, nil)
	var transcript []pkg.Message
	require.NoError(t, json.Unmarshal(body, &transcript))
	require.Len(t, transcript, 1)
	require.Equal(t, "Hello", transcript[0].Content)

	_, body = env.do(t, http.MethodGet, "/notifications?role=user&name=alice", nil, nil)
	var notes []pkg.Notification
	require.NoError(t, json.Unmarshal(body, &notes))
	titles := make([]string, len(notes))
	for i, n := range notes {
		titles[i] = n.Title
	}
	require.Equal(t, []string{"Session Ended", "Therapist Joined", "Appointment Scheduled"}, titles)
}

func TestAppointmentChat_OnlyTherapistActivates(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, "alice")
	status := func() pkg.AppointmentStatus {
		_, body := env.do(t, http.MethodGet, "/appointments/"+appt.ID, nil, nil)
		var got pkg.Appointment
		require.NoError(t, json.Unmarshal(body, &got))
		return got.Status
	}

	user := env.dial(t, "/ws/appointment-chat/"+appt.ID+"?role=user&name=alice")
	require.Equal(t, "Connected as user", readFrame(t, user).Content)
	require.Equal(t, pkg.StatusScheduled, status())

	therapist := env.dial(t, "/ws/appointment-chat/"+appt.ID+"?role=therapist&name=dr-kim")
	require.Equal(t, "Connected as therapist", readFrame(t, therapist).Content)
	require.Equal(t, "therapist joined the session", readFrame(t, user).Content)
	require.Equal(t, core.SessionActiveNotice, readUntil(t, user, pkg.FrameSystem).Content)
	require.Equal(t, pkg.StatusActive, status())
}

func TestAppointmentChat_RefusedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, "alice")
	base := "ws" + strings.TrimPrefix(env.srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/appointment-chat/"+appt.ID+"?role=admin", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"/ws/appointment-chat/missing?role=user", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAppointmentChat_ReconnectToEndedSession(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, "alice")

	resp, _ := env.do(t, http.MethodPost, "/appointments/"+appt.ID+"/end-session", map[string]string{"X-Role": "therapist"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	user := env.dial(t, "/ws/appointment-chat/"+appt.ID+"?role=user")
	require.Equal(t, "Connected as user", readFrame(t, user).Content)
	require.Equal(t, pkg.FrameSessionEnded, readFrame(t, user).Type)
}

func TestAppointmentChat_DuplicateConnectionSuperseded(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, "alice")
	path := "/ws/appointment-chat/" + appt.ID + "?role=user"

	first := env.dial(t, path)
	readFrame(t, first)
	second := env.dial(t, path)
	readFrame(t, second)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := first.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	therapist := env.dial(t, "/ws/appointment-chat/"+appt.ID+"?role=therapist")
	readFrame(t, therapist)
	require.NoError(t, therapist.WriteJSON(pkg.AppointmentInbound{Content: "hi"}))
	require.Equal(t, "hi", readUntil(t, second, pkg.FrameMessage).Content)
}

func TestEndSessionEndpoint(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, "alice")
	path := "/appointments/" + appt.ID + "/end-session"

	resp, _ := env.do(t, http.MethodPost, path, map[string]string{"X-Role": "user"}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	for i := 0; i < 2; i++ {
		resp, _ = env.do(t, http.MethodPost, path+"?role=therapist", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/appointments/missing/end-session", map[string]string{"X-Role": "therapist"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body := env.do(t, http.MethodGet, "/notifications?role=user&name=alice", nil, nil)
	require.Equal(t, 1, strings.Count(string(body), "Session Ended"))
}

func TestIntakeChat_BookingEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "/ws/ai-chat/S1")
	welcome := readFrame(t, conn)
	require.Equal(t, pkg.FrameAIMessage, welcome.Type)
	require.Equal(t, core.WelcomeMessage, welcome.Content)

	require.NoError(t, conn.WriteJSON(pkg.IntakeInbound{Content: "I want to book appointment", UserName: "U"}))
	echo := readFrame(t, conn)
	require.Equal(t, pkg.FrameUserMessage, echo.Type)
	booked := readFrame(t, conn)
	require.Equal(t, pkg.FrameAppointmentBooked, booked.Type)
	require.NotEmpty(t, booked.AppointmentID)

	_, body := env.do(t, http.MethodGet, "/appointments?user_name=U", nil, nil)
	var appts []pkg.Appointment
	require.NoError(t, json.Unmarshal(body, &appts))
	require.Len(t, appts, 1)
	require.Equal(t, booked.AppointmentID, appts[0].ID)
	require.Equal(t, pkg.CreatedAutomated, appts[0].CreatedFrom)
	require.Equal(t, pkg.StatusScheduled, appts[0].Status)
}

func TestNotifications_Acknowledge(t *testing.T) {
	env := newTestEnv(t)
	env.book(t, "alice")

	_, body := env.do(t, http.MethodGet, "/notifications?role=user&name=alice", nil, nil)
	var list []pkg.Notification
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	for i := 0; i < 2; i++ {
		resp, _ := env.do(t, http.MethodPost, "/notifications/"+list[0].ID+"/read", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	_, body = env.do(t, http.MethodGet, "/notifications?role=user&name=alice", nil, nil)
	require.NoError(t, json.Unmarshal(body, &list))
	require.True(t, list[0].IsRead)

	resp, _ := env.do(t, http.MethodPost, "/notifications/missing/read", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/notifications?role=admin&name=x", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = env.do(t, http.MethodGet, "/notifications?role=therapist&name=nobody", nil, nil)
	require.JSONEq(t, "[]", string(body))
}

func TestNotifications_Stream(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/notifications/stream?role=user&name=alice", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	require.Equal(t, "event: ready", lines.Text())

	env.book(t, "alice")

	var data string
	for lines.Scan() {
		if strings.HasPrefix(lines.Text(), "data: ") && lines.Text() != "data: {}" {
			data = strings.TrimPrefix(lines.Text(), "data: ")
			break
		}
	}
	var n pkg.Notification
	require.NoError(t, json.Unmarshal([]byte(data), &n))
	require.Equal(t, "Appointment Scheduled", n.Title)
	require.Equal(t, pkg.RoleUser, n.RecipientRole)
}

func TestSessionNotes(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, "alice")
	path := "/appointments/" + appt.ID + "/notes"
	therapist := map[string]string{"X-Role": "therapist", "X-User-Name": "dr-kim"}

	resp, _ := env.do(t, http.MethodGet, path, map[string]string{"X-Role": "user"}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, path, therapist, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, path, therapist, pkg.SessionNoteWrite{Notes: "x"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, path, therapist, pkg.SessionNoteWrite{Notes: "first"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var note pkg.SessionNote
	require.NoError(t, json.Unmarshal(body, &note))
	require.Equal(t, "dr-kim", note.TherapistName)

	resp, body = env.do(t, http.MethodPut, path, therapist, pkg.SessionNoteWrite{Notes: "second"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &note))
	require.Equal(t, "second", note.Notes)

	resp, _ = env.do(t, http.MethodGet, "/appointments/missing/notes", therapist, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDraftNotes(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, "alice")
	path := "/appointments/" + appt.ID + "/notes/draft"
	therapist := map[string]string{"X-Role": "therapist"}

	resp, _ := env.do(t, http.MethodPost, path, therapist, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, env.repo.AppendMessage(context.Background(), &pkg.Message{
		AppointmentID: appt.ID, Sender: pkg.RoleUser, Content: "I can't sleep", Timestamp: time.Now(),
	}))
	resp, body := env.do(t, http.MethodPost, path, therapist, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	require.Contains(t, out["draft"], "I can't sleep")
}

func TestCORSAndClientConfig(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/appointments", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = env.do(t, http.MethodGet, "/healthz", map[string]string{"Origin": "http://evil.example"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	_, body := env.do(t, http.MethodGet, "/config/client", nil, nil)
	require.JSONEq(t, `{"notification_poll_interval_ms":7000,"notification_stream":"/notifications/stream"}`, string(body))

	resp, _ = env.do(t, http.MethodGet, "/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdown_DrainsStreamsAndSockets(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, "alice")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: env.server, ReadHeaderTimeout: time.Second}
	srv.RegisterOnShutdown(env.server.Drain)
	go func() { _ = srv.Serve(ln) }()
	base := "http://" + ln.Addr().String()

	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/notifications/stream?role=user&name=alice", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	require.Equal(t, "event: ready", lines.Text())

	conn, wsResp, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/appointment-chat/"+appt.ID+"?role=user&name=alice", nil)
	require.NoError(t, err)
	wsResp.Body.Close()
	defer conn.Close()
	require.Equal(t, "Connected as user", readFrame(t, conn).Content)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, srv.Shutdown(shutdownCtx))

	for lines.Scan() {
	}
	require.NoError(t, reqCtx.Err())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
}
