package agentd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/pkg/stream"
	"github.com/coderelay/coderelay/pkg/wire"
)

// fakeHub is the hub side of one agent connection for tests.
type fakeHub struct {
	t      *testing.T
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{t: t, conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h.conns <- conn
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHub) url() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func (h *fakeHub) accept() *websocket.Conn {
	h.t.Helper()
	select {
	case conn := <-h.conns:
		return conn
	case <-time.After(5 * time.Second):
		h.t.Fatal("agent did not connect")
		return nil
	}
}

func (h *fakeHub) read(conn *websocket.Conn) *wire.Message {
	h.t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wire.Message
	require.NoError(h.t, conn.ReadJSON(&msg))
	return &msg
}

func (h *fakeHub) send(conn *websocket.Conn, msg *wire.Message) {
	h.t.Helper()
	require.NoError(h.t, conn.WriteJSON(msg))
}

// acceptRegister completes the handshake and returns the connection.
func (h *fakeHub) acceptRegister(maxWorkers int) *websocket.Conn {
	h.t.Helper()
	conn := h.accept()
	msg := h.read(conn)
	require.Equal(h.t, wire.ActionRegister, msg.Action)
	resp, err := wire.NewResponse(msg.ID, wire.ActionRegister, wire.RegisterResponse{
		AgentID:    "a1",
		MaxWorkers: maxWorkers,
	})
	require.NoError(h.t, err)
	h.send(conn, resp)
	return conn
}

// readUntilStatus skips frames until a worker:status for taskID with one of
// the wanted states arrives. Heartbeats and events pass through.
func (h *fakeHub) readUntilStatus(conn *websocket.Conn, taskID string, states ...string) wire.WorkerStatus {
	h.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msg := h.read(conn)
		if msg.Action != wire.ActionWorkerStatus {
			continue
		}
		var st wire.WorkerStatus
		require.NoError(h.t, msg.ParsePayload(&st))
		if st.TaskID != taskID {
			continue
		}
		for _, want := range states {
			if st.State == want {
				return st
			}
		}
	}
	h.t.Fatalf("no worker:status %v for %s", states, taskID)
	return wire.WorkerStatus{}
}

// shCatalog writes a tool catalog whose only tool runs a shell script.
func shCatalog(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools.yaml")
	data := "tools:\n  - name: sh-test\n    command: [\"sh\", \"-c\", " +
		"\"" + script + "\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func newTestDaemon(t *testing.T, hub *fakeHub, catalogPath string, maxWorkers int) *Daemon {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	d, err := New(&Config{
		HubURL:            hub.url(),
		AgentID:           "a1",
		Secret:            "s3cret",
		Name:              "test-agent",
		MaxWorkers:        maxWorkers,
		WorkspacesRoot:    t.TempDir(),
		ToolCatalog:       catalogPath,
		HeartbeatInterval: time.Hour, // keep heartbeats out of the frame stream
		LogLevel:          "error",
	}, log)
	require.NoError(t, err)
	return d
}

func TestRegisterHandshake(t *testing.T) {
	hub := newFakeHub(t)
	d := newTestDaemon(t, hub, "", 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.runSession(ctx) }()

	conn := hub.accept()
	msg := hub.read(conn)
	assert.Equal(t, wire.ActionRegister, msg.Action)
	assert.Equal(t, wire.MessageTypeRequest, msg.Type)

	var req wire.RegisterRequest
	require.NoError(t, msg.ParsePayload(&req))
	assert.Equal(t, "a1", req.AgentID)
	assert.Equal(t, "s3cret", req.Secret)
	assert.NotEmpty(t, req.Host.Platform)

	resp, err := wire.NewResponse(msg.ID, wire.ActionRegister, wire.RegisterResponse{AgentID: "a1", MaxWorkers: 2})
	require.NoError(t, err)
	hub.send(conn, resp)

	// Session stays up until the hub drops it.
	conn.Close()
	select {
	case err := <-done:
		assert.Error(t, err) // read error after close, triggers reconnect
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after hub close")
	}
}

func TestRegisterRejected(t *testing.T) {
	hub := newFakeHub(t)
	d := newTestDaemon(t, hub, "", 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.runSession(ctx) }()

	conn := hub.accept()
	msg := hub.read(conn)
	frame, err := wire.NewError(msg.ID, wire.ActionRegister, wire.ErrorCodeUnauthorized, "bad secret", nil)
	require.NoError(t, err)
	hub.send(conn, frame)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registration rejected")
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after rejection")
	}
}

func TestWorkerStartLifecycle(t *testing.T) {
	hub := newFakeHub(t)
	catalog := shCatalog(t, "echo '{\\\"type\\\":\\\"result\\\",\\\"result\\\":\\\"done\\\"}'")
	d := newTestDaemon(t, hub, catalog, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.runSession(ctx) }()

	conn := hub.acceptRegister(2)

	start, err := wire.NewNotification(wire.ActionWorkerStart, wire.WorkerStart{
		TaskID:     "t1",
		SessionID:  "s1",
		Tool:       "sh-test",
		WorkingDir: t.TempDir(),
	})
	require.NoError(t, err)
	hub.send(conn, start)

	hub.readUntilStatus(conn, "t1", "running")

	// The echoed result event arrives before the terminal status.
	sawEvent := false
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msg := hub.read(conn)
		if msg.Action == wire.ActionWorkerEvent {
			var ev wire.WorkerEvent
			require.NoError(t, msg.ParsePayload(&ev))
			assert.Equal(t, "t1", ev.TaskID)
			sawEvent = true
			continue
		}
		if msg.Action == wire.ActionWorkerStatus {
			var st wire.WorkerStatus
			require.NoError(t, msg.ParsePayload(&st))
			if st.State == "stopped" {
				break
			}
		}
	}
	assert.True(t, sawEvent, "expected a worker:event frame")
	assert.Equal(t, 0, d.registry.count())
}

func TestWorkerStartUnknownTool(t *testing.T) {
	hub := newFakeHub(t)
	d := newTestDaemon(t, hub, "", 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.runSession(ctx) }()

	conn := hub.acceptRegister(2)
	start, err := wire.NewNotification(wire.ActionWorkerStart, wire.WorkerStart{
		TaskID: "t1", SessionID: "s1", Tool: "no-such-tool",
	})
	require.NoError(t, err)
	hub.send(conn, start)

	st := hub.readUntilStatus(conn, "t1", "error")
	assert.Contains(t, st.Error, "unknown tool")
	assert.Equal(t, 0, d.registry.count())
}

func TestWorkerCapacityExhausted(t *testing.T) {
	hub := newFakeHub(t)
	catalog := shCatalog(t, "sleep 30")
	d := newTestDaemon(t, hub, catalog, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.runSession(ctx) }()

	conn := hub.acceptRegister(1)

	for _, taskID := range []string{"t1", "t2"} {
		start, err := wire.NewNotification(wire.ActionWorkerStart, wire.WorkerStart{
			TaskID: taskID, SessionID: "s1", Tool: "sh-test", WorkingDir: t.TempDir(),
		})
		require.NoError(t, err)
		hub.send(conn, start)
		if taskID == "t1" {
			hub.readUntilStatus(conn, "t1", "running")
		}
	}

	st := hub.readUntilStatus(conn, "t2", "error")
	assert.Contains(t, st.Error, "capacity")

	stop, err := wire.NewNotification(wire.ActionWorkerStop, wire.WorkerStop{TaskID: "t1"})
	require.NoError(t, err)
	hub.send(conn, stop)
	hub.readUntilStatus(conn, "t1", "stopped")
}

func TestWorkerInputUnknownTask(t *testing.T) {
	hub := newFakeHub(t)
	d := newTestDaemon(t, hub, "", 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.runSession(ctx) }()

	conn := hub.acceptRegister(2)
	input, err := wire.NewNotification(wire.ActionWorkerInput, wire.WorkerInput{
		TaskID: "ghost", Content: "hello",
	})
	require.NoError(t, err)
	hub.send(conn, input)

	st := hub.readUntilStatus(conn, "ghost", "error")
	assert.Contains(t, st.Error, "no such worker")
}

func TestWorkerStopUnknownTaskReportsStopped(t *testing.T) {
	hub := newFakeHub(t)
	d := newTestDaemon(t, hub, "", 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.runSession(ctx) }()

	conn := hub.acceptRegister(2)
	stop, err := wire.NewNotification(wire.ActionWorkerStop, wire.WorkerStop{TaskID: "ghost"})
	require.NoError(t, err)
	hub.send(conn, stop)

	hub.readUntilStatus(conn, "ghost", "stopped")
}

func TestRegistryCapacity(t *testing.T) {
	r := newRegistry(2)
	require.NoError(t, r.reserve())
	require.NoError(t, r.reserve())
	assert.Error(t, r.reserve())

	r.release()
	assert.NoError(t, r.reserve())
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := newRegistry(1)
	require.NoError(t, r.reserve())
	require.NoError(t, r.add("t1", nil))
	r.remove("t1")
	r.remove("t1") // second remove must not double-release
	require.NoError(t, r.reserve())
	assert.Error(t, r.reserve())
}

func TestOutboxCoalescesTrailingTextDeltas(t *testing.T) {
	o := newOutbox(1)
	o.pushEvent("t1", &stream.Event{Type: stream.EventText, Text: "hel"})
	o.pushEvent("t1", &stream.Event{Type: stream.EventText, Text: "lo"})
	require.Equal(t, 1, o.len())

	msg, err := o.pop(context.Background())
	require.NoError(t, err)
	var ev wire.WorkerEvent
	require.NoError(t, msg.ParsePayload(&ev))
	assert.Equal(t, "hello", ev.Event.Text)
}

func TestOutboxDoesNotCoalesceAcrossWorkers(t *testing.T) {
	o := newOutbox(1)
	o.pushEvent("t1", &stream.Event{Type: stream.EventText, Text: "a"})
	o.pushEvent("t2", &stream.Event{Type: stream.EventText, Text: "b"})
	assert.Equal(t, 2, o.len())
}

func TestOutboxNeverDropsControlFrames(t *testing.T) {
	o := newOutbox(1)
	for i := 0; i < 3; i++ {
		msg, err := wire.NewNotification(wire.ActionWorkerStatus, wire.WorkerStatus{TaskID: "t1", State: "running"})
		require.NoError(t, err)
		o.push(msg)
	}
	assert.Equal(t, 3, o.len())
}

func TestOutboxPreservesFIFO(t *testing.T) {
	o := newOutbox(10)
	o.pushEvent("t1", &stream.Event{Type: stream.EventText, Text: "first"})
	msg, err := wire.NewNotification(wire.ActionWorkerStatus, wire.WorkerStatus{TaskID: "t1", State: "stopped"})
	require.NoError(t, err)
	o.push(msg)

	got, err := o.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.ActionWorkerEvent, got.Action)
	got, err = o.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.ActionWorkerStatus, got.Action)
}

func TestLoadConfigRequiresIdentity(t *testing.T) {
	t.Setenv("AGENTD_AGENT_ID", "")
	t.Setenv("AGENTD_SECRET", "")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("AGENTD_AGENT_ID", "a1")
	t.Setenv("AGENTD_SECRET", "s")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "a1", cfg.AgentID)
	assert.Equal(t, 2, cfg.MaxWorkers)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
}
