package agentd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/repository"
	"github.com/coderelay/coderelay/internal/worker"
	"github.com/coderelay/coderelay/internal/worker/tool"
	"github.com/coderelay/coderelay/pkg/stream"
	"github.com/coderelay/coderelay/pkg/wire"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second

	// sendBacklog is the outbox soft limit: past it, trailing text deltas
	// coalesce. Workers keep running across reconnects; their events wait
	// in the outbox.
	sendBacklog = 256
)

// Daemon is the agent process: one hub link, many workers.
type Daemon struct {
	cfg      *Config
	logger   *logger.Logger
	catalog  *tool.Catalog
	registry *registry

	// outbox is drained by the active session's writer. It outlives any
	// single connection so worker events survive a reconnect window.
	outbox *outbox

	// dial is swappable in tests.
	dial func(ctx context.Context) (*websocket.Conn, error)
}

// New creates a daemon from its configuration.
func New(cfg *Config, log *logger.Logger) (*Daemon, error) {
	catalog, err := tool.LoadCatalog(cfg.ToolCatalog)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   log.WithAgentID(cfg.AgentID),
		catalog:  catalog,
		registry: newRegistry(cfg.MaxWorkers),
		outbox:   newOutbox(sendBacklog),
	}
	d.dial = func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.HubURL, nil)
		return conn, err
	}
	return d, nil
}

// Run connects to the hub and serves until the context is cancelled. Lost
// connections are retried forever with exponential backoff; workers keep
// running through reconnect windows.
func (d *Daemon) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	operation := func() error {
		err := d.runSession(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		d.logger.Warn("hub connection lost, retrying",
			zap.Error(err),
			zap.Duration("next_attempt", next))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.registry.stopAll(stopCtx)

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// runSession runs one connected session: handshake, then pumps until the
// connection fails.
func (d *Daemon) runSession(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, err := d.dial(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()

	resp, err := d.register(conn)
	if err != nil {
		return err
	}
	if resp.MaxWorkers > 0 && resp.MaxWorkers != d.cfg.MaxWorkers {
		d.logger.Info("hub worker cap differs from local",
			zap.Int("local", d.cfg.MaxWorkers),
			zap.Int("hub", resp.MaxWorkers))
	}
	d.logger.Info("registered with hub", zap.String("hub_url", d.cfg.HubURL))

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- d.writePump(sessionCtx, conn)
	}()

	readErr := d.readPump(sessionCtx, conn)
	stop()
	_ = conn.Close()
	<-writeDone
	return readErr
}

// register performs the handshake: the register frame is the first frame
// on the wire and the hub's answer must arrive promptly.
func (d *Daemon) register(conn *websocket.Conn) (*wire.RegisterResponse, error) {
	hostname, _ := os.Hostname()
	req, err := wire.NewRequest(uuid.NewString(), wire.ActionRegister, wire.RegisterRequest{
		AgentID: d.cfg.AgentID,
		Name:    d.cfg.Name,
		Secret:  d.cfg.Secret,
		Host: wire.HostInfo{
			Platform: runtime.GOOS,
			Arch:     runtime.GOARCH,
			Hostname: hostname,
			CPUs:     runtime.NumCPU(),
		},
	})
	if err != nil {
		return nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var msg wire.Message
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("read register response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if msg.Type == wire.MessageTypeError {
		var ep wire.ErrorPayload
		_ = msg.ParsePayload(&ep)
		if ep.Code == wire.ErrorCodeUnauthorized || ep.Code == wire.ErrorCodeForbidden {
			// Bad credentials will not fix themselves; keep retrying slowly
			// anyway but make the cause unmistakable in the log.
			d.logger.Error("hub rejected registration", zap.String("code", ep.Code))
		}
		return nil, fmt.Errorf("registration rejected: %s", ep.Message)
	}
	if msg.Action != wire.ActionRegister {
		return nil, fmt.Errorf("unexpected handshake frame: %s", msg.Action)
	}

	var resp wire.RegisterResponse
	if err := msg.ParsePayload(&resp); err != nil {
		return nil, fmt.Errorf("parse register response: %w", err)
	}
	return &resp, nil
}

// writePump owns all writes on the connection: queued frames plus the
// heartbeat ticker.
func (d *Daemon) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	frames := make(chan *wire.Message)
	popErr := make(chan error, 1)
	go func() {
		for {
			msg, err := d.outbox.pop(ctx)
			if err != nil {
				popErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-ctx.Done():
				popErr <- ctx.Err()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-popErr:
			return err
		case msg := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return err
			}
		case <-ticker.C:
			hb, err := wire.NewNotification(wire.ActionHeartbeat, wire.Heartbeat{
				TS:          time.Now().UTC(),
				LiveWorkers: d.registry.count(),
			})
			if err != nil {
				return err
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(hb); err != nil {
				return err
			}
		}
	}
}

// readPump processes hub frames until the connection breaks.
func (d *Daemon) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		switch msg.Action {
		case wire.ActionWorkerStart:
			// Materializing a workspace can mean a full clone; never block
			// the read loop on it.
			go d.handleWorkerStart(ctx, &msg)
		case wire.ActionWorkerInput:
			d.handleWorkerInput(&msg)
		case wire.ActionWorkerStop:
			d.handleWorkerStop(&msg)
		default:
			d.logger.Warn("unknown hub action", zap.String("action", msg.Action))
		}
	}
}

// enqueue queues a control frame for the writer. Control frames are never
// dropped; only text deltas coalesce under pressure (see outbox).
func (d *Daemon) enqueue(msg *wire.Message) {
	d.outbox.push(msg)
}

func (d *Daemon) sendWorkerStatus(taskID, state, errText string) {
	msg, err := wire.NewNotification(wire.ActionWorkerStatus, wire.WorkerStatus{
		TaskID: taskID,
		State:  state,
		Error:  errText,
	})
	if err != nil {
		return
	}
	d.enqueue(msg)
}

func (d *Daemon) handleWorkerStart(ctx context.Context, msg *wire.Message) {
	var start wire.WorkerStart
	if err := msg.ParsePayload(&start); err != nil {
		d.logger.Warn("malformed worker:start payload", zap.Error(err))
		return
	}
	log := d.logger.WithWorkerID(start.TaskID).WithSessionID(start.SessionID)

	if err := d.registry.reserve(); err != nil {
		log.Warn("rejecting worker start", zap.Error(err))
		d.sendWorkerStatus(start.TaskID, "error", err.Error())
		return
	}

	spec, err := d.catalog.Get(start.Tool)
	if err != nil {
		d.registry.release()
		d.sendWorkerStatus(start.TaskID, "error", err.Error())
		return
	}

	d.sendWorkerStatus(start.TaskID, "starting", "")

	workdir := start.WorkingDir
	if start.Repo != nil {
		workdir, err = repository.Materialize(ctx, repository.MaterializeSpec{
			Type:      start.Repo.Type,
			URL:       start.Repo.URL,
			LocalPath: start.Repo.LocalPath,
			Branch:    start.Repo.Branch,
			Username:  start.Repo.Username,
			Password:  start.Repo.Password,
		}, d.cfg.WorkspacesRoot, start.TaskID, log)
		if err != nil {
			d.registry.release()
			log.Warn("workspace materialization failed", zap.Error(err))
			d.sendWorkerStatus(start.TaskID, "error", err.Error())
			return
		}
	}

	var w *worker.Worker
	w = worker.New(worker.Config{
		WorkerID:   start.TaskID,
		SessionID:  start.SessionID,
		Tool:       spec,
		WorkingDir: workdir,
		Invocation: tool.Invocation{
			Model:    start.Model,
			ResumeID: start.ResumeID,
			Prompt:   start.InitialPrompt,
		},
		OnEvent: func(ev *stream.Event) {
			d.outbox.pushEvent(start.TaskID, ev)
		},
		OnExit: func(code int, exitErr error) {
			d.registry.remove(start.TaskID)
			// A kill we asked for ends in StateStopped, not StateError.
			if exitErr != nil && w.State() == worker.StateError {
				d.sendWorkerStatus(start.TaskID, "error",
					fmt.Sprintf("exit code %d: %v", code, exitErr))
				return
			}
			d.sendWorkerStatus(start.TaskID, "stopped", "")
		},
	}, d.logger)

	if err := d.registry.add(start.TaskID, w); err != nil {
		d.registry.release()
		d.sendWorkerStatus(start.TaskID, "error", err.Error())
		return
	}
	if err := w.Start(); err != nil {
		d.registry.remove(start.TaskID)
		log.Warn("worker start failed", zap.Error(err))
		d.sendWorkerStatus(start.TaskID, "error", err.Error())
		return
	}

	log.Info("worker started", zap.String("tool", start.Tool), zap.String("workdir", workdir))
	d.sendWorkerStatus(start.TaskID, "running", "")
}

func (d *Daemon) handleWorkerInput(msg *wire.Message) {
	var input wire.WorkerInput
	if err := msg.ParsePayload(&input); err != nil {
		d.logger.Warn("malformed worker:input payload", zap.Error(err))
		return
	}
	w, ok := d.registry.get(input.TaskID)
	if !ok {
		d.sendWorkerStatus(input.TaskID, "error", "no such worker")
		return
	}
	if err := w.Input(input.Content); err != nil {
		d.logger.Warn("worker input failed",
			zap.String("task_id", input.TaskID), zap.Error(err))
		d.sendWorkerStatus(input.TaskID, "error", err.Error())
	}
}

func (d *Daemon) handleWorkerStop(msg *wire.Message) {
	var stop wire.WorkerStop
	if err := msg.ParsePayload(&stop); err != nil {
		d.logger.Warn("malformed worker:stop payload", zap.Error(err))
		return
	}
	w, ok := d.registry.get(stop.TaskID)
	if !ok {
		// Already gone; report the terminal state the hub expects.
		d.sendWorkerStatus(stop.TaskID, "stopped", "")
		return
	}
	d.sendWorkerStatus(stop.TaskID, "stopping", "")
	go func() {
		// OnExit reports the terminal status once the process dies.
		_ = w.Stop()
	}()
}
