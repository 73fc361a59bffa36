package rpcdispatch

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
)

// terminalLogCap bounds terminal.getLog's returned output.
const terminalLogCap = 256 * 1024

// terminalSession tracks one spawned process and its captured output.
// Processes run via os/exec without a pseudo-terminal, so resize is
// accepted but has no effect: there is no terminal size for the child
// process to observe.
type terminalSession struct {
	id  string
	cmd *exec.Cmd

	mu  sync.Mutex
	log []byte

	stdin io.WriteCloser
}

func (t *terminalSession) appendLog(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = append(t.log, p...)
	if len(t.log) > terminalLogCap {
		t.log = t.log[len(t.log)-terminalLogCap:]
	}
}

func (t *terminalSession) snapshotLog() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.log))
	copy(out, t.log)
	return out
}

// TerminalHandlers implements terminal.* over spawned child processes.
type TerminalHandlers struct {
	mu       sync.Mutex
	sessions map[string]*terminalSession
}

// NewTerminalHandlers constructs the terminal.* handler set.
func NewTerminalHandlers() *TerminalHandlers {
	return &TerminalHandlers{sessions: make(map[string]*terminalSession)}
}

// Register wires terminal.* methods into d.
func (h *TerminalHandlers) Register(d *Dispatcher) {
	d.Register("terminal.start", h.start)
	d.Register("terminal.write", h.write)
	d.Register("terminal.resize", h.resize)
	d.Register("terminal.kill", h.kill)
	d.Register("terminal.getLog", h.getLog)
}

type terminalStartParams struct {
	Command          string   `json:"command"`
	Args             []string `json:"args,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
}

type terminalStartResult struct {
	TerminalID string `json:"terminalId"`
}

func (h *TerminalHandlers) start(ctx context.Context, params json.RawMessage) (any, error) {
	var p terminalStartParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}
	if p.Command == "" {
		return nil, &errors.ValidationError{Field: "command", Message: "command must not be empty"}
	}

	cmd := exec.Command(p.Command, p.Args...)
	if p.WorkingDirectory != "" {
		cmd.Dir = p.WorkingDirectory
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	session := &terminalSession{id: uuid.NewString(), cmd: cmd, stdin: stdin}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go pumpToLog(session, stdout)
	go pumpToLog(session, stderr)

	h.mu.Lock()
	h.sessions[session.id] = session
	h.mu.Unlock()

	return terminalStartResult{TerminalID: session.id}, nil
}

func pumpToLog(session *terminalSession, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			session.appendLog(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

type terminalWriteParams struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

func (h *TerminalHandlers) write(ctx context.Context, params json.RawMessage) (any, error) {
	var p terminalWriteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}

	session, err := h.lookup(p.TerminalID)
	if err != nil {
		return nil, err
	}
	if _, err := session.stdin.Write([]byte(p.Data)); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type terminalResizeParams struct {
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// resize is a documented no-op: see terminalSession's comment on why
// there is no pty to resize.
func (h *TerminalHandlers) resize(ctx context.Context, params json.RawMessage) (any, error) {
	var p terminalResizeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}
	if _, err := h.lookup(p.TerminalID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type terminalKillParams struct {
	TerminalID string `json:"terminalId"`
}

func (h *TerminalHandlers) kill(ctx context.Context, params json.RawMessage) (any, error) {
	var p terminalKillParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}

	session, err := h.lookup(p.TerminalID)
	if err != nil {
		return nil, err
	}
	if session.cmd.Process != nil {
		if err := session.cmd.Process.Kill(); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	delete(h.sessions, p.TerminalID)
	h.mu.Unlock()

	return struct{}{}, nil
}

type terminalGetLogParams struct {
	TerminalID string `json:"terminalId"`
}

type terminalGetLogResult struct {
	Log string `json:"log"`
}

func (h *TerminalHandlers) getLog(ctx context.Context, params json.RawMessage) (any, error) {
	var p terminalGetLogParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}

	session, err := h.lookup(p.TerminalID)
	if err != nil {
		return nil, err
	}
	return terminalGetLogResult{Log: string(session.snapshotLog())}, nil
}

func (h *TerminalHandlers) lookup(terminalID string) (*terminalSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	session, ok := h.sessions[terminalID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "terminal", ID: terminalID}
	}
	return session, nil
}
