package rpcdispatch

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("spawns a posix shell")
	}
}

func TestTerminalHandlers_StartWriteGetLog(t *testing.T) {
	skipOnWindows(t)
	h := NewTerminalHandlers()

	startParams, _ := json.Marshal(terminalStartParams{Command: "cat"})
	result, err := h.start(context.Background(), startParams)
	require.NoError(t, err)
	terminalID := result.(terminalStartResult).TerminalID

	writeParams, _ := json.Marshal(terminalWriteParams{TerminalID: terminalID, Data: "hello\n"})
	_, err = h.write(context.Background(), writeParams)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		getParams, _ := json.Marshal(terminalGetLogParams{TerminalID: terminalID})
		res, err := h.getLog(context.Background(), getParams)
		require.NoError(t, err)
		return res.(terminalGetLogResult).Log == "hello\n"
	}, 2*time.Second, 10*time.Millisecond)

	killParams, _ := json.Marshal(terminalKillParams{TerminalID: terminalID})
	_, err = h.kill(context.Background(), killParams)
	require.NoError(t, err)
}

func TestTerminalHandlers_ResizeIsNoOpOnKnownSession(t *testing.T) {
	skipOnWindows(t)
	h := NewTerminalHandlers()

	startParams, _ := json.Marshal(terminalStartParams{Command: "cat"})
	result, err := h.start(context.Background(), startParams)
	require.NoError(t, err)
	terminalID := result.(terminalStartResult).TerminalID
	defer func() {
		killParams, _ := json.Marshal(terminalKillParams{TerminalID: terminalID})
		h.kill(context.Background(), killParams)
	}()

	resizeParams, _ := json.Marshal(terminalResizeParams{TerminalID: terminalID, Cols: 80, Rows: 24})
	_, err = h.resize(context.Background(), resizeParams)
	require.NoError(t, err)
}

func TestTerminalHandlers_UnknownSessionIsNotFound(t *testing.T) {
	h := NewTerminalHandlers()
	params, _ := json.Marshal(terminalWriteParams{TerminalID: "missing", Data: "x"})
	_, err := h.write(context.Background(), params)
	require.Error(t, err)
}

func TestTerminalHandlers_KillRemovesSession(t *testing.T) {
	skipOnWindows(t)
	h := NewTerminalHandlers()

	startParams, _ := json.Marshal(terminalStartParams{Command: "sleep", Args: []string{"5"}})
	result, err := h.start(context.Background(), startParams)
	require.NoError(t, err)
	terminalID := result.(terminalStartResult).TerminalID

	killParams, _ := json.Marshal(terminalKillParams{TerminalID: terminalID})
	_, err = h.kill(context.Background(), killParams)
	require.NoError(t, err)

	_, err = h.kill(context.Background(), killParams)
	require.Error(t, err, "killing an already-removed session should fail lookup")
}
