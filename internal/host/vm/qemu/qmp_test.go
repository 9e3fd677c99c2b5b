package qemu

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQMP serves a minimal QMP monitor on a unix socket.
type fakeQMP struct {
	path     string
	ln       net.Listener
	commands chan string
}

func startFakeQMP(t *testing.T, handle func(cmd qmpCommand) map[string]any) *fakeQMP {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qmp.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	f := &fakeQMP{path: path, ln: ln, commands: make(chan string, 16)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		enc := json.NewEncoder(conn)
		_ = enc.Encode(map[string]any{"QMP": map[string]any{"version": map[string]any{}}})
		dec := json.NewDecoder(conn)
		for {
			var cmd qmpCommand
			if err := dec.Decode(&cmd); err != nil {
				return
			}
			f.commands <- cmd.Execute
			// An event interleaved before the reply must not confuse the client.
			_ = enc.Encode(map[string]any{"event": "RESUME", "data": map[string]any{}})
			resp := handle(cmd)
			if resp == nil {
				continue
			}
			resp["id"] = cmd.ID
			_ = enc.Encode(resp)
		}
	}()
	return f
}

func okHandler(cmd qmpCommand) map[string]any {
	switch cmd.Execute {
	case "query-status":
		return map[string]any{"return": map[string]any{"status": "running", "running": true}}
	case "quit":
		return map[string]any{"error": map[string]any{"class": "GenericError", "desc": "nope"}}
	default:
		return map[string]any{"return": map[string]any{}}
	}
}

func TestQMPClientCommands(t *testing.T) {
	f := startFakeQMP(t, okHandler)
	ctx := context.Background()

	c, err := newQMPClient(ctx, f.path)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "qmp_capabilities", <-f.commands)

	st, err := c.QueryStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, "running", st.Status)

	require.NoError(t, c.Powerdown(ctx))
	assert.Equal(t, "query-status", <-f.commands)
	assert.Equal(t, "system_powerdown", <-f.commands)

	err = c.Quit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GenericError: nope")
}

func TestQMPClientTimeout(t *testing.T) {
	f := startFakeQMP(t, func(cmd qmpCommand) map[string]any {
		if cmd.Execute == "system_powerdown" {
			return nil
		}
		return okHandler(cmd)
	})
	ctx := context.Background()

	c, err := newQMPClient(ctx, f.path)
	require.NoError(t, err)
	defer c.Close()
	c.commandTimeout = 100 * time.Millisecond

	err = c.Powerdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")

	// The connection stays usable after a lost reply.
	_, err = c.QueryStatus(ctx)
	require.NoError(t, err)
}

func TestQMPClientClosed(t *testing.T) {
	f := startFakeQMP(t, okHandler)
	ctx := context.Background()

	c, err := newQMPClient(ctx, f.path)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.QueryStatus(ctx)
	assert.Error(t, err)
}

func TestWaitForSocketTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.sock")
	err := waitForSocket(context.Background(), path, 100*time.Millisecond)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = waitForSocket(ctx, path, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
