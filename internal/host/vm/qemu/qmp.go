package qemu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
)

// qmpClient speaks the QEMU Machine Protocol over the monitor socket.
//
// Thread safety: commands are serialized by mu. A single reader goroutine
// owns the decoder; replies are handed to the waiting command through
// replies and events are logged.
type qmpClient struct {
	conn net.Conn
	dec  *json.Decoder

	mu             sync.Mutex
	nextID         uint64
	commandTimeout time.Duration

	replies  chan qmpResponse
	closed   atomic.Bool
	stop     chan struct{}
	readDone chan struct{}
}

type qmpResponse struct {
	Return json.RawMessage `json:"return,omitempty"`
	Error  *qmpError       `json:"error,omitempty"`
	ID     *uint64         `json:"id,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   map[string]any  `json:"data,omitempty"`
	QMP    json.RawMessage `json:"QMP,omitempty"`
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *qmpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Desc)
}

type qmpCommand struct {
	Execute   string         `json:"execute"`
	Arguments map[string]any `json:"arguments,omitempty"`
	ID        uint64         `json:"id"`
}

// qmpStatus matches the response from the query-status command.
type qmpStatus struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

// newQMPClient connects to socketPath, reads the greeting and enters
// command mode.
func newQMPClient(ctx context.Context, socketPath string) (*qmpClient, error) {
	if err := waitForSocket(ctx, socketPath, vmStartTimeout); err != nil {
		return nil, fmt.Errorf("QMP socket not available: %w", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to QMP socket: %w", err)
	}

	q := &qmpClient{
		conn:           conn,
		dec:            json.NewDecoder(conn),
		commandTimeout: qmpDefaultTimeout,
		replies:        make(chan qmpResponse, 1),
		stop:           make(chan struct{}),
		readDone:       make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(qmpDefaultTimeout))
	var greeting qmpResponse
	if err := q.dec.Decode(&greeting); err != nil || greeting.QMP == nil {
		_ = conn.Close()
		if err == nil {
			err = errors.New("missing QMP greeting")
		}
		return nil, fmt.Errorf("failed to read QMP greeting: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	go q.readLoop(context.WithoutCancel(ctx))

	if _, err := q.execute(ctx, "qmp_capabilities", nil); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("failed to negotiate QMP capabilities: %w", err)
	}
	log.G(ctx).Debug("qemu: connected to QMP")
	return q, nil
}

func (q *qmpClient) readLoop(ctx context.Context) {
	defer close(q.readDone)
	for {
		var msg qmpResponse
		if err := q.dec.Decode(&msg); err != nil {
			if !q.closed.Load() {
				log.G(ctx).WithError(err).Debug("qemu: QMP connection closed")
			}
			return
		}
		if msg.Event != "" {
			q.handleEvent(ctx, msg)
			continue
		}
		select {
		case q.replies <- msg:
		case <-q.stop:
			return
		}
	}
}

func (q *qmpClient) handleEvent(ctx context.Context, ev qmpResponse) {
	entry := log.G(ctx).WithField("event", ev.Event)
	switch ev.Event {
	case "GUEST_PANICKED":
		entry.WithField("data", ev.Data).Error("qemu: guest kernel panicked")
	case "SHUTDOWN", "POWERDOWN", "RESET":
		entry.WithField("data", ev.Data).Debug("qemu: guest power event")
	default:
		entry.Debug("qemu: QMP event")
	}
}

// execute sends a QMP command and waits for its reply.
func (q *qmpClient) execute(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	if q.closed.Load() {
		return nil, fmt.Errorf("QMP client closed")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	id := q.nextID
	payload, err := json.Marshal(qmpCommand{Execute: command, Arguments: args, ID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to encode QMP command %s: %w", command, err)
	}
	if _, err := q.conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("failed to send QMP command %s: %w", command, err)
	}

	timer := time.NewTimer(q.commandTimeout)
	defer timer.Stop()
	for {
		select {
		case resp := <-q.replies:
			if resp.ID == nil || *resp.ID != id {
				continue
			}
			if resp.Error != nil {
				return nil, fmt.Errorf("QMP error for %s: %w", command, resp.Error)
			}
			return resp.Return, nil
		case <-q.readDone:
			return nil, fmt.Errorf("QMP connection closed while waiting for %s", command)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("timeout (%v) waiting for QMP response to %s", q.commandTimeout, command)
		}
	}
}

// Powerdown sends an ACPI power button press.
func (q *qmpClient) Powerdown(ctx context.Context) error {
	_, err := q.execute(ctx, "system_powerdown", nil)
	return err
}

// Quit instructs QEMU to exit immediately.
func (q *qmpClient) Quit(ctx context.Context) error {
	_, err := q.execute(ctx, "quit", nil)
	return err
}

// QueryStatus returns the current VM run state.
func (q *qmpClient) QueryStatus(ctx context.Context) (*qmpStatus, error) {
	raw, err := q.execute(ctx, "query-status", nil)
	if err != nil {
		return nil, err
	}
	var st qmpStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to parse query-status response: %w", err)
	}
	return &st, nil
}

// Close closes the QMP connection and waits briefly for the reader.
func (q *qmpClient) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(q.stop)
	err := q.conn.Close()
	select {
	case <-q.readDone:
	case <-time.After(100 * time.Millisecond):
	}
	return err
}

// waitForSocket waits for a Unix socket to appear
func waitForSocket(ctx context.Context, socketPath string, timeout time.Duration) error {
	startedAt := time.Now()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}
		if time.Since(startedAt) > timeout {
			return fmt.Errorf("timeout waiting for socket: %s", socketPath)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
