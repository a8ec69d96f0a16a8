package overlay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jamesyong-42/truffle/internal/logging"
)

// StartupTimeout is the default wait for the sidecar to reach "running".
const StartupTimeout = 30 * time.Second

// StopTimeout is how long Stop waits for the process to exit before it is
// force-killed.
const StopTimeout = 5 * time.Second

// Handler receives events from the sidecar. Implementations must not
// block; Client dispatches from its single reader goroutine.
type Handler interface {
	OnStatus(StatusData)
	OnAuthRequired(AuthRequiredData)
	OnPeers([]PeerInfo)
	OnWSConnect(WSConnectData)
	OnWSMessage(WSMessageData)
	OnWSDisconnect(WSDisconnectData)
	OnDialConnected(DialConnectedData)
	OnDialMessage(DialMessageData)
	OnDialDisconnect(DialDisconnectData)
	OnDialError(DialErrorData)
	OnError(ErrorData)
}

// NopHandler implements Handler with no-ops; embed it to implement only
// the callbacks a caller cares about.
type NopHandler struct{}

func (NopHandler) OnStatus(StatusData)                 {}
func (NopHandler) OnAuthRequired(AuthRequiredData)     {}
func (NopHandler) OnPeers([]PeerInfo)                  {}
func (NopHandler) OnWSConnect(WSConnectData)           {}
func (NopHandler) OnWSMessage(WSMessageData)           {}
func (NopHandler) OnWSDisconnect(WSDisconnectData)     {}
func (NopHandler) OnDialConnected(DialConnectedData)   {}
func (NopHandler) OnDialMessage(DialMessageData)       {}
func (NopHandler) OnDialDisconnect(DialDisconnectData) {}
func (NopHandler) OnDialError(DialErrorData)           {}
func (NopHandler) OnError(ErrorData)                   {}

// Client drives a sidecar process over line-delimited JSON.
type Client struct {
	spawner Spawner
	handler Handler
	log     logging.Logger

	mu         sync.Mutex
	state      State
	lastStatus StatusData
	running    bool
	stdin      io.WriteCloser

	statusWaiters []chan State
	group         *errgroup.Group
	groupCancel   context.CancelFunc
}

// NewClient constructs a Client around the given Spawner. handler
// receives every event the sidecar emits.
func NewClient(spawner Spawner, handler Handler, log logging.Logger) *Client {
	return &Client{
		spawner: spawner,
		handler: handler,
		log:     log,
		state:   StateStopped,
	}
}

// State returns the last observed sidecar lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastStatus returns the most recent tsnet:status payload, including
// the dnsName/ip the sidecar reports once running.
func (c *Client) LastStatus() StatusData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus
}

// Start launches the sidecar and blocks until it reports state "running",
// fails with ErrStartupTimeout after StartupTimeout, or fails with
// ErrStartupError if the sidecar reports state "error" first. It does not
// retry; callers wanting retrying startup semantics use StartWithBackoff.
func (c *Client) Start(ctx context.Context, data StartData) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mu.Unlock()

	stdin, stdout, stderr, err := c.spawner.Start()
	if err != nil {
		return fmt.Errorf("overlay: spawn sidecar: %w", err)
	}

	groupCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(groupCtx)

	c.mu.Lock()
	c.stdin = stdin
	c.running = true
	c.state = StateStarting
	c.group = group
	c.groupCancel = cancel
	c.mu.Unlock()

	waiter := make(chan State, 1)
	c.mu.Lock()
	c.statusWaiters = append(c.statusWaiters, waiter)
	c.mu.Unlock()

	group.Go(func() error { return c.readLoop(groupCtx, stdout) })
	group.Go(func() error { return c.readStderr(groupCtx, stderr) })

	if err := c.send(Command{Command: CmdStart}, data); err != nil {
		return fmt.Errorf("overlay: send start: %w", err)
	}

	timeout := time.NewTimer(StartupTimeout)
	defer timeout.Stop()

	for {
		select {
		case s := <-waiter:
			switch s {
			case StateRunning:
				return nil
			case StateError:
				return ErrStartupError
			}
			// Intermediate state (e.g. "starting"): dispatch already
			// drained and cleared the waiter list, so register a fresh
			// one and keep waiting for "running"/"error" within the
			// same overall StartupTimeout.
			waiter = make(chan State, 1)
			c.mu.Lock()
			c.statusWaiters = append(c.statusWaiters, waiter)
			c.mu.Unlock()
		case <-timeout.C:
			return ErrStartupTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StartWithBackoff retries Start against a sidecar binary that exits
// immediately (e.g. momentarily missing during a restart managed by
// outer infrastructure) using an exponential backoff policy. This is
// additive API: Node.Start calls Start directly, preserving the spec's
// "no retry" policy for StartupError.
func (c *Client) StartWithBackoff(ctx context.Context, data StartData, policy backoff.BackOff) error {
	return backoff.Retry(func() error {
		return c.Start(ctx, data)
	}, backoff.WithContext(policy, ctx))
}

// Stop sends tsnet:stop and waits for the process to exit, force-killing
// it after StopTimeout.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_ = c.send(Command{Command: CmdStop}, nil)

	done := make(chan error, 1)
	go func() { done <- c.spawner.Wait() }()

	select {
	case <-done:
	case <-time.After(StopTimeout):
		_ = c.spawner.Kill()
		<-done
	case <-ctx.Done():
		_ = c.spawner.Kill()
		<-done
	}

	c.mu.Lock()
	c.running = false
	c.state = StateStopped
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.groupCancel != nil {
		c.groupCancel()
	}
	group := c.group
	c.mu.Unlock()

	if group != nil {
		_ = group.Wait()
	}
	return nil
}

// GetPeers asks the sidecar for its current peer list; the response
// arrives asynchronously via Handler.OnPeers.
func (c *Client) GetPeers() error {
	return c.send(Command{Command: CmdGetPeers}, nil)
}

// Dial asks the sidecar to open an outgoing stream to a device.
func (c *Client) Dial(deviceID, hostname, dnsName string, port int) error {
	if port == 0 {
		port = DefaultDialPort
	}
	return c.send(Command{Command: CmdDial}, DialData{
		DeviceID: deviceID,
		Hostname: hostname,
		DNSName:  dnsName,
		Port:     port,
	})
}

// DialClose asks the sidecar to close an outgoing stream.
func (c *Client) DialClose(deviceID string) error {
	return c.send(Command{Command: CmdDialClose}, map[string]string{"deviceId": deviceID})
}

// DialMessage sends data on an outgoing stream.
func (c *Client) DialMessage(deviceID string, data []byte) error {
	return c.send(Command{Command: CmdDialMessage}, DialMessageData{
		DeviceID: deviceID,
		Data:     string(data),
	})
}

// WSMessage sends data on an accepted (incoming) stream.
func (c *Client) WSMessage(connectionID string, data []byte) error {
	return c.send(Command{Command: CmdWSMessage}, WSMessageData{
		ConnectionID: connectionID,
		Data:         string(data),
	})
}

func (c *Client) send(cmd Command, data interface{}) error {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return ErrNotStarted
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		cmd.Data = raw
	}

	line, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.stdin.Write(line)
	return err
}

func (c *Client) readLoop(ctx context.Context, stdout io.ReadCloser) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			c.log.Warnf("overlay: malformed event line: %v", err)
			continue
		}
		c.dispatch(event)
	}
	return scanner.Err()
}

func (c *Client) readStderr(ctx context.Context, stderr io.ReadCloser) error {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.log.Debugf("sidecar: %s", scanner.Text())
	}
	return scanner.Err()
}

func (c *Client) dispatch(event Event) {
	switch event.Event {
	case EventStatus:
		var data StatusData
		if !c.decode(event, &data) {
			return
		}
		c.mu.Lock()
		c.state = data.State
		c.lastStatus = data
		waiters := c.statusWaiters
		c.statusWaiters = nil
		c.mu.Unlock()
		for _, w := range waiters {
			select {
			case w <- data.State:
			default:
			}
		}
		c.handler.OnStatus(data)
	case EventAuthRequired:
		var data AuthRequiredData
		if c.decode(event, &data) {
			c.handler.OnAuthRequired(data)
		}
	case EventPeers:
		var data []PeerInfo
		if c.decode(event, &data) {
			c.handler.OnPeers(data)
		}
	case EventWSConnect:
		var data WSConnectData
		if c.decode(event, &data) {
			c.handler.OnWSConnect(data)
		}
	case EventWSMessage:
		var data WSMessageData
		if c.decode(event, &data) {
			c.handler.OnWSMessage(data)
		}
	case EventWSDisconnect:
		var data WSDisconnectData
		if c.decode(event, &data) {
			c.handler.OnWSDisconnect(data)
		}
	case EventDialConnected:
		var data DialConnectedData
		if c.decode(event, &data) {
			c.handler.OnDialConnected(data)
		}
	case EventDialMessage:
		var data DialMessageData
		if c.decode(event, &data) {
			c.handler.OnDialMessage(data)
		}
	case EventDialDisconnect:
		var data DialDisconnectData
		if c.decode(event, &data) {
			c.handler.OnDialDisconnect(data)
		}
	case EventDialError:
		var data DialErrorData
		if c.decode(event, &data) {
			c.handler.OnDialError(data)
		}
	case EventError:
		var data ErrorData
		if c.decode(event, &data) {
			c.handler.OnError(data)
		}
	default:
		c.log.Warnf("overlay: unknown event %q", event.Event)
	}
}

func (c *Client) decode(event Event, out interface{}) bool {
	if len(event.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(event.Data, out); err != nil {
		c.log.Warnf("overlay: malformed %s payload: %v", event.Event, err)
		return false
	}
	return true
}
