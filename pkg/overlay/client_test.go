package overlay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jamesyong-42/truffle/internal/logging"
)

// fakeSpawner is an in-process stand-in for a sidecar process: the test
// writes events on the "stdout" side and reads commands off the "stdin"
// side, the same shape as the teacher's test.TestInvoker stands in for a
// real Invoker.
type fakeSpawner struct {
	mu        sync.Mutex
	commands  []Command
	stdoutW   *io.PipeWriter
	stdoutR   *io.PipeReader
	stderrR   *io.PipeReader
	stderrW   *io.PipeWriter
	stdinR    *io.PipeReader
	stdinW    *io.PipeWriter
	killed    bool
	waitCh    chan error
	cmdScanr  *bufio.Scanner
	onCommand func(Command)
}

func newFakeSpawner() *fakeSpawner {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	inR, inW := io.Pipe()
	f := &fakeSpawner{
		stdoutW: outW,
		stdoutR: outR,
		stderrR: errR,
		stderrW: errW,
		stdinR:  inR,
		stdinW:  inW,
		waitCh:  make(chan error, 1),
	}
	f.cmdScanr = bufio.NewScanner(inR)
	return f
}

func (f *fakeSpawner) Start() (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	go func() {
		for f.cmdScanr.Scan() {
			var cmd Command
			if err := json.Unmarshal(f.cmdScanr.Bytes(), &cmd); err != nil {
				continue
			}
			f.mu.Lock()
			f.commands = append(f.commands, cmd)
			handler := f.onCommand
			f.mu.Unlock()
			if handler != nil {
				handler(cmd)
			}
		}
	}()
	return f.stdinW, f.stdoutR, f.stderrR, nil
}

func (f *fakeSpawner) Wait() error {
	return <-f.waitCh
}

func (f *fakeSpawner) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	select {
	case f.waitCh <- nil:
	default:
	}
	return nil
}

func (f *fakeSpawner) emit(event string, data interface{}) {
	raw, _ := json.Marshal(data)
	line, _ := json.Marshal(Event{Event: event, Data: raw})
	line = append(line, '\n')
	f.stdoutW.Write(line)
}

func (f *fakeSpawner) sentCommands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.commands))
	copy(out, f.commands)
	return out
}

type recordingHandler struct {
	NopHandler
	mu       sync.Mutex
	statuses []StatusData
	auth     []AuthRequiredData
	peers    [][]PeerInfo
}

func (h *recordingHandler) OnStatus(d StatusData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, d)
}

func (h *recordingHandler) OnAuthRequired(d AuthRequiredData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.auth = append(h.auth, d)
}

func (h *recordingHandler) OnPeers(p []PeerInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers = append(h.peers, p)
}

func TestClientStartReachesRunning(t *testing.T) {
	spawner := newFakeSpawner()
	handler := &recordingHandler{}
	client := NewClient(spawner, handler, logging.Noop())

	spawner.onCommand = func(cmd Command) {
		if cmd.Command == CmdStart {
			spawner.emit(EventStatus, StatusData{State: StateStarting})
			spawner.emit(EventStatus, StatusData{State: StateRunning, Hostname: "node-a"})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Start(ctx, StartData{Hostname: "node-a"})
	require.NoError(t, err)
	require.Equal(t, StateRunning, client.State())

	cmds := spawner.sentCommands()
	require.Len(t, cmds, 1)
	require.Equal(t, CmdStart, cmds[0].Command)
}

func TestClientStartWaitsPastIntermediateStatus(t *testing.T) {
	spawner := newFakeSpawner()
	handler := &recordingHandler{}
	client := NewClient(spawner, handler, logging.Noop())

	const delay = 150 * time.Millisecond
	spawner.onCommand = func(cmd Command) {
		if cmd.Command == CmdStart {
			spawner.emit(EventStatus, StatusData{State: StateStarting})
			go func() {
				time.Sleep(delay)
				spawner.emit(EventStatus, StatusData{State: StateRunning, Hostname: "node-a"})
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	started := time.Now()
	err := client.Start(ctx, StartData{Hostname: "node-a"})
	elapsed := time.Since(started)

	require.NoError(t, err)
	require.GreaterOrEqual(t, elapsed, delay, "Start returned before the running event, resolving on the earlier starting status")
	require.Equal(t, StateRunning, client.State())
}

func TestClientStartSurfacesStartupError(t *testing.T) {
	spawner := newFakeSpawner()
	handler := &recordingHandler{}
	client := NewClient(spawner, handler, logging.Noop())

	spawner.onCommand = func(cmd Command) {
		if cmd.Command == CmdStart {
			spawner.emit(EventStatus, StatusData{State: StateError, Error: "boom"})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Start(ctx, StartData{Hostname: "node-a"})
	require.ErrorIs(t, err, ErrStartupError)
}

func TestClientStartTimesOut(t *testing.T) {
	spawner := newFakeSpawner()
	handler := &recordingHandler{}
	client := NewClient(spawner, handler, logging.Noop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := client.Start(ctx, StartData{Hostname: "node-a"})
	require.Error(t, err)
}

func TestClientAuthRequiredDoesNotResolveStart(t *testing.T) {
	spawner := newFakeSpawner()
	handler := &recordingHandler{}
	client := NewClient(spawner, handler, logging.Noop())

	spawner.onCommand = func(cmd Command) {
		if cmd.Command == CmdStart {
			spawner.emit(EventAuthRequired, AuthRequiredData{AuthURL: "https://example.com/auth"})
			time.Sleep(20 * time.Millisecond)
			spawner.emit(EventStatus, StatusData{State: StateRunning})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Start(ctx, StartData{Hostname: "node-a"})
	require.NoError(t, err)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.auth, 1)
	require.Equal(t, "https://example.com/auth", handler.auth[0].AuthURL)
}

func TestClientGetPeersDispatchesToHandler(t *testing.T) {
	spawner := newFakeSpawner()
	handler := &recordingHandler{}
	client := NewClient(spawner, handler, logging.Noop())

	spawner.onCommand = func(cmd Command) {
		switch cmd.Command {
		case CmdStart:
			spawner.emit(EventStatus, StatusData{State: StateRunning})
		case CmdGetPeers:
			spawner.emit(EventPeers, []PeerInfo{{ID: "dev-b", Hostname: "truffle-sensor-b", Online: true}})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, StartData{Hostname: "node-a"}))
	require.NoError(t, client.GetPeers())

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.peers) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestClientSendBeforeStartFails(t *testing.T) {
	spawner := newFakeSpawner()
	handler := &recordingHandler{}
	client := NewClient(spawner, handler, logging.Noop())

	err := client.Dial("dev-b", "truffle-sensor-b", "", 0)
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestClientStopSendsStopAndWaits(t *testing.T) {
	spawner := newFakeSpawner()
	handler := &recordingHandler{}
	client := NewClient(spawner, handler, logging.Noop())

	spawner.onCommand = func(cmd Command) {
		switch cmd.Command {
		case CmdStart:
			spawner.emit(EventStatus, StatusData{State: StateRunning})
		case CmdStop:
			spawner.waitCh <- nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, StartData{Hostname: "node-a"}))
	require.NoError(t, client.Stop(ctx))

	cmds := spawner.sentCommands()
	require.Len(t, cmds, 2)
	require.Equal(t, CmdStop, cmds[1].Command)
}

func TestClientDialMessageEncodesPayload(t *testing.T) {
	spawner := newFakeSpawner()
	handler := &recordingHandler{}
	client := NewClient(spawner, handler, logging.Noop())

	received := make(chan DialMessageData, 1)
	spawner.onCommand = func(cmd Command) {
		switch cmd.Command {
		case CmdStart:
			spawner.emit(EventStatus, StatusData{State: StateRunning})
		case CmdDialMessage:
			var d DialMessageData
			_ = json.Unmarshal(cmd.Data, &d)
			received <- d
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, StartData{Hostname: "node-a"}))
	require.NoError(t, client.DialMessage("dev-b", []byte("hello")))

	select {
	case d := <-received:
		require.Equal(t, "dev-b", d.DeviceID)
		require.Equal(t, "hello", d.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dialMessage command")
	}
}
