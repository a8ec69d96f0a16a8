package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jamesyong-42/truffle/internal/logging"
	"github.com/jamesyong-42/truffle/pkg/overlay"
	"github.com/jamesyong-42/truffle/pkg/wire"
)

// fakeSpawner is a minimal in-process overlay.Spawner, grounded on the
// same pattern used in pkg/overlay's own tests: events are written on
// the stdout pipe, commands read off the stdin pipe.
type fakeSpawner struct {
	mu       sync.Mutex
	commands []overlay.Command
	onCmd    func(overlay.Command)
	stdoutW  *io.PipeWriter
	stdoutR  *io.PipeReader
	stderrR  *io.PipeReader
	stderrW  *io.PipeWriter
	stdinR   *io.PipeReader
	stdinW   *io.PipeWriter
	waitCh   chan error
}

func newFakeSpawner() *fakeSpawner {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	inR, inW := io.Pipe()
	return &fakeSpawner{
		stdoutW: outW, stdoutR: outR,
		stderrR: errR, stderrW: errW,
		stdinR: inR, stdinW: inW,
		waitCh: make(chan error, 1),
	}
}

func (f *fakeSpawner) Start() (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	go func() {
		scanner := bufio.NewScanner(f.stdinR)
		for scanner.Scan() {
			var cmd overlay.Command
			if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
				continue
			}
			f.mu.Lock()
			f.commands = append(f.commands, cmd)
			handler := f.onCmd
			f.mu.Unlock()
			if handler != nil {
				handler(cmd)
			}
		}
	}()
	return f.stdinW, f.stdoutR, f.stderrR, nil
}

func (f *fakeSpawner) Wait() error { return <-f.waitCh }
func (f *fakeSpawner) Kill() error {
	select {
	case f.waitCh <- nil:
	default:
	}
	return nil
}

func (f *fakeSpawner) emit(event string, data interface{}) {
	raw, _ := json.Marshal(data)
	line, _ := json.Marshal(overlay.Event{Event: event, Data: raw})
	line = append(line, '\n')
	f.stdoutW.Write(line)
}

func (f *fakeSpawner) lastCommand(name string) (overlay.Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.commands) - 1; i >= 0; i-- {
		if f.commands[i].Command == name {
			return f.commands[i], true
		}
	}
	return overlay.Command{}, false
}

func (f *fakeSpawner) countCommand(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c.Command == name {
			n++
		}
	}
	return n
}

func newTestTransport(t *testing.T) (*Transport, *fakeSpawner, *overlay.Client) {
	t.Helper()
	spawner := newFakeSpawner()
	codec := wire.NewCodec()
	transport, client := New(spawner, codec, logging.Noop())
	return transport, spawner, client
}

func startClient(t *testing.T, spawner *fakeSpawner, client *overlay.Client) {
	t.Helper()
	spawner.onCmd = func(cmd overlay.Command) {
		if cmd.Command == overlay.CmdStart {
			spawner.emit(overlay.EventStatus, overlay.StatusData{State: overlay.StateRunning})
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, overlay.StartData{Hostname: "node-a"}))
}

func TestConnectIdempotent(t *testing.T) {
	transport, spawner, client := newTestTransport(t)
	startClient(t, spawner, client)

	spawner.onCmd = func(cmd overlay.Command) {
		if cmd.Command == overlay.CmdDial {
			var d overlay.DialData
			_ = json.Unmarshal(cmd.Data, &d)
			spawner.emit(overlay.EventDialConnected, overlay.DialConnectedData{DeviceID: d.DeviceID})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id1, err := transport.Connect(ctx, "dev-b", "truffle-sensor-b", "", 0)
	require.NoError(t, err)
	require.Equal(t, "dial:dev-b", id1)

	id2, err := transport.Connect(ctx, "dev-b", "truffle-sensor-b", "", 0)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Equal(t, 1, spawner.countCommand(overlay.CmdDial))
}

func TestConnectRejectsOnDialError(t *testing.T) {
	transport, spawner, client := newTestTransport(t)
	startClient(t, spawner, client)

	spawner.onCmd = func(cmd overlay.Command) {
		if cmd.Command == overlay.CmdDial {
			var d overlay.DialData
			_ = json.Unmarshal(cmd.Data, &d)
			spawner.emit(overlay.EventDialError, overlay.DialErrorData{DeviceID: d.DeviceID, Error: "unreachable"})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := transport.Connect(ctx, "dev-c", "truffle-sensor-c", "", 0)
	require.Error(t, err)
}

func TestSendRawUnknownConnectionReturnsFalse(t *testing.T) {
	transport, spawner, client := newTestTransport(t)
	startClient(t, spawner, client)

	ok := transport.SendRaw("dial:ghost", []byte("frame"))
	require.False(t, ok)
}

func TestIncomingFrameSurfacesToListener(t *testing.T) {
	transport, spawner, client := newTestTransport(t)
	startClient(t, spawner, client)

	type captured struct {
		connID, deviceID string
		env              wire.Envelope
	}
	frames := make(chan captured, 4)
	transport.AddListener(&funcListener{onFrame: func(connID, deviceID string, env wire.Envelope) {
		frames <- captured{connID, deviceID, env}
	}})

	spawner.emit(overlay.EventWSConnect, overlay.WSConnectData{ConnectionID: "sidecar-1"})

	codec := wire.NewCodec()
	frame, err := codec.Encode(wire.Envelope{Namespace: "events", Type: "x", Payload: map[string]interface{}{"v": float64(1)}})
	require.NoError(t, err)

	spawner.emit(overlay.EventWSMessage, overlay.WSMessageData{
		ConnectionID: "sidecar-1",
		Data:         base64.StdEncoding.EncodeToString(frame),
	})

	select {
	case f := <-frames:
		require.Equal(t, "x", f.env.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestPingIsInterceptedAndAnsweredWithPong(t *testing.T) {
	transport, spawner, client := newTestTransport(t)
	startClient(t, spawner, client)

	wsMessages := make(chan overlay.WSMessageData, 4)
	spawner.onCmd = func(cmd overlay.Command) {
		if cmd.Command == overlay.CmdWSMessage {
			var d overlay.WSMessageData
			_ = json.Unmarshal(cmd.Data, &d)
			wsMessages <- d
		}
	}

	spawner.emit(overlay.EventWSConnect, overlay.WSConnectData{ConnectionID: "sidecar-2"})

	codec := wire.NewCodec()
	ping, err := codec.Encode(wire.Envelope{Namespace: wire.MeshNamespace, Type: "ping"})
	require.NoError(t, err)
	spawner.emit(overlay.EventWSMessage, overlay.WSMessageData{
		ConnectionID: "sidecar-2",
		Data:         base64.StdEncoding.EncodeToString(ping),
	})

	select {
	case d := <-wsMessages:
		raw, err := base64.StdEncoding.DecodeString(d.Data)
		require.NoError(t, err)
		decoded, ok, err := codec.Decode(raw)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "pong", decoded.Envelope.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	transport, spawner, client := newTestTransport(t)
	startClient(t, spawner, client)
	transport.heartbeatPing = 10 * time.Millisecond
	transport.heartbeatTimeout = 20 * time.Millisecond

	disconnected := make(chan string, 1)
	transport.AddListener(&funcListener{onDisconnected: func(connID, deviceID, reason string) {
		disconnected <- reason
	}})

	spawner.emit(overlay.EventWSConnect, overlay.WSConnectData{ConnectionID: "sidecar-3"})

	select {
	case reason := <-disconnected:
		require.Equal(t, "heartbeat_timeout", reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for heartbeat timeout disconnect")
	}
}

func TestScheduleReconnectWaitsBeforeFirstAttempt(t *testing.T) {
	transport, spawner, client := newTestTransport(t)
	startClient(t, spawner, client)
	transport.SetDeviceResolver(func(deviceID string) (string, string, int, bool) {
		return "truffle-sensor-d", "", 0, true
	})

	dials := make(chan time.Time, 4)
	spawner.onCmd = func(cmd overlay.Command) {
		if cmd.Command != overlay.CmdDial {
			return
		}
		dials <- time.Now()
		var d overlay.DialData
		_ = json.Unmarshal(cmd.Data, &d)
		spawner.emit(overlay.EventDialConnected, overlay.DialConnectedData{DeviceID: d.DeviceID})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := transport.Connect(ctx, "dev-d", "truffle-sensor-d", "", 0)
	require.NoError(t, err)

	select {
	case <-dials:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial dial")
	}

	disconnectedAt := time.Now()
	transport.OnDialDisconnect(overlay.DialDisconnectData{DeviceID: "dev-d"})

	select {
	case attemptAt := <-dials:
		elapsed := attemptAt.Sub(disconnectedAt)
		require.GreaterOrEqual(t, elapsed, 900*time.Millisecond, "first reconnect attempt fired before the spec's 1000ms initial delay")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect attempt")
	}
}

type funcListener struct {
	onConnected    func(Connection)
	onDisconnected func(connID, deviceID, reason string)
	onFrame        func(connID, deviceID string, env wire.Envelope)
	onError        func(error)
}

func (f *funcListener) OnConnected(c Connection) {
	if f.onConnected != nil {
		f.onConnected(c)
	}
}

func (f *funcListener) OnDisconnected(connID, deviceID, reason string) {
	if f.onDisconnected != nil {
		f.onDisconnected(connID, deviceID, reason)
	}
}

func (f *funcListener) OnFrame(connID, deviceID string, env wire.Envelope) {
	if f.onFrame != nil {
		f.onFrame(connID, deviceID, env)
	}
}

func (f *funcListener) OnError(err error) {
	if f.onError != nil {
		f.onError(err)
	}
}
