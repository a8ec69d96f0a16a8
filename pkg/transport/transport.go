// Package transport owns every stream above the overlay (C3): dialing
// devices, accepting inbound streams, heartbeating them, and scheduling
// reconnects. It is the one component that talks directly to the
// overlay.Client.
package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamesyong-42/truffle/internal/logging"
	"github.com/jamesyong-42/truffle/pkg/overlay"
	"github.com/jamesyong-42/truffle/pkg/wire"
)

// Status is a connection's closed-set lifecycle tag.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
)

const (
	// DefaultHeartbeatPing is how often a ping is sent on an idle connection.
	DefaultHeartbeatPing = 2 * time.Second
	// DefaultHeartbeatTimeout tears a connection down once activity is this stale.
	DefaultHeartbeatTimeout = 5 * time.Second
	// DialTimeout bounds how long connect() waits for dialConnected/dialError.
	DialTimeout = 10 * time.Second
	// MaxReconnectDelay caps the exponential reconnect backoff.
	MaxReconnectDelay = 30 * time.Second
)

// Connection is a read-only snapshot of one row in the transport's table.
type Connection struct {
	ID       string
	DeviceID string // empty if unbound (incoming, not yet announced)
	Outgoing bool
	Status   Status
}

// Listener observes transport-level events. Implementations must not
// block; the transport snapshots its listener set before dispatch so a
// handler may safely subscribe or unsubscribe from within a callback.
type Listener interface {
	OnConnected(conn Connection)
	OnDisconnected(connID, deviceID, reason string)
	OnFrame(connID, deviceID string, env wire.Envelope)
	OnError(err error)
}

type row struct {
	id         string
	sidecarID  string // raw sidecar-side id for incoming rows
	deviceID   string
	outgoing   bool
	status     Status
	lastActive time.Time
	dialWaiter chan error
}

// Transport implements overlay.Handler so it can be passed directly to
// overlay.NewClient as the sidecar's event sink.
type Transport struct {
	overlay.NopHandler

	client *overlay.Client
	codec  *wire.Codec
	log    logging.Logger

	heartbeatPing    time.Duration
	heartbeatTimeout time.Duration

	mu           sync.Mutex
	running      bool
	rows         map[string]*row // by connection id
	byDevice     map[string]*row // rows by bound device id (outgoing, and incoming once bound)
	sidecarIndex map[string]*row // incoming rows by sidecar-side connection id
	listeners    []Listener
	reconnect    map[string]*reconnectEntry // by device id
	heartbeat    map[string]context.CancelFunc
	resolve      func(deviceID string) (hostname, dnsName string, port int, ok bool)

	peerListHandler func([]overlay.PeerInfo)
	statusHandler   func(overlay.StatusData)
	authHandler     func(overlay.AuthRequiredData)
}

// SetPeerListHandler wires the callback invoked when the sidecar
// reports its peer list (in response to Client.GetPeers).
func (t *Transport) SetPeerListHandler(fn func([]overlay.PeerInfo)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerListHandler = fn
}

// SetStatusHandler wires the callback invoked on every sidecar status
// event, including the terminal "running" one carrying the assigned
// dnsName/IP.
func (t *Transport) SetStatusHandler(fn func(overlay.StatusData)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusHandler = fn
}

// SetAuthRequiredHandler wires the callback invoked when the sidecar
// needs interactive login.
func (t *Transport) SetAuthRequiredHandler(fn func(overlay.AuthRequiredData)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authHandler = fn
}

// OnPeers forwards the sidecar's peer list to the configured handler.
func (t *Transport) OnPeers(peers []overlay.PeerInfo) {
	t.mu.Lock()
	fn := t.peerListHandler
	t.mu.Unlock()
	if fn != nil {
		fn(peers)
	}
}

// OnStatus forwards sidecar status transitions to the configured
// handler.
func (t *Transport) OnStatus(data overlay.StatusData) {
	t.mu.Lock()
	fn := t.statusHandler
	t.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// OnAuthRequired forwards the sidecar's interactive-login request to
// the configured handler.
func (t *Transport) OnAuthRequired(data overlay.AuthRequiredData) {
	t.mu.Lock()
	fn := t.authHandler
	t.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// SetDeviceResolver wires the lookup the reconnect loop uses to recover
// a device's hostname before re-dialing. The mesh node supplies the
// device table's lookup here; without one, reconnect attempts fail
// immediately instead of dialing blind.
func (t *Transport) SetDeviceResolver(resolve func(deviceID string) (hostname, dnsName string, port int, ok bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolve = resolve
}

// New constructs a Transport around a sidecar spawner. The overlay
// client is built internally, with the Transport itself wired as its
// event handler, so there is no construction-order cycle between the
// two: callers get back both the Transport and the Client it drives.
func New(spawner overlay.Spawner, codec *wire.Codec, log logging.Logger) (*Transport, *overlay.Client) {
	t := &Transport{
		codec:            codec,
		log:              log,
		heartbeatPing:    DefaultHeartbeatPing,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		rows:             make(map[string]*row),
		byDevice:         make(map[string]*row),
		sidecarIndex:     make(map[string]*row),
		reconnect:        make(map[string]*reconnectEntry),
		heartbeat:        make(map[string]context.CancelFunc),
	}
	t.client = overlay.NewClient(spawner, t, log)
	return t, t.client
}

// AddListener registers a listener. Order of dispatch across listeners
// is registration order.
func (t *Transport) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

func (t *Transport) snapshotListeners() []Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Listener, len(t.listeners))
	copy(out, t.listeners)
	return out
}

// Start marks the transport live. It does not itself start the sidecar;
// the mesh node sequences client.Start before transport.Start.
func (t *Transport) Start() {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
}

// Stop cancels every reconnect and heartbeat timer the transport owns
// and clears its tables. It does not touch the sidecar.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.running = false
	for _, entry := range t.reconnect {
		entry.cancel()
	}
	t.reconnect = make(map[string]*reconnectEntry)
	for _, cancel := range t.heartbeat {
		cancel()
	}
	t.heartbeat = make(map[string]context.CancelFunc)
	t.rows = make(map[string]*row)
	t.byDevice = make(map[string]*row)
	t.sidecarIndex = make(map[string]*row)
	t.mu.Unlock()
}

// Connections returns a snapshot of every known connection.
func (t *Transport) Connections() []Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Connection, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, snapshot(r))
	}
	return out
}

func snapshot(r *row) Connection {
	return Connection{ID: r.id, DeviceID: r.deviceID, Outgoing: r.outgoing, Status: r.status}
}

// Connect dials deviceId, idempotently: an existing connected outgoing
// row is returned immediately and no new tsnet:dial is issued.
func (t *Transport) Connect(ctx context.Context, deviceID, hostname, dnsName string, port int) (string, error) {
	connID := "dial:" + deviceID

	t.mu.Lock()
	if existing, ok := t.rows[connID]; ok {
		if existing.status == StatusConnected {
			t.mu.Unlock()
			return connID, nil
		}
		waiter := existing.dialWaiter
		t.mu.Unlock()
		return connID, t.waitDial(ctx, waiter)
	}

	r := &row{
		id:         connID,
		deviceID:   deviceID,
		outgoing:   true,
		status:     StatusConnecting,
		lastActive: time.Now(),
		dialWaiter: make(chan error, 1),
	}
	t.rows[connID] = r
	t.byDevice[deviceID] = r
	waiter := r.dialWaiter
	t.mu.Unlock()

	if err := t.client.Dial(deviceID, hostname, dnsName, port); err != nil {
		t.mu.Lock()
		delete(t.rows, connID)
		delete(t.byDevice, deviceID)
		t.mu.Unlock()
		return "", err
	}

	return connID, t.waitDial(ctx, waiter)
}

func (t *Transport) waitDial(ctx context.Context, waiter chan error) error {
	timer := time.NewTimer(DialTimeout)
	defer timer.Stop()
	select {
	case err := <-waiter:
		return err
	case <-timer.C:
		return ErrDialTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetConnectionDeviceID binds a device id to an (incoming) connection,
// atomically updating the bi-directional index.
func (t *Transport) SetConnectionDeviceID(connID, deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rows[connID]
	if !ok {
		return
	}
	r.deviceID = deviceID
	t.byDevice[deviceID] = r
}

// ConnectionByDevice returns the connection id bound to deviceID, if any.
func (t *Transport) ConnectionByDevice(deviceID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byDevice[deviceID]
	if !ok {
		return "", false
	}
	return r.id, true
}

// SendRaw sends a pre-encoded frame on connID. It requires the
// connection to be connected; returns false for unknown or unconnected
// rows rather than an error, per spec.
func (t *Transport) SendRaw(connID string, frame []byte) bool {
	t.mu.Lock()
	r, ok := t.rows[connID]
	t.mu.Unlock()
	if !ok || r.status != StatusConnected {
		return false
	}
	return t.sendFrameTo(r, frame) == nil
}

func (t *Transport) sendFrameTo(r *row, frame []byte) error {
	encoded := base64.StdEncoding.EncodeToString(frame)
	if r.outgoing {
		return t.client.DialMessage(r.deviceID, []byte(encoded))
	}
	return t.client.WSMessage(r.sidecarID, []byte(encoded))
}

// Broadcast sends frame on every connected row except the ones whose
// device id is in skip.
func (t *Transport) Broadcast(frame []byte, skip ...string) {
	skipSet := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipSet[s] = true
	}
	t.mu.Lock()
	targets := make([]*row, 0, len(t.rows))
	for _, r := range t.rows {
		if r.status == StatusConnected && r.deviceID != "" && !skipSet[r.deviceID] {
			targets = append(targets, r)
		}
	}
	t.mu.Unlock()
	for _, r := range targets {
		_ = t.sendFrameTo(r, frame)
	}
}

func (t *Transport) emitConnected(r *row) {
	snap := snapshot(r)
	for _, l := range t.snapshotListeners() {
		l.OnConnected(snap)
	}
}

func (t *Transport) emitDisconnected(connID, deviceID, reason string) {
	for _, l := range t.snapshotListeners() {
		l.OnDisconnected(connID, deviceID, reason)
	}
}

func (t *Transport) emitFrame(connID, deviceID string, env wire.Envelope) {
	for _, l := range t.snapshotListeners() {
		l.OnFrame(connID, deviceID, env)
	}
}

func (t *Transport) emitError(err error) {
	for _, l := range t.snapshotListeners() {
		l.OnError(err)
	}
}

func (t *Transport) removeRow(connID string, reason string) {
	t.mu.Lock()
	r, ok := t.rows[connID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.rows, connID)
	if r.deviceID != "" && t.byDevice[r.deviceID] == r {
		delete(t.byDevice, r.deviceID)
	}
	if r.sidecarID != "" {
		delete(t.sidecarIndex, r.sidecarID)
	}
	if cancel, ok := t.heartbeat[connID]; ok {
		cancel()
		delete(t.heartbeat, connID)
	}
	outgoing := r.outgoing
	deviceID := r.deviceID
	t.mu.Unlock()

	t.emitDisconnected(connID, deviceID, reason)

	if outgoing && deviceID != "" && reason != "service_stopped" {
		t.scheduleReconnect(deviceID)
	}
}

// --- overlay.Handler callbacks ---

// OnWSConnect handles an accepted inbound stream. The row's own id is a
// freshly generated uuid rather than the sidecar's connection id, kept
// separately as sidecarID for commands that must address the sidecar's
// own bookkeeping.
func (t *Transport) OnWSConnect(data overlay.WSConnectData) {
	connID := "incoming:" + uuid.New().String()
	r := &row{
		id:         connID,
		sidecarID:  data.ConnectionID,
		outgoing:   false,
		status:     StatusConnected,
		lastActive: time.Now(),
	}
	t.mu.Lock()
	t.rows[connID] = r
	t.sidecarIndex[data.ConnectionID] = r
	t.mu.Unlock()

	t.emitConnected(r)
	t.startHeartbeat(r)
}

// OnWSMessage handles bytes arriving on an incoming stream.
func (t *Transport) OnWSMessage(data overlay.WSMessageData) {
	t.mu.Lock()
	r, ok := t.sidecarIndex[data.ConnectionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.handleIncomingBytes(r.id, data.Data)
}

// OnWSDisconnect handles the sidecar tearing down an incoming stream.
func (t *Transport) OnWSDisconnect(data overlay.WSDisconnectData) {
	t.mu.Lock()
	r, ok := t.sidecarIndex[data.ConnectionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.removeRow(r.id, firstNonEmpty(data.Reason, "ws_disconnect"))
}

// OnDialConnected resolves a pending Connect call and marks the row
// connected.
func (t *Transport) OnDialConnected(data overlay.DialConnectedData) {
	connID := "dial:" + data.DeviceID
	t.mu.Lock()
	r, ok := t.rows[connID]
	if !ok {
		t.mu.Unlock()
		return
	}
	r.status = StatusConnected
	r.lastActive = time.Now()
	waiter := r.dialWaiter
	r.dialWaiter = nil
	t.mu.Unlock()

	t.cancelReconnect(data.DeviceID)
	if waiter != nil {
		waiter <- nil
	}
	t.emitConnected(r)
	t.startHeartbeat(r)
}

// OnDialMessage handles bytes arriving on an outgoing stream.
func (t *Transport) OnDialMessage(data overlay.DialMessageData) {
	connID := "dial:" + data.DeviceID
	t.handleIncomingBytes(connID, data.Data)
}

// OnDialDisconnect handles an outgoing stream tearing down.
func (t *Transport) OnDialDisconnect(data overlay.DialDisconnectData) {
	connID := "dial:" + data.DeviceID
	t.removeRow(connID, firstNonEmpty(data.Reason, "dial_disconnect"))
}

// OnDialError resolves a pending Connect call with an error and, if the
// row had been registered, schedules a reconnect.
func (t *Transport) OnDialError(data overlay.DialErrorData) {
	connID := "dial:" + data.DeviceID
	t.mu.Lock()
	r, ok := t.rows[connID]
	if ok {
		delete(t.rows, connID)
		delete(t.byDevice, data.DeviceID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	if r.dialWaiter != nil {
		r.dialWaiter <- fmt.Errorf("transport: dial error: %s", data.Error)
	}
	t.scheduleReconnect(data.DeviceID)
}

// OnError surfaces a transport-level sidecar error to listeners.
func (t *Transport) OnError(data overlay.ErrorData) {
	t.emitError(fmt.Errorf("overlay: %s", data.Error))
}

func (t *Transport) handleIncomingBytes(connID, encoded string) {
	t.mu.Lock()
	r, ok := t.rows[connID]
	t.mu.Unlock()
	if !ok {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.emitError(fmt.Errorf("transport: malformed frame on %s: %w", connID, err))
		return
	}

	decoded, complete, err := t.codec.Decode(raw)
	if err != nil {
		t.emitError(fmt.Errorf("transport: decode error on %s: %w", connID, err))
		t.removeRow(connID, "decode_error")
		return
	}
	if !complete {
		t.emitError(fmt.Errorf("transport: truncated frame on %s", connID))
		return
	}

	t.mu.Lock()
	r.lastActive = time.Now()
	deviceID := r.deviceID
	t.mu.Unlock()

	switch decoded.Envelope.Type {
	case "ping":
		_ = t.sendFrameTo(r, t.mustEncode(wire.Envelope{Namespace: wire.MeshNamespace, Type: "pong"}))
		return
	case "pong":
		return
	}

	t.emitFrame(connID, deviceID, decoded.Envelope)
}

func (t *Transport) mustEncode(env wire.Envelope) []byte {
	frame, err := t.codec.Encode(env)
	if err != nil {
		t.log.Errorf("transport: failed to encode sentinel envelope: %v", err)
		return nil
	}
	return frame
}

func (t *Transport) startHeartbeat(r *row) {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.heartbeat[r.id] = cancel
	t.mu.Unlock()

	go t.heartbeatLoop(ctx, r)
}

func (t *Transport) heartbeatLoop(ctx context.Context, r *row) {
	ticker := time.NewTicker(t.heartbeatPing)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			idle := time.Since(r.lastActive)
			t.mu.Unlock()
			if idle > t.heartbeatTimeout {
				t.removeRow(r.id, "heartbeat_timeout")
				return
			}
			_ = t.sendFrameTo(r, t.mustEncode(wire.Envelope{Namespace: wire.MeshNamespace, Type: "ping"}))
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
