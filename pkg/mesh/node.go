// Package mesh is the composition root (C6): it wires the overlay
// client, transport, device table, election coordinator, and message
// bus into one running node and owns the control-plane protocol that
// rides on the reserved "mesh" namespace.
package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jamesyong-42/truffle/internal/logging"
	"github.com/jamesyong-42/truffle/pkg/bus"
	"github.com/jamesyong-42/truffle/pkg/device"
	"github.com/jamesyong-42/truffle/pkg/election"
	"github.com/jamesyong-42/truffle/pkg/overlay"
	"github.com/jamesyong-42/truffle/pkg/storesync"
	"github.com/jamesyong-42/truffle/pkg/transport"
	"github.com/jamesyong-42/truffle/pkg/wire"
)

// DefaultAnnounceInterval is how often a running node re-announces
// itself to the mesh, in case an announce was missed by a device that
// joined late.
const DefaultAnnounceInterval = 30 * time.Second

// discoveryWarmup is how long Start waits after the sidecar reports
// running before asking it for an initial peer list. The sidecar's own
// overlay client needs a moment to populate its peer set.
const discoveryWarmup = 1 * time.Second

// Config configures one Node.
type Config struct {
	LocalDeviceID    string
	HostnamePrefix   string
	DeviceType       string
	DeviceName       string
	UserDesignated   bool
	SidecarStateDir  string
	SidecarAuthKey   string
	AnnounceInterval time.Duration
}

func (c Config) hostname() string {
	return fmt.Sprintf("%s-%s-%s", c.HostnamePrefix, c.DeviceType, c.LocalDeviceID)
}

// Node is one participant in the mesh. It composes the lower-layer
// components and implements their listener/collaborator interfaces
// directly, the teacher's habit of making the top-level type the hub
// every callback lands on instead of scattering glue closures.
type Node struct {
	cfg Config
	log logging.Logger

	client    *overlay.Client
	transport *transport.Transport
	table     *device.Table
	bus       *bus.Bus
	codec     *wire.Codec
	metrics   *Metrics

	mu           sync.Mutex
	election     *election.Coordinator
	running      bool
	listeners    []Listener
	stopAnnounce context.CancelFunc
	warmupTimer  *time.Timer
	storeSync    *storesync.Adapter
}

// AttachStoreSync wires a storesync.Adapter to this node's device
// lifecycle: newly discovered devices get an immediate snapshot
// exchange, offline devices get their slices evicted. The adapter's own
// Start/Stop are still the caller's responsibility.
func (n *Node) AttachStoreSync(a *storesync.Adapter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.storeSync = a
}

// New constructs a Node around a sidecar spawner. codec governs wire
// framing for every connection the transport manages.
func New(cfg Config, spawner overlay.Spawner, codec *wire.Codec, log logging.Logger) *Node {
	if cfg.AnnounceInterval == 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}

	local := device.Device{
		ID:             cfg.LocalDeviceID,
		Type:           cfg.DeviceType,
		Name:           cfg.DeviceName,
		Hostname:       cfg.hostname(),
		Role:           device.RoleSecondary,
		Status:         device.StatusOffline,
		UserDesignated: cfg.UserDesignated,
	}

	n := &Node{
		cfg:     cfg,
		log:     log,
		table:   device.New(cfg.HostnamePrefix, local),
		codec:   codec,
		metrics: NewMetrics(),
	}
	n.transport, n.client = transport.New(spawner, codec, log)
	n.bus = bus.New(n)

	n.transport.AddListener(n)
	n.transport.SetDeviceResolver(n.resolveDevice)
	n.transport.SetPeerListHandler(n.handlePeerList)
	n.table.AddListener(n)

	return n
}

// AddListener registers a node-level listener.
func (n *Node) AddListener(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *Node) snapshotListeners() []Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Listener, len(n.listeners))
	copy(out, n.listeners)
	return out
}

// Bus returns the node's message bus, the surface application code
// subscribes and publishes on.
func (n *Node) Bus() *bus.Bus { return n.bus }

// StoreSyncAdapter constructs a storesync.Adapter wired to this node's
// bus and local device id. Callers register Stores on it before
// calling Start, then call its Start/Stop alongside the node's.
func (n *Node) StoreSyncAdapter() *storesync.Adapter {
	return storesync.New(n.bus, n.cfg.LocalDeviceID, n.log)
}

// Table returns the device table.
func (n *Node) Table() *device.Table { return n.table }

// IsRunning reports whether Start has completed and Stop has not yet
// been called.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Start spawns the sidecar, brings the transport and device table
// online, and begins announcing this device to the mesh. It blocks
// until the sidecar reports "running" or fails.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("mesh: node already running")
	}
	startedAt := time.Now()
	n.election = election.New(n.cfg.LocalDeviceID, n.cfg.UserDesignated, startedAt, n, n)
	n.mu.Unlock()

	if err := n.client.Start(ctx, overlay.StartData{
		Hostname:       n.cfg.hostname(),
		StateDir:       n.cfg.SidecarStateDir,
		AuthKey:        n.cfg.SidecarAuthKey,
		HostnamePrefix: n.cfg.HostnamePrefix,
	}); err != nil {
		return fmt.Errorf("mesh: start sidecar: %w", err)
	}

	n.transport.Start()

	status := n.client.LastStatus()
	n.table.SetLocalOnline(status.DNSName)

	n.mu.Lock()
	n.running = true
	announceCtx, cancel := context.WithCancel(context.Background())
	n.stopAnnounce = cancel
	n.mu.Unlock()

	go n.announceLoop(announceCtx)

	n.mu.Lock()
	n.warmupTimer = time.AfterFunc(discoveryWarmup, func() {
		if err := n.client.GetPeers(); err != nil {
			n.log.Warnf("mesh: initial getPeers failed: %v", err)
		}
	})
	n.mu.Unlock()

	// Nothing on the mesh has told this device about an existing
	// primary yet. Start a round now; a device:list or election:result
	// that arrives afterward supersedes it via SetPrimary or
	// HandleElectionResult.
	n.election.HandleNoPrimaryOnStartup()

	n.broadcastAnnounce()

	return nil
}

// Stop announces departure, tears down the transport and sidecar, and
// marks the node stopped. Calling Stop on a node that never started
// successfully is safe.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	if n.stopAnnounce != nil {
		n.stopAnnounce()
	}
	if n.warmupTimer != nil {
		n.warmupTimer.Stop()
	}
	el := n.election
	n.mu.Unlock()

	n.bus.Broadcast(wire.MeshNamespace, EnvelopeTypeMessage, MeshMessage{
		Type:      MsgDeviceGoodbye,
		From:      n.cfg.LocalDeviceID,
		Timestamp: time.Now(),
	})

	n.transport.Stop()
	if err := n.client.Stop(ctx); err != nil {
		return fmt.Errorf("mesh: stop sidecar: %w", err)
	}
	n.table.SetLocalOffline()
	if el != nil {
		el.Reset()
	}
	return nil
}

func (n *Node) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.broadcastAnnounce()
		}
	}
}

func (n *Node) broadcastAnnounce() {
	local := n.table.Local()
	n.bus.Broadcast(wire.MeshNamespace, EnvelopeTypeMessage, MeshMessage{
		Type:      MsgDeviceAnnounce,
		From:      n.cfg.LocalDeviceID,
		Payload:   deviceAnnouncePayload{Device: toWire(local)},
		Timestamp: time.Now(),
	})
}

func (n *Node) resolveDevice(deviceID string) (hostname, dnsName string, port int, ok bool) {
	d, found := n.table.GetDeviceByID(deviceID)
	if !found {
		return "", "", 0, false
	}
	return d.Hostname, d.DNSName, 0, true
}

func (n *Node) handlePeerList(peers []overlay.PeerInfo) {
	for _, p := range peers {
		n.table.AddDiscoveredPeer(device.PeerInfo{Hostname: p.Hostname, DNSName: p.DNSName})
	}
}

func toWire(d device.Device) deviceWire {
	return deviceWire{
		ID:             d.ID,
		Type:           d.Type,
		Name:           d.Name,
		Hostname:       d.Hostname,
		DNSName:        d.DNSName,
		Role:           string(d.Role),
		Status:         string(d.Status),
		UserDesignated: d.UserDesignated,
		Metadata:       d.Metadata,
	}
}

func fromWire(w deviceWire) device.Device {
	return device.Device{
		ID:             w.ID,
		Type:           w.Type,
		Name:           w.Name,
		Hostname:       w.Hostname,
		DNSName:        w.DNSName,
		Role:           device.Role(w.Role),
		Status:         device.Status(w.Status),
		UserDesignated: w.UserDesignated,
		Metadata:       w.Metadata,
	}
}
