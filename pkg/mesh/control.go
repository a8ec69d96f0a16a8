package mesh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jamesyong-42/truffle/pkg/bus"
	"github.com/jamesyong-42/truffle/pkg/device"
	"github.com/jamesyong-42/truffle/pkg/election"
	"github.com/jamesyong-42/truffle/pkg/transport"
	"github.com/jamesyong-42/truffle/pkg/wire"
)

// --- transport.Listener ---

// OnConnected marks nothing by itself; device identity for an outgoing
// connection is already known from Connect's deviceID, and an incoming
// connection only gains one once its first device:announce arrives.
func (n *Node) OnConnected(conn transport.Connection) {
	n.metrics.connections.Inc()
}

// OnDisconnected marks the device offline on the table once its
// connection drops, which in turn may trigger a recovery election if
// the device was primary.
func (n *Node) OnDisconnected(connID, deviceID, reason string) {
	n.metrics.connections.Dec()
	if deviceID == "" {
		return
	}
	n.table.MarkDeviceOffline(deviceID)
}

// OnFrame routes an inbound frame either to the control-plane dispatch
// (the reserved "mesh" namespace) or out to the bus for application
// namespaces.
func (n *Node) OnFrame(connID, deviceID string, env wire.Envelope) {
	if env.Namespace == wire.MeshNamespace {
		n.handleMeshEnvelope(connID, deviceID, env)
		return
	}
	n.bus.Dispatch(bus.Message{From: deviceID, ConnectionID: connID, Namespace: env.Namespace, Type: env.Type, Payload: env.Payload})
	for _, l := range n.snapshotListeners() {
		l.OnIncomingMessage(IncomingMessage{
			From:         deviceID,
			ConnectionID: connID,
			Namespace:    env.Namespace,
			Type:         env.Type,
			Payload:      env.Payload,
		})
	}
}

// OnError surfaces a transport-level error to the node's logger.
func (n *Node) OnError(err error) {
	n.log.Warnf("mesh: transport error: %v", err)
}

// --- device.Listener ---

func (n *Node) OnDeviceDiscovered(d device.Device) {
	n.log.Infof("mesh: discovered device %s (%s)", d.ID, d.Hostname)
	n.connectAndGreet(d)
}

func (n *Node) OnDeviceUpdated(device.Device) {}

// OnDeviceOffline evicts the device's replicated state. Election
// recovery is driven by OnPrimaryChanged("") instead, which the table
// fires separately when the offline device was the primary — that
// keeps "a primary was lost" a single code path regardless of whether
// it went offline, was explicitly demoted, or said goodbye.
func (n *Node) OnDeviceOffline(id string) {
	n.mu.Lock()
	sync := n.storeSync
	n.mu.Unlock()
	if sync != nil {
		sync.HandleDeviceOffline(id)
	}
}

func (n *Node) OnDevicesChanged([]device.Device) {}

// OnPrimaryChanged keeps the election coordinator and the device table
// in lockstep: an empty id means the table lost track of the primary
// (it went offline) and a recovery round should begin; a non-empty id
// means a device:list has told this device who the primary already is.
func (n *Node) OnPrimaryChanged(id string) {
	n.mu.Lock()
	el := n.election
	n.mu.Unlock()
	if el == nil {
		return
	}
	if id == "" {
		el.HandlePrimaryLost(n.table.PrimaryID())
		return
	}
	el.SetPrimary(id)
}

func (n *Node) OnLocalDeviceChanged(device.Device) {}

// --- election.Broadcaster ---

func (n *Node) BroadcastElectionStart() {
	n.bus.Broadcast(wire.MeshNamespace, EnvelopeTypeMessage, MeshMessage{
		Type:      MsgElectionStart,
		From:      n.cfg.LocalDeviceID,
		Timestamp: time.Now(),
	})
}

func (n *Node) BroadcastElectionCandidate(c election.Candidate) {
	n.bus.Broadcast(wire.MeshNamespace, EnvelopeTypeMessage, MeshMessage{
		Type: MsgElectionCandidate,
		From: n.cfg.LocalDeviceID,
		Payload: candidatePayload{
			DeviceID:       c.DeviceID,
			UptimeMs:       c.Uptime.Milliseconds(),
			UserDesignated: c.UserDesignated,
		},
		Timestamp: time.Now(),
	})
}

func (n *Node) BroadcastElectionResult(winnerID, reason string) {
	n.bus.Broadcast(wire.MeshNamespace, EnvelopeTypeMessage, MeshMessage{
		Type:      MsgElectionResult,
		From:      n.cfg.LocalDeviceID,
		Payload:   resultPayload{DeviceID: winnerID, Reason: reason},
		Timestamp: time.Now(),
	})
}

// --- election.Listener ---

// OnPrimaryDecided applies a decided primary to the device table and,
// if the local device just became primary, seeds the rest of the mesh
// with a full device:list so secondaries don't have to infer roles
// from scattered announces.
func (n *Node) OnPrimaryDecided(deviceID string) {
	local := n.table.Local()
	wasPrimary := local.Role == device.RolePrimary
	if deviceID == local.ID {
		n.table.SetLocalRole(device.RolePrimary)
	} else {
		n.table.SetLocalRole(device.RoleSecondary)
	}

	isPrimaryNow := deviceID == local.ID
	if isPrimaryNow != wasPrimary {
		n.metrics.primaryChanges.Inc()
		role := string(device.RoleSecondary)
		if isPrimaryNow {
			role = string(device.RolePrimary)
		}
		for _, l := range n.snapshotListeners() {
			l.OnRoleChanged(role)
		}
	}

	if isPrimaryNow {
		n.broadcastDeviceList(deviceID)
	}
}

func (n *Node) broadcastDeviceList(primaryID string) {
	all := n.table.All()
	wired := make([]deviceWire, 0, len(all))
	for _, d := range all {
		wired = append(wired, toWire(d))
	}
	n.bus.Broadcast(wire.MeshNamespace, EnvelopeTypeMessage, MeshMessage{
		Type:      MsgDeviceList,
		From:      n.cfg.LocalDeviceID,
		Payload:   deviceListPayload{Devices: wired, PrimaryID: primaryID},
		Timestamp: time.Now(),
	})
}

// --- bus.EnvelopeSender ---

// SendEnvelope delivers env to targetID: a loopback dispatch for the
// local device, a direct send over its connection if one exists, or a
// route:message wrapper handed to the primary for the secondary to
// relay if the target isn't directly reachable. Returns false if none
// of those paths could be taken.
func (n *Node) SendEnvelope(targetID string, env wire.Envelope) bool {
	if targetID == n.cfg.LocalDeviceID {
		n.bus.Dispatch(bus.Message{From: n.cfg.LocalDeviceID, Namespace: env.Namespace, Type: env.Type, Payload: env.Payload})
		return true
	}

	if connID, ok := n.transport.ConnectionByDevice(targetID); ok {
		frame, err := n.codec.Encode(env)
		if err != nil {
			n.log.Warnf("mesh: encode outgoing envelope: %v", err)
			return false
		}
		return n.transport.SendRaw(connID, frame)
	}

	local := n.table.Local()
	if local.Role == device.RolePrimary {
		// No direct connection and we are primary: there is no one left
		// to route through.
		return false
	}
	primaryID := n.table.PrimaryID()
	if primaryID == "" {
		return false
	}
	return n.sendRouted(primaryID, wire.Envelope{
		Namespace: wire.MeshNamespace,
		Type:      EnvelopeTypeRouteMessage,
		Payload:   RouteMessagePayload{TargetDeviceID: targetID, OriginID: n.cfg.LocalDeviceID, Envelope: env},
	})
}

// BroadcastEnvelope sends env to the rest of the mesh: a primary fans
// it out directly to every connection it holds, while a secondary has
// no such fan-out to offer and routes the whole broadcast through the
// primary instead, once, rather than also blasting it down its own
// handful of direct connections and risking the primary seeing it
// twice.
func (n *Node) BroadcastEnvelope(env wire.Envelope) {
	n.bus.Dispatch(bus.Message{From: n.cfg.LocalDeviceID, Namespace: env.Namespace, Type: env.Type, Payload: env.Payload})

	local := n.table.Local()
	if local.Role == device.RolePrimary {
		frame, err := n.codec.Encode(env)
		if err != nil {
			n.log.Warnf("mesh: encode outgoing envelope: %v", err)
			return
		}
		n.transport.Broadcast(frame, n.cfg.LocalDeviceID)
		return
	}

	primaryID := n.table.PrimaryID()
	if primaryID == "" {
		return
	}
	n.sendRouted(primaryID, wire.Envelope{
		Namespace: wire.MeshNamespace,
		Type:      EnvelopeTypeRouteBroadcast,
		Payload:   RouteBroadcastPayload{OriginID: n.cfg.LocalDeviceID, Envelope: env},
	})
}

func (n *Node) sendRouted(primaryID string, routeEnv wire.Envelope) bool {
	connID, ok := n.transport.ConnectionByDevice(primaryID)
	if !ok {
		return false
	}
	frame, err := n.codec.Encode(routeEnv)
	if err != nil {
		n.log.Warnf("mesh: encode route envelope: %v", err)
		return false
	}
	return n.transport.SendRaw(connID, frame)
}

// connectAndGreet dials a newly discovered device and, once the dial
// has succeeded, announces the local device and requests
// store snapshots. The dial runs in its own goroutine: discovery
// fan-out must not block on one slow peer.
func (n *Node) connectAndGreet(d device.Device) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), transport.DialTimeout)
		defer cancel()
		if _, err := n.transport.Connect(ctx, d.ID, d.Hostname, d.DNSName, 0); err != nil {
			n.log.Warnf("mesh: connect to %s failed: %v", d.ID, err)
			return
		}
		n.broadcastAnnounce()
		n.mu.Lock()
		sync := n.storeSync
		n.mu.Unlock()
		if sync != nil {
			sync.HandleDeviceDiscovered(d.ID)
		}
	}()
}

// handleMeshEnvelope dispatches the closed control-plane vocabulary
// carried on the "mesh" namespace.
func (n *Node) handleMeshEnvelope(connID, deviceID string, env wire.Envelope) {
	switch env.Type {
	case EnvelopeTypeMessage:
		var msg MeshMessage
		if !decodePayload(env.Payload, &msg) {
			n.log.Warnf("mesh: malformed control message on %s", connID)
			return
		}
		n.handleControlMessage(connID, msg)
	case EnvelopeTypeRouteMessage:
		n.handleRouteMessage(deviceID, env.Payload)
	case EnvelopeTypeRouteBroadcast:
		n.handleRouteBroadcast(deviceID, env.Payload)
	default:
		n.log.Warnf("mesh: unknown mesh envelope type %q", env.Type)
	}
}

func (n *Node) handleControlMessage(connID string, msg MeshMessage) {
	if msg.From == n.cfg.LocalDeviceID {
		return
	}
	n.metrics.controlMessages.WithLabelValues(msg.Type).Inc()
	switch msg.Type {
	case MsgDeviceAnnounce:
		var p deviceAnnouncePayload
		if !decodePayload(msg.Payload, &p) {
			return
		}
		if err := n.table.HandleDeviceAnnounce(msg.From, device.AnnouncePayload{Device: fromWire(p.Device)}); err != nil {
			n.log.Warnf("mesh: %v", err)
			return
		}
		n.transport.SetConnectionDeviceID(connID, p.Device.ID)
	case MsgDeviceList:
		var p deviceListPayload
		if !decodePayload(msg.Payload, &p) {
			return
		}
		devices := make([]device.Device, 0, len(p.Devices))
		for _, w := range p.Devices {
			devices = append(devices, fromWire(w))
		}
		n.table.HandleDeviceList(msg.From, device.DeviceListPayload{Devices: devices, PrimaryID: p.PrimaryID})
	case MsgDeviceGoodbye:
		n.table.MarkDeviceOffline(msg.From)
	case MsgElectionStart:
		n.mu.Lock()
		el := n.election
		n.mu.Unlock()
		if el != nil {
			el.HandleElectionStart(msg.From)
		}
	case MsgElectionCandidate:
		var p candidatePayload
		if !decodePayload(msg.Payload, &p) {
			return
		}
		n.mu.Lock()
		el := n.election
		n.mu.Unlock()
		if el != nil {
			el.HandleElectionCandidate(election.Candidate{
				DeviceID:       p.DeviceID,
				Uptime:         time.Duration(p.UptimeMs) * time.Millisecond,
				UserDesignated: p.UserDesignated,
			})
		}
	case MsgElectionResult:
		var p resultPayload
		if !decodePayload(msg.Payload, &p) {
			return
		}
		n.mu.Lock()
		el := n.election
		n.mu.Unlock()
		if el != nil {
			el.HandleElectionResult(p.DeviceID, p.Reason)
		}
	default:
		n.log.Warnf("mesh: unknown control message type %q", msg.Type)
	}
}

// handleRouteMessage either completes delivery, if this device is the
// named target, or relays one hop further if it's the primary and the
// target is one of its own direct connections. Either way the envelope
// keeps OriginID rather than whatever the transport-level sender of
// this particular hop happens to be, so the target sees who actually
// sent it rather than the primary that carried it.
func (n *Node) handleRouteMessage(senderID string, payload interface{}) {
	var p RouteMessagePayload
	if !decodePayload(payload, &p) {
		return
	}
	origin := p.OriginID
	if origin == "" {
		origin = senderID
	}

	if p.TargetDeviceID == n.cfg.LocalDeviceID {
		var env wire.Envelope
		if !decodePayload(p.Envelope, &env) {
			return
		}
		n.bus.Dispatch(bus.Message{From: origin, Namespace: env.Namespace, Type: env.Type, Payload: env.Payload})
		return
	}

	if n.table.Local().Role != device.RolePrimary {
		n.log.Warnf("mesh: dropping route:message, local device is not primary")
		return
	}
	if p.TargetDeviceID == senderID {
		return
	}
	connID, ok := n.transport.ConnectionByDevice(p.TargetDeviceID)
	if !ok {
		return
	}
	n.metrics.routedMessages.Inc()

	frame, err := n.codec.Encode(wire.Envelope{
		Namespace: wire.MeshNamespace,
		Type:      EnvelopeTypeRouteMessage,
		Payload:   RouteMessagePayload{TargetDeviceID: p.TargetDeviceID, OriginID: origin, Envelope: p.Envelope},
	})
	if err != nil {
		n.log.Warnf("mesh: encode relayed route:message: %v", err)
		return
	}
	n.transport.SendRaw(connID, frame)
}

// handleRouteBroadcast surfaces a secondary's broadcast on the local
// bus, crediting OriginID rather than whichever connection carried this
// hop, and, if this device is primary, relays it on to every other
// connection so it reaches devices the original sender has no direct
// link to. A secondary that receives one has nothing further to relay:
// in the star topology only a primary ever has more than one
// connection to fan out across.
func (n *Node) handleRouteBroadcast(senderID string, payload interface{}) {
	var p RouteBroadcastPayload
	if !decodePayload(payload, &p) {
		return
	}
	origin := p.OriginID
	if origin == "" {
		origin = senderID
	}
	var env wire.Envelope
	if !decodePayload(p.Envelope, &env) {
		return
	}

	n.bus.Dispatch(bus.Message{From: origin, Namespace: env.Namespace, Type: env.Type, Payload: env.Payload})

	if n.table.Local().Role != device.RolePrimary {
		return
	}
	n.metrics.routedMessages.Inc()

	frame, err := n.codec.Encode(wire.Envelope{
		Namespace: wire.MeshNamespace,
		Type:      EnvelopeTypeRouteBroadcast,
		Payload:   RouteBroadcastPayload{OriginID: origin, Envelope: p.Envelope},
	})
	if err != nil {
		n.log.Warnf("mesh: encode relayed broadcast: %v", err)
		return
	}
	n.transport.Broadcast(frame, origin, senderID)
}

func decodePayload(payload interface{}, out interface{}) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
