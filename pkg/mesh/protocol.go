package mesh

import "time"

// Control-plane message type names, the closed set from spec.md §6/§9.
const (
	MsgDeviceAnnounce   = "device:announce"
	MsgDeviceList       = "device:list"
	MsgDeviceGoodbye    = "device:goodbye"
	MsgElectionStart    = "election:start"
	MsgElectionCandidate = "election:candidate"
	MsgElectionResult   = "election:result"
)

// Envelope type tags used on the reserved "mesh" namespace.
const (
	EnvelopeTypeMessage        = "message"
	EnvelopeTypeRouteMessage   = "route:message"
	EnvelopeTypeRouteBroadcast = "route:broadcast"
)

// MeshMessage is the control-plane payload carried by envelopes of type
// "message" on the "mesh" namespace.
type MeshMessage struct {
	Type          string      `json:"type"`
	From          string      `json:"from"`
	To            string      `json:"to,omitempty"`
	Payload       interface{} `json:"payload,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// RouteMessagePayload is carried by a "route:message" envelope.
// OriginID is the device that produced the inner envelope, carried
// explicitly because a relayed frame's transport-level sender is the
// primary, not the original author.
type RouteMessagePayload struct {
	TargetDeviceID string      `json:"targetDeviceId"`
	OriginID       string      `json:"originId"`
	Envelope       interface{} `json:"envelope"`
}

// RouteBroadcastPayload is carried by a "route:broadcast" envelope.
type RouteBroadcastPayload struct {
	OriginID string      `json:"originId"`
	Envelope interface{} `json:"envelope"`
}

// deviceAnnouncePayload is the MeshMessage.Payload shape for
// device:announce.
type deviceAnnouncePayload struct {
	Device deviceWire `json:"device"`
}

// deviceWire mirrors device.Device for wire transmission.
type deviceWire struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Name           string                 `json:"name,omitempty"`
	Hostname       string                 `json:"hostname"`
	DNSName        string                 `json:"dnsName,omitempty"`
	Role           string                 `json:"role,omitempty"`
	Status         string                 `json:"status,omitempty"`
	UserDesignated bool                   `json:"userDesignated,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

type deviceListPayload struct {
	Devices   []deviceWire `json:"devices"`
	PrimaryID string       `json:"primaryId"`
}

type candidatePayload struct {
	DeviceID       string `json:"deviceId"`
	UptimeMs       int64  `json:"uptimeMs"`
	UserDesignated bool   `json:"userDesignated"`
}

type resultPayload struct {
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason"`
}

// IncomingMessage is surfaced to node listeners for application traffic
// (any namespace other than "mesh").
type IncomingMessage struct {
	From         string
	ConnectionID string
	Namespace    string
	Type         string
	Payload      interface{}
}

// Listener observes node-level events beyond the lower-layer ones the
// node already composes.
type Listener interface {
	OnIncomingMessage(msg IncomingMessage)
	OnRoleChanged(role string)
}
