// Package device implements the device table (C4): the local device
// plus a map of remote devices discovered by hostname, announce, or a
// device list pushed from the primary.
package device

import (
	"fmt"
	"regexp"
	"sync"
)

// Role is a closed-set tag on a device's position in the logical star.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// Status is a closed-set tag on liveness.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Device is one participant on the overlay.
type Device struct {
	ID             string
	Type           string
	Name           string
	Hostname       string
	DNSName        string
	Role           Role
	Status         Status
	UserDesignated bool
	Metadata       map[string]interface{}
}

func (d Device) clone() Device {
	out := d
	if d.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Listener observes table changes. Implementations must not block; the
// table snapshots its listener set before dispatch.
type Listener interface {
	OnDeviceDiscovered(d Device)
	OnDeviceUpdated(d Device)
	OnDeviceOffline(id string)
	OnDevicesChanged(all []Device)
	OnPrimaryChanged(id string) // empty string means "no primary"
	OnLocalDeviceChanged(local Device)
}

// NopListener gives partial-implementation embedders every callback as
// a no-op.
type NopListener struct{}

func (NopListener) OnDeviceDiscovered(Device)   {}
func (NopListener) OnDeviceUpdated(Device)      {}
func (NopListener) OnDeviceOffline(string)      {}
func (NopListener) OnDevicesChanged([]Device)   {}
func (NopListener) OnPrimaryChanged(string)     {}
func (NopListener) OnLocalDeviceChanged(Device) {}

// Table holds the local device and every known remote device, guarded
// by a single mutex — the teacher's core.Peer discipline generalized
// from one actor's request queue to a discovery map.
type Table struct {
	prefix  string
	pattern *regexp.Regexp

	mu        sync.Mutex
	local     Device
	remotes   map[string]Device
	primaryID string
	listeners []Listener
}

// New constructs a Table. prefix is the application-wide hostname
// prefix used to recognize devices as ours (spec.md §6 hostname
// convention).
func New(prefix string, local Device) *Table {
	return &Table{
		prefix:  prefix,
		pattern: regexp.MustCompile(fmt.Sprintf("^%s-([^-]+)-(.+)$", regexp.QuoteMeta(prefix))),
		local:   local.clone(),
		remotes: make(map[string]Device),
	}
}

// AddListener registers a listener.
func (t *Table) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

func (t *Table) snapshotListeners() []Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Listener, len(t.listeners))
	copy(out, t.listeners)
	return out
}

// Local returns a copy of the local device.
func (t *Table) Local() Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local.clone()
}

// PrimaryID returns the currently known primary, or "" if none.
func (t *Table) PrimaryID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.primaryID
}

// GetDeviceByID returns the local device or a remote one by id.
func (t *Table) GetDeviceByID(id string) (Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == t.local.ID {
		return t.local.clone(), true
	}
	d, ok := t.remotes[id]
	if !ok {
		return Device{}, false
	}
	return d.clone(), true
}

// Remotes returns a snapshot of every known remote device.
func (t *Table) Remotes() []Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Device, 0, len(t.remotes))
	for _, d := range t.remotes {
		out = append(out, d.clone())
	}
	return out
}

// All returns the local device followed by every remote.
func (t *Table) All() []Device {
	t.mu.Lock()
	local := t.local.clone()
	out := make([]Device, 0, len(t.remotes)+1)
	out = append(out, local)
	for _, d := range t.remotes {
		out = append(out, d.clone())
	}
	t.mu.Unlock()
	return out
}

func (t *Table) emitDiscovered(d Device) {
	for _, l := range t.snapshotListeners() {
		l.OnDeviceDiscovered(d)
	}
}

func (t *Table) emitUpdated(d Device) {
	for _, l := range t.snapshotListeners() {
		l.OnDeviceUpdated(d)
	}
}

func (t *Table) emitOffline(id string) {
	for _, l := range t.snapshotListeners() {
		l.OnDeviceOffline(id)
	}
}

func (t *Table) emitDevicesChanged() {
	all := t.All()
	for _, l := range t.snapshotListeners() {
		l.OnDevicesChanged(all)
	}
}

func (t *Table) emitPrimaryChanged(id string) {
	for _, l := range t.snapshotListeners() {
		l.OnPrimaryChanged(id)
	}
}

func (t *Table) emitLocalChanged(d Device) {
	for _, l := range t.snapshotListeners() {
		l.OnLocalDeviceChanged(d)
	}
}

// --- local device mutators ---

// SetLocalOnline marks the local device online, optionally refreshing
// its DNS name (as reported by the sidecar once the overlay is up).
func (t *Table) SetLocalOnline(dnsName string) {
	t.mu.Lock()
	t.local.Status = StatusOnline
	if dnsName != "" {
		t.local.DNSName = dnsName
	}
	local := t.local.clone()
	t.mu.Unlock()
	t.emitLocalChanged(local)
}

// SetLocalOffline marks the local device offline.
func (t *Table) SetLocalOffline() {
	t.mu.Lock()
	t.local.Status = StatusOffline
	local := t.local.clone()
	t.mu.Unlock()
	t.emitLocalChanged(local)
}

// SetLocalRole sets the local device's role.
func (t *Table) SetLocalRole(role Role) {
	t.mu.Lock()
	t.local.Role = role
	local := t.local.clone()
	t.mu.Unlock()
	t.emitLocalChanged(local)
}

// SetLocalDNSName updates the local device's advertised DNS name.
func (t *Table) SetLocalDNSName(dnsName string) {
	t.mu.Lock()
	t.local.DNSName = dnsName
	local := t.local.clone()
	t.mu.Unlock()
	t.emitLocalChanged(local)
}

// UpdateDeviceName renames the local device.
func (t *Table) UpdateDeviceName(name string) {
	t.mu.Lock()
	t.local.Name = name
	local := t.local.clone()
	t.mu.Unlock()
	t.emitLocalChanged(local)
}

// UpdateMetadata merges fields into the local device's metadata.
func (t *Table) UpdateMetadata(fields map[string]interface{}) {
	t.mu.Lock()
	if t.local.Metadata == nil {
		t.local.Metadata = make(map[string]interface{})
	}
	for k, v := range fields {
		t.local.Metadata[k] = v
	}
	local := t.local.clone()
	t.mu.Unlock()
	t.emitLocalChanged(local)
}

// --- discovery ---

// ParsedHostname is the result of matching a hostname against the
// table's prefix pattern.
type ParsedHostname struct {
	Type string
	ID   string
}

// ParseHostname extracts {type, id} from hostname, or ok=false if it
// does not match this table's prefix.
func (t *Table) ParseHostname(hostname string) (ParsedHostname, bool) {
	m := t.pattern.FindStringSubmatch(hostname)
	if m == nil {
		return ParsedHostname{}, false
	}
	return ParsedHostname{Type: m[1], ID: m[2]}, true
}

// PeerInfo is the minimal shape the transport's peer list reports.
type PeerInfo struct {
	Hostname string
	DNSName  string
}

// AddDiscoveredPeer ingests one entry from the overlay's peer list. The
// local hostname and non-matching hostnames are ignored.
func (t *Table) AddDiscoveredPeer(info PeerInfo) {
	t.mu.Lock()
	if info.Hostname == t.local.Hostname {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	parsed, ok := t.ParseHostname(info.Hostname)
	if !ok {
		return
	}

	t.mu.Lock()
	existing, had := t.remotes[parsed.ID]
	dnsName := info.DNSName
	if dnsName == "" && had {
		dnsName = existing.DNSName
	}
	status := StatusOnline
	role := RoleSecondary
	if had {
		role = existing.Role
	}
	d := Device{
		ID:       parsed.ID,
		Type:     parsed.Type,
		Hostname: info.Hostname,
		DNSName:  dnsName,
		Role:     role,
		Status:   status,
	}
	if had {
		d.Name = existing.Name
		d.Metadata = existing.Metadata
		d.UserDesignated = existing.UserDesignated
	}
	t.remotes[parsed.ID] = d
	t.mu.Unlock()

	if had {
		t.emitUpdated(d.clone())
	} else {
		t.emitDiscovered(d.clone())
	}
	t.emitDevicesChanged()
}

// AnnouncePayload is the validated shape of a device:announce message.
type AnnouncePayload struct {
	Device Device
}

// HandleDeviceAnnounce inserts or replaces a remote device by id,
// preserving a previously known DNS name when the announce omits it.
func (t *Table) HandleDeviceAnnounce(from string, payload AnnouncePayload) error {
	if payload.Device.ID == "" {
		return fmt.Errorf("device: announce payload missing device id")
	}

	t.mu.Lock()
	existing, had := t.remotes[payload.Device.ID]
	d := payload.Device.clone()
	if d.DNSName == "" && had {
		d.DNSName = existing.DNSName
	}
	if had {
		d.Role = existing.Role
	} else if d.Role == "" {
		d.Role = RoleSecondary
	}
	d.Status = StatusOnline
	t.remotes[d.ID] = d
	t.mu.Unlock()

	if had {
		t.emitUpdated(d.clone())
	} else {
		t.emitDiscovered(d.clone())
	}
	t.emitDevicesChanged()
	return nil
}

// DeviceListPayload is the validated shape of a device:list message.
type DeviceListPayload struct {
	Devices   []Device
	PrimaryID string
}

// HandleDeviceList upserts every non-local device, sets the primary,
// and assigns roles according to primaryId. Idempotent for equal
// inputs.
func (t *Table) HandleDeviceList(from string, payload DeviceListPayload) {
	t.mu.Lock()
	for _, incoming := range payload.Devices {
		if incoming.ID == t.local.ID {
			continue
		}
		existing, had := t.remotes[incoming.ID]
		d := incoming.clone()
		if d.DNSName == "" && had {
			d.DNSName = existing.DNSName
		}
		d.Status = StatusOnline
		if d.ID == payload.PrimaryID {
			d.Role = RolePrimary
		} else {
			d.Role = RoleSecondary
		}
		t.remotes[d.ID] = d
	}

	primaryChanged := t.primaryID != payload.PrimaryID
	t.primaryID = payload.PrimaryID

	localRole := RoleSecondary
	if payload.PrimaryID == t.local.ID {
		localRole = RolePrimary
	}
	localRoleChanged := t.local.Role != localRole
	t.local.Role = localRole
	local := t.local.clone()
	t.mu.Unlock()

	t.emitDevicesChanged()
	if primaryChanged {
		t.emitPrimaryChanged(payload.PrimaryID)
	}
	if localRoleChanged {
		t.emitLocalChanged(local)
	}
}

// MarkDeviceOffline marks id offline. If id was the primary, the
// primary is cleared and OnPrimaryChanged("") fires so the election
// coordinator can begin a recovery.
func (t *Table) MarkDeviceOffline(id string) {
	t.mu.Lock()
	d, ok := t.remotes[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	d.Status = StatusOffline
	t.remotes[id] = d

	wasPrimary := t.primaryID == id
	if wasPrimary {
		t.primaryID = ""
	}
	t.mu.Unlock()

	t.emitOffline(id)
	t.emitDevicesChanged()
	if wasPrimary {
		t.emitPrimaryChanged("")
	}
}
