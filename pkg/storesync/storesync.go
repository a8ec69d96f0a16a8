// Package storesync implements the store sync adapter (C8): per-store
// slice replication riding on the message bus's "sync" namespace.
package storesync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jamesyong-42/truffle/internal/logging"
	"github.com/jamesyong-42/truffle/pkg/bus"
)

// Namespace is the closed-set namespace every sync message travels on.
const Namespace = "sync"

// Message type names, the closed vocabulary per spec.md §4.8.
const (
	TypeFull    = "store:sync:full"
	TypeUpdate  = "store:sync:update"
	TypeRequest = "store:sync:request"
	TypeClear   = "store:sync:clear"
)

// Slice is one device's owned portion of an application store.
type Slice struct {
	Data      interface{}
	Version   int
	UpdatedAt time.Time
}

// RemoteSlice is a Slice attributed to a remote device.
type RemoteSlice struct {
	DeviceID  string
	Data      interface{}
	Version   int
	UpdatedAt time.Time
}

// Store is the contract an application store must satisfy to be
// replicated. OnLocalChanged registers fn to fire whenever the local
// slice changes and returns a disposer.
type Store interface {
	GetLocalSlice() (Slice, bool)
	ApplyRemoteSlice(s RemoteSlice)
	RemoveRemoteSlice(deviceID, reason string)
	ClearRemoteSlices()
	OnLocalChanged(fn func(Slice)) func()
}

type slicePayload struct {
	StoreID   string      `json:"storeId"`
	DeviceID  string      `json:"deviceId"`
	Data      interface{} `json:"data"`
	Version   int         `json:"version"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type requestPayload struct {
	StoreID      string `json:"storeId"`
	FromDeviceID string `json:"fromDeviceId,omitempty"`
}

type clearPayload struct {
	StoreID  string `json:"storeId"`
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason,omitempty"`
}

// Adapter wires a set of Stores, keyed by storeId, to a Bus.
type Adapter struct {
	bus     *bus.Bus
	localID string
	log     logging.Logger

	mu             sync.Mutex
	stores         map[string]Store
	versions       map[string]map[string]int // storeId -> deviceId -> highest applied version
	storeDisposers map[string]func()
	busDisposer    bus.Disposer
	started        bool
	disposed       bool
}

// New constructs an Adapter. Stores must be registered with
// RegisterStore before Start.
func New(b *bus.Bus, localID string, log logging.Logger) *Adapter {
	return &Adapter{
		bus:            b,
		localID:        localID,
		log:            log,
		stores:         make(map[string]Store),
		versions:       make(map[string]map[string]int),
		storeDisposers: make(map[string]func()),
	}
}

// RegisterStore adds a store under storeID. Call before Start.
func (a *Adapter) RegisterStore(storeID string, store Store) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stores[storeID] = store
	a.versions[storeID] = make(map[string]int)
}

// Start subscribes to the sync namespace, attaches a localChanged
// listener per store, requests every store's full snapshot from peers,
// and broadcasts this device's own full snapshot for stores that
// already hold local data. A disposed adapter's Start is a no-op.
func (a *Adapter) Start() {
	a.mu.Lock()
	if a.disposed || a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	stores := make(map[string]Store, len(a.stores))
	for id, s := range a.stores {
		stores[id] = s
	}
	a.mu.Unlock()

	a.busDisposer = a.bus.Subscribe(Namespace, a.handleMessage)

	for storeID, store := range stores {
		storeID := storeID
		store := store
		dispose := store.OnLocalChanged(func(slice Slice) {
			a.broadcastSlice(TypeUpdate, storeID, slice)
		})
		a.mu.Lock()
		a.storeDisposers[storeID] = dispose
		a.mu.Unlock()

		a.broadcastRequest(storeID, "")
		if slice, ok := store.GetLocalSlice(); ok {
			a.broadcastSlice(TypeFull, storeID, slice)
		}
	}
}

// Stop removes every listener and subscription, clears remote slices on
// every store, and marks the adapter disposed. Calling Stop twice is
// safe.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	a.started = false
	disposers := a.storeDisposers
	a.storeDisposers = make(map[string]func())
	stores := make(map[string]Store, len(a.stores))
	for id, s := range a.stores {
		stores[id] = s
	}
	busDisposer := a.busDisposer
	a.busDisposer = nil
	a.mu.Unlock()

	if busDisposer != nil {
		busDisposer()
	}
	for _, dispose := range disposers {
		dispose()
	}
	for _, s := range stores {
		s.ClearRemoteSlices()
	}
}

func (a *Adapter) broadcastSlice(typ, storeID string, slice Slice) {
	a.bus.Broadcast(Namespace, typ, slicePayload{
		StoreID:   storeID,
		DeviceID:  a.localID,
		Data:      slice.Data,
		Version:   slice.Version,
		UpdatedAt: slice.UpdatedAt,
	})
}

func (a *Adapter) broadcastRequest(storeID, fromDeviceID string) {
	a.bus.Broadcast(Namespace, TypeRequest, requestPayload{StoreID: storeID, FromDeviceID: fromDeviceID})
}

func (a *Adapter) broadcastClear(storeID, deviceID, reason string) {
	a.bus.Broadcast(Namespace, TypeClear, clearPayload{StoreID: storeID, DeviceID: deviceID, Reason: reason})
}

// HandleDeviceDiscovered broadcasts this device's full snapshot for
// every store, then a targeted request so the new device replies with
// its own.
func (a *Adapter) HandleDeviceDiscovered(deviceID string) {
	a.mu.Lock()
	stores := make(map[string]Store, len(a.stores))
	for id, s := range a.stores {
		stores[id] = s
	}
	a.mu.Unlock()

	for storeID, store := range stores {
		if slice, ok := store.GetLocalSlice(); ok {
			a.broadcastSlice(TypeFull, storeID, slice)
		}
		a.broadcastRequest(storeID, deviceID)
	}
}

// HandleDeviceOffline evicts deviceID's slice from every store locally
// and tells the rest of the mesh to do the same.
func (a *Adapter) HandleDeviceOffline(deviceID string) {
	a.mu.Lock()
	stores := make(map[string]Store, len(a.stores))
	for id, s := range a.stores {
		stores[id] = s
	}
	for _, versions := range a.versions {
		delete(versions, deviceID)
	}
	a.mu.Unlock()

	for storeID, store := range stores {
		store.RemoveRemoteSlice(deviceID, "offline")
		a.broadcastClear(storeID, deviceID, "offline")
	}
}

func (a *Adapter) handleMessage(msg bus.Message) {
	switch msg.Type {
	case TypeFull, TypeUpdate:
		a.handleSlice(msg)
	case TypeRequest:
		a.handleRequest(msg)
	case TypeClear:
		a.handleClear(msg)
	default:
		a.log.Warnf("storesync: unknown message type %q", msg.Type)
	}
}

func (a *Adapter) decode(msg bus.Message, out interface{}) bool {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		a.log.Warnf("storesync: re-marshal failed for %q: %v", msg.Type, err)
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		a.log.Warnf("storesync: malformed %q payload: %v", msg.Type, err)
		return false
	}
	return true
}

func (a *Adapter) handleSlice(msg bus.Message) {
	if msg.From == "" || msg.From == a.localID {
		return
	}
	var p slicePayload
	if !a.decode(msg, &p) {
		return
	}

	a.mu.Lock()
	store, ok := a.stores[p.StoreID]
	if !ok {
		a.mu.Unlock()
		a.log.Warnf("storesync: unknown store %q", p.StoreID)
		return
	}
	versions, ok := a.versions[p.StoreID]
	if !ok {
		versions = make(map[string]int)
		a.versions[p.StoreID] = versions
	}
	applicable := p.Version > versions[p.DeviceID]
	if applicable {
		versions[p.DeviceID] = p.Version
	}
	a.mu.Unlock()

	if !applicable {
		return
	}
	store.ApplyRemoteSlice(RemoteSlice{DeviceID: p.DeviceID, Data: p.Data, Version: p.Version, UpdatedAt: p.UpdatedAt})
}

func (a *Adapter) handleRequest(msg bus.Message) {
	if msg.From == "" || msg.From == a.localID {
		return
	}
	var p requestPayload
	if !a.decode(msg, &p) {
		return
	}
	if p.FromDeviceID != "" && p.FromDeviceID != a.localID {
		return
	}

	a.mu.Lock()
	store, ok := a.stores[p.StoreID]
	a.mu.Unlock()
	if !ok {
		a.log.Warnf("storesync: request for unknown store %q", p.StoreID)
		return
	}
	if slice, ok := store.GetLocalSlice(); ok {
		a.broadcastSlice(TypeFull, p.StoreID, slice)
	}
}

func (a *Adapter) handleClear(msg bus.Message) {
	var p clearPayload
	if !a.decode(msg, &p) {
		return
	}
	if p.DeviceID == a.localID {
		return
	}

	a.mu.Lock()
	store, ok := a.stores[p.StoreID]
	if ok {
		delete(a.versions[p.StoreID], p.DeviceID)
	}
	a.mu.Unlock()
	if !ok {
		a.log.Warnf("storesync: clear for unknown store %q", p.StoreID)
		return
	}
	store.RemoveRemoteSlice(p.DeviceID, p.Reason)
}
