// Package election implements the coordinator (C5): a small state
// machine that decides which device on the mesh plays primary.
package election

import (
	"sort"
	"sync"
	"time"
)

// Phase is the coordinator's closed-set state tag.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseWaiting    Phase = "waiting"
	PhaseCollecting Phase = "collecting"
	PhaseDecided    Phase = "decided"
)

const (
	// DefaultElectionTimeout bounds how long a round waits for candidates.
	DefaultElectionTimeout = 3 * time.Second
	// DefaultPrimaryLossGrace is how long the coordinator waits in
	// PhaseWaiting before starting a recovery round.
	DefaultPrimaryLossGrace = 5 * time.Second
)

// Candidate is one device's bid in a round.
type Candidate struct {
	DeviceID       string
	Uptime         time.Duration
	UserDesignated bool
}

// rank implements the strict total order from spec.md §4.5: a
// user-designated candidate always wins; longer uptime wins ties;
// lexicographically smallest id breaks the remaining ties.
func rank(candidates map[string]Candidate) string {
	ordered := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.UserDesignated != b.UserDesignated {
			return a.UserDesignated
		}
		if a.Uptime != b.Uptime {
			return a.Uptime > b.Uptime
		}
		return a.DeviceID < b.DeviceID
	})
	if len(ordered) == 0 {
		return ""
	}
	return ordered[0].DeviceID
}

// Broadcaster is how a round talks to the rest of the mesh. The
// coordinator never touches the transport directly — mesh.Node supplies
// this at construction, the teacher's pattern of injecting a
// collaborator interface rather than reaching for a global.
type Broadcaster interface {
	BroadcastElectionStart()
	BroadcastElectionCandidate(c Candidate)
	BroadcastElectionResult(winnerID, reason string)
}

// Listener observes decisions. OnPrimaryDecided fires once for each
// round that decides and for each adopted election:result, whether the
// winner is local or remote. SetPrimary does not fire it.
type Listener interface {
	OnPrimaryDecided(deviceID string)
}

// Coordinator runs the election state machine for one local device.
type Coordinator struct {
	localID        string
	userDesignated bool
	startedAt      time.Time
	electionTO     time.Duration
	graceTO        time.Duration

	broadcaster Broadcaster
	listener    Listener

	mu         sync.Mutex
	phase      Phase
	primaryID  string
	candidates map[string]Candidate
	generation int
}

// New constructs a Coordinator for localID, started at startedAt, with
// the given user-designation preference.
func New(localID string, userDesignated bool, startedAt time.Time, broadcaster Broadcaster, listener Listener) *Coordinator {
	return &Coordinator{
		localID:        localID,
		userDesignated: userDesignated,
		startedAt:      startedAt,
		electionTO:     DefaultElectionTimeout,
		graceTO:        DefaultPrimaryLossGrace,
		broadcaster:    broadcaster,
		listener:       listener,
		phase:          PhaseIdle,
		candidates:     make(map[string]Candidate),
	}
}

// Phase returns the current state.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// PrimaryID returns the decided primary, or "" before a decision.
func (c *Coordinator) PrimaryID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primaryID
}

// SetPrimary directly adopts a primary id without running a round —
// used when a device:list from an existing primary tells the
// coordinator who already won.
func (c *Coordinator) SetPrimary(id string) {
	c.mu.Lock()
	c.generation++
	c.candidates = make(map[string]Candidate)
	c.phase = PhaseDecided
	c.primaryID = id
	c.mu.Unlock()
}

// Reset returns the coordinator to PhaseIdle with no known primary,
// cancelling any outstanding round or grace timer.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.generation++
	c.phase = PhaseIdle
	c.primaryID = ""
	c.candidates = make(map[string]Candidate)
	c.mu.Unlock()
}

// HandleNoPrimaryOnStartup starts a round immediately.
func (c *Coordinator) HandleNoPrimaryOnStartup() {
	c.startRound()
}

// HandlePrimaryLost enters PhaseWaiting and arms the grace timer; a
// round starts once it expires unless superseded (an election:result
// or SetPrimary arriving first bumps the generation and the timer's
// callback becomes a no-op).
func (c *Coordinator) HandlePrimaryLost(prevID string) {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.phase = PhaseWaiting
	c.primaryID = ""
	c.mu.Unlock()

	time.AfterFunc(c.graceTO, func() {
		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.startRound()
	})
}

// HandleElectionStart responds to a peer beginning a round: if this
// coordinator is not already collecting, it joins by starting its own
// round (which both seeds its own candidacy and re-broadcasts start,
// matching the idempotent "respond" behavior for a peer that hasn't
// yet noticed the primary is gone).
func (c *Coordinator) HandleElectionStart(from string) {
	c.mu.Lock()
	collecting := c.phase == PhaseCollecting
	c.mu.Unlock()
	if !collecting {
		c.startRound()
	}
}

// HandleElectionCandidate merges a remote candidacy into the current
// round. Candidates received outside PhaseCollecting are dropped — the
// round has already decided or hasn't started locally.
func (c *Coordinator) HandleElectionCandidate(cand Candidate) {
	c.mu.Lock()
	if c.phase != PhaseCollecting {
		c.mu.Unlock()
		return
	}
	c.candidates[cand.DeviceID] = cand
	c.mu.Unlock()
}

// HandleElectionResult adopts the stated primary immediately, serving
// both as an acknowledgement and as a way to seed a late joiner without
// re-running a round.
func (c *Coordinator) HandleElectionResult(winnerID, reason string) {
	c.mu.Lock()
	c.generation++
	c.candidates = make(map[string]Candidate)
	c.phase = PhaseDecided
	c.primaryID = winnerID
	c.mu.Unlock()

	c.listener.OnPrimaryDecided(winnerID)
}

func (c *Coordinator) startRound() {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.phase = PhaseCollecting
	own := Candidate{
		DeviceID:       c.localID,
		Uptime:         time.Since(c.startedAt),
		UserDesignated: c.userDesignated,
	}
	c.candidates = map[string]Candidate{c.localID: own}
	c.mu.Unlock()

	c.broadcaster.BroadcastElectionStart()
	c.broadcaster.BroadcastElectionCandidate(own)

	time.AfterFunc(c.electionTO, func() {
		c.decide(gen)
	})
}

func (c *Coordinator) decide(gen int) {
	c.mu.Lock()
	if c.generation != gen || c.phase != PhaseCollecting {
		c.mu.Unlock()
		return
	}
	winner := rank(c.candidates)
	if winner == "" {
		// Deterministic default: an empty candidate set (a device racing
		// an election with itself) makes the local device primary
		// unconditionally rather than livelocking.
		winner = c.localID
	}
	c.generation++
	c.phase = PhaseDecided
	c.primaryID = winner
	c.candidates = make(map[string]Candidate)
	c.mu.Unlock()

	if winner == c.localID {
		c.broadcaster.BroadcastElectionResult(winner, "election")
	}
	c.listener.OnPrimaryDecided(winner)
}
