package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/meshchat/meshchat/internal/transport"
)

// Link is the relationship with one remote participant.
type Link struct {
	RemoteID    string
	DisplayName string
	State       State
	Direction   Direction
	CreatedAt   time.Time
	UpdatedAt   time.Time

	channel transport.Channel
	timer   *time.Timer

	// accepting is set while HANDSHAKE_ACCEPT is in flight on channel.
	accepting bool

	// deferred is an inbound channel whose HANDSHAKE_INIT lost the
	// simultaneous-connect tie-break to this pending-outgoing link.
	deferred     transport.Channel
	deferredName string
}

// LinkInfo is a read-only snapshot of a Link.
type LinkInfo struct {
	RemoteID    string
	DisplayName string
	State       State
	Direction   Direction
	ChannelID   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (l *Link) info() LinkInfo {
	info := LinkInfo{
		RemoteID:    l.RemoteID,
		DisplayName: l.DisplayName,
		State:       l.State,
		Direction:   l.Direction,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
	if l.channel != nil {
		info.ChannelID = l.channel.ID()
	}
	return info
}

// owns reports whether ch is the channel currently backing the link.
func (l *Link) owns(ch transport.Channel) bool {
	return l.channel != nil && ch != nil && l.channel.ID() == ch.ID()
}

// takeDeferred detaches the held-back inbound channel, if any.
func (l *Link) takeDeferred() (transport.Channel, string) {
	ch, name := l.deferred, l.deferredName
	l.deferred, l.deferredName = nil, ""
	return ch, name
}

func (l *Link) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// registry maps remote identifier to its single Link. It is not safe for
// concurrent use; the Manager guards it with its registry mutex, and every
// mutation goes through create, transition, rebind, or remove.
type registry struct {
	links map[string]*Link
	now   func() time.Time
}

func newRegistry() *registry {
	return &registry{
		links: make(map[string]*Link),
		now:   time.Now,
	}
}

func (r *registry) get(remoteID string) *Link {
	return r.links[remoteID]
}

// owner returns the link backed by ch, or nil.
func (r *registry) owner(ch transport.Channel) *Link {
	l := r.links[ch.RemoteID()]
	if l == nil || !l.owns(ch) {
		return nil
	}
	return l
}

// create adds a link leaving StateNone. A link must not already exist.
func (r *registry) create(remoteID string, state State, dir Direction, ch transport.Channel) (*Link, error) {
	if existing := r.links[remoteID]; existing != nil {
		return nil, fmt.Errorf("%w: %s already %s", ErrInvalidTransition, remoteID, existing.State)
	}
	if !CanTransition(StateNone, state) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, StateNone, state)
	}
	now := r.now()
	l := &Link{
		RemoteID:  remoteID,
		State:     state,
		Direction: dir,
		CreatedAt: now,
		UpdatedAt: now,
		channel:   ch,
	}
	r.links[remoteID] = l
	return l, nil
}

// transition moves l along one edge of the state machine.
func (r *registry) transition(l *Link, to State) error {
	if !CanTransition(l.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.State, to)
	}
	l.State = to
	l.UpdatedAt = r.now()
	if to == StateNone {
		l.stopTimer()
		delete(r.links, l.RemoteID)
	}
	return nil
}

// remove destroys l and returns the channel that backed it.
func (r *registry) remove(l *Link) transport.Channel {
	ch := l.channel
	if err := r.transition(l, StateNone); err != nil {
		// Only StateNone links fail here, and they are never stored.
		delete(r.links, l.RemoteID)
	}
	l.channel = nil
	return ch
}

// rebind moves l onto a new channel without changing its state and returns
// the channel it replaced.
func (r *registry) rebind(l *Link, ch transport.Channel) transport.Channel {
	old := l.channel
	l.channel = ch
	l.UpdatedAt = r.now()
	return old
}

func (r *registry) snapshot() []LinkInfo {
	out := make([]LinkInfo, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// active returns the channels of every active link.
func (r *registry) active() []transport.Channel {
	out := make([]transport.Channel, 0, len(r.links))
	for _, l := range r.links {
		if l.State == StateActive && l.channel != nil {
			out = append(out, l.channel)
		}
	}
	return out
}

func (r *registry) clear() []transport.Channel {
	chans := make([]transport.Channel, 0, len(r.links))
	for _, l := range r.links {
		l.stopTimer()
		if l.channel != nil {
			chans = append(chans, l.channel)
		}
		if d, _ := l.takeDeferred(); d != nil {
			chans = append(chans, d)
		}
	}
	r.links = make(map[string]*Link)
	return chans
}
