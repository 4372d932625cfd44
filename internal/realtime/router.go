// Package realtime keeps the in-process connection registry and fans events out to session groups.
// Delivery is at-most-once with no replay; deployments with more than one instance need an
// external shared fan-out in front of it.
package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Binding ties a channel to the session group it joined and the participant row it represents.
type Binding struct {
	SessionID     string
	ParticipantID string
}

// Router indexes open channels, their bindings and the session groups they belong to.
type Router struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	bindings map[string]Binding
	groups   map[string]map[string]*Channel
	logger   *zap.Logger
}

// NewRouter constructs an empty Router.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		channels: make(map[string]*Channel),
		bindings: make(map[string]Binding),
		groups:   make(map[string]map[string]*Channel),
		logger:   logger,
	}
}

// Register adds an open channel to the registry.
func (r *Router) Register(channel *Channel) {
	if channel == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channel.ID()] = channel
}

// Unregister removes a channel and its binding. The removed binding is returned when one existed.
func (r *Router) Unregister(channelID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, channelID)
	return r.unbindLocked(channelID)
}

// Bind places the channel in the session group. A channel bound elsewhere leaves its previous
// group first; the previous binding is returned.
func (r *Router) Bind(channel *Channel, sessionID, participantID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channelID := channel.ID()
	r.channels[channelID] = channel
	previous, hadPrevious := r.unbindLocked(channelID)

	r.bindings[channelID] = Binding{SessionID: sessionID, ParticipantID: participantID}
	if _, ok := r.groups[sessionID]; !ok {
		r.groups[sessionID] = make(map[string]*Channel)
	}
	r.groups[sessionID][channelID] = channel
	return previous, hadPrevious
}

// Binding returns the channel's current binding.
func (r *Router) Binding(channelID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	binding, ok := r.bindings[channelID]
	return binding, ok
}

// Members returns a snapshot of the channels bound to the session.
func (r *Router) Members(sessionID string) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group := r.groups[sessionID]
	members := make([]*Channel, 0, len(group))
	for _, channel := range group {
		members = append(members, channel)
	}
	return members
}

// Count returns the number of channels bound to the session.
func (r *Router) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[sessionID])
}

// ParticipantChannels returns the ids of channels bound to the participant.
func (r *Router) ParticipantChannels(participantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var channelIDs []string
	for channelID, binding := range r.bindings {
		if binding.ParticipantID == participantID {
			channelIDs = append(channelIDs, channelID)
		}
	}
	return channelIDs
}

// Dissolve removes every binding of the session group and returns the former members.
// The channels stay registered.
func (r *Router) Dissolve(sessionID string) []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	group := r.groups[sessionID]
	members := make([]*Channel, 0, len(group))
	for channelID, channel := range group {
		delete(r.bindings, channelID)
		members = append(members, channel)
	}
	delete(r.groups, sessionID)
	return members
}

// Broadcast delivers the event to every channel of the session, the sender included.
func (r *Router) Broadcast(sessionID string, event Event) int {
	return r.deliver(r.Members(sessionID), "", event)
}

// BroadcastExcept delivers the event to every channel of the session except channelID.
func (r *Router) BroadcastExcept(sessionID, channelID string, event Event) int {
	return r.deliver(r.Members(sessionID), channelID, event)
}

// Send delivers the event to one registered channel. Unknown channels and full outboxes drop it.
func (r *Router) Send(channelID string, event Event) bool {
	r.mu.RLock()
	channel, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !channel.Send(event) {
		r.logger.Debug("realtime event dropped",
			zap.String("channel_id", channelID),
			zap.String("event_type", event.Type))
		return false
	}
	return true
}

func (r *Router) deliver(members []*Channel, skipChannelID string, event Event) int {
	delivered := 0
	for _, channel := range members {
		if channel.ID() == skipChannelID {
			continue
		}
		if channel.Send(event) {
			delivered++
			continue
		}
		r.logger.Debug("realtime event dropped",
			zap.String("channel_id", channel.ID()),
			zap.String("event_type", event.Type))
	}
	return delivered
}

func (r *Router) unbindLocked(channelID string) (Binding, bool) {
	binding, ok := r.bindings[channelID]
	if !ok {
		return Binding{}, false
	}
	delete(r.bindings, channelID)
	if group := r.groups[binding.SessionID]; group != nil {
		delete(group, channelID)
		if len(group) == 0 {
			delete(r.groups, binding.SessionID)
		}
	}
	return binding, true
}
