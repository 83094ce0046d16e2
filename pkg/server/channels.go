package server

import (
	"sync"

	"github.com/fernwood/parley/pkg/database"
)

// ChannelState is the live state of one channel: its members and a bounded
// cache of the most recent messages.
//
// sendMu serializes the persist-then-broadcast sequence for the channel, so
// every member observes messages in a single order and no message is
// delivered before it is durably stored. It is the only lock held across
// connection writes.
type ChannelState struct {
	ID   int64
	Name string

	sendMu sync.Mutex

	histMu  sync.Mutex
	history []*database.Message
}

// ChannelManager is the registry of live channels. Its mutex guards both
// the channel map and per-channel membership, so moving a session between
// channels and snapshotting a channel's members are mutually atomic.
type ChannelManager struct {
	mu           sync.RWMutex
	channels     map[string]*ChannelState
	members      map[string]map[uint64]*Session // channel name -> session id -> session
	historyLimit int
}

// NewChannelManager creates a channel manager with the given per-channel
// history cache size.
func NewChannelManager(historyLimit int) *ChannelManager {
	return &ChannelManager{
		channels:     make(map[string]*ChannelState),
		members:      make(map[string]map[uint64]*Session),
		historyLimit: historyLimit,
	}
}

// Register adds a channel to the registry. Idempotent; an already
// registered channel keeps its state.
func (cm *ChannelManager) Register(ch *database.Channel) *ChannelState {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if state, ok := cm.channels[ch.Name]; ok {
		return state
	}

	state := &ChannelState{ID: ch.ID, Name: ch.Name}
	cm.channels[ch.Name] = state
	cm.members[ch.Name] = make(map[uint64]*Session)
	return state
}

// Get returns the channel with the given name.
func (cm *ChannelManager) Get(name string) (*ChannelState, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	state, ok := cm.channels[name]
	return state, ok
}

// All returns every registered channel.
func (cm *ChannelManager) All() []*ChannelState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	channels := make([]*ChannelState, 0, len(cm.channels))
	for _, state := range cm.channels {
		channels = append(channels, state)
	}
	return channels
}

// Join moves sess into the named channel, leaving its previous channel in
// the same registry lock acquisition so the session is never a member of
// two channels and never absent from a broadcast it should receive.
// It returns the joined channel and the channel that was left, if any.
func (cm *ChannelManager) Join(sess *Session, name string) (*ChannelState, *ChannelState, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	target, ok := cm.channels[name]
	if !ok {
		return nil, nil, false
	}

	var previous *ChannelState
	if prev := sess.Channel(); prev != "" && prev != name {
		if state, ok := cm.channels[prev]; ok {
			delete(cm.members[prev], sess.ID)
			previous = state
		}
	}

	cm.members[name][sess.ID] = sess
	sess.setChannel(name)
	return target, previous, true
}

// Leave removes sess from its current channel, returning the channel it
// left, if any.
func (cm *ChannelManager) Leave(sess *Session) *ChannelState {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	name := sess.Channel()
	if name == "" {
		return nil
	}

	state, ok := cm.channels[name]
	if !ok {
		return nil
	}

	delete(cm.members[name], sess.ID)
	sess.setChannel("")
	return state
}

// Members returns a snapshot of the channel's current member sessions.
func (cm *ChannelManager) Members(ch *ChannelState) []*Session {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	members := cm.members[ch.Name]
	snapshot := make([]*Session, 0, len(members))
	for _, sess := range members {
		snapshot = append(snapshot, sess)
	}
	return snapshot
}

// IsMember reports whether sess is currently in ch.
func (cm *ChannelManager) IsMember(ch *ChannelState, sess *Session) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	_, ok := cm.members[ch.Name][sess.ID]
	return ok
}

// History returns a copy of the channel's cached recent messages,
// oldest first.
func (ch *ChannelState) History() []*database.Message {
	ch.histMu.Lock()
	defer ch.histMu.Unlock()

	history := make([]*database.Message, len(ch.history))
	copy(history, ch.history)
	return history
}

// AppendHistory adds msg to the cache, evicting the oldest entry when the
// cache is full.
func (cm *ChannelManager) AppendHistory(ch *ChannelState, msg *database.Message) {
	ch.histMu.Lock()
	defer ch.histMu.Unlock()

	ch.history = append(ch.history, msg)
	if len(ch.history) > cm.historyLimit {
		ch.history = ch.history[len(ch.history)-cm.historyLimit:]
	}
}

// WarmHistory replaces the cache with messages loaded from storage.
func (cm *ChannelManager) WarmHistory(ch *ChannelState, messages []*database.Message) {
	ch.histMu.Lock()
	defer ch.histMu.Unlock()

	if len(messages) > cm.historyLimit {
		messages = messages[len(messages)-cm.historyLimit:]
	}
	ch.history = messages
}
