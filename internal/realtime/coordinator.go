package realtime

import (
	"context"
	"sync"
	"time"

	"marginalia/internal/apierr"
	"marginalia/internal/auth"
	"marginalia/internal/logging"
	"marginalia/internal/metrics"
	"marginalia/internal/presence"
)

// Peer is one live connection as seen by the coordinator.
type Peer interface {
	ID() string
	Identity() auth.Identity
	// Send queues the event without blocking. It returns false when the
	// connection is closed or its send buffer is full.
	Send(event Event) bool
	Close()
	// Closed reports whether Close has been called.
	Closed() bool
}

type AccessChecker interface {
	HasAccess(ctx context.Context, userID, documentID string) bool
}

// Relay forwards room events to other processes.
type Relay interface {
	Publish(ctx context.Context, documentID string, event Event) error
}

const relayPublishTimeout = 2 * time.Second

type connState struct {
	mu     sync.Mutex
	peer   Peer
	room   string
	closed bool
}

// Coordinator owns room membership. A connection is in at most one room.
type Coordinator struct {
	access   AccessChecker
	presence *presence.Registry
	metrics  *metrics.Metrics
	relay    Relay

	mu    sync.RWMutex
	rooms map[string]map[string]Peer
	conns map[string]*connState

	docLocksMu sync.Mutex
	docLocks   map[string]*docLock
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

func NewCoordinator(access AccessChecker, registry *presence.Registry, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		access:   access,
		presence: registry,
		metrics:  m,
		rooms:    map[string]map[string]Peer{},
		conns:    map[string]*connState{},
		docLocks: map[string]*docLock{},
	}
}

// SetRelay enables cross-process delivery of annotation events.
func (c *Coordinator) SetRelay(relay Relay) {
	c.relay = relay
}

// Connect registers an authenticated connection.
func (c *Coordinator) Connect(peer Peer) {
	c.mu.Lock()
	c.conns[peer.ID()] = &connState{peer: peer}
	c.mu.Unlock()
	c.metrics.AddConnection()
}

func (c *Coordinator) state(peer Peer) *connState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[peer.ID()]
}

// lockDocument serializes join and leave sequences of one document, so a
// user-joined is never sent for an entry the registry does not hold.
func (c *Coordinator) lockDocument(documentID string) func() {
	c.docLocksMu.Lock()
	lock, ok := c.docLocks[documentID]
	if !ok {
		lock = &docLock{}
		c.docLocks[documentID] = lock
	}
	lock.refs++
	c.docLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.docLocksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.docLocks, documentID)
		}
		c.docLocksMu.Unlock()
	}
}

// Current returns the connection's room, or "".
func (c *Coordinator) Current(peer Peer) string {
	st := c.state(peer)
	if st == nil {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.room
}

// Join moves the connection into documentID. On denial the connection keeps
// its previous room and nothing is broadcast.
func (c *Coordinator) Join(ctx context.Context, peer Peer, documentID string) error {
	st := c.state(peer)
	if st == nil {
		return apierr.Unauthorized("Connection is not registered")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}

	identity := peer.Identity()
	if !c.access.HasAccess(ctx, identity.ID, documentID) {
		return apierr.AccessDenied()
	}

	if st.room != "" && st.room != documentID {
		c.leaveRoom(peer, st.room)
		st.room = ""
	}

	unlock := c.lockDocument(documentID)
	defer unlock()

	alreadyPresent := c.presence.Has(documentID, identity.ID)
	entry := presence.Entry{Profile: identity.Profile, ConnectionID: peer.ID()}
	c.presence.Add(documentID, entry)

	c.mu.Lock()
	members, ok := c.rooms[documentID]
	if !ok {
		members = map[string]Peer{}
		c.rooms[documentID] = members
	}
	members[peer.ID()] = peer
	rooms := len(c.rooms)
	c.mu.Unlock()
	c.metrics.SetRooms(rooms)
	st.room = documentID

	if !alreadyPresent {
		for _, current := range c.presence.List(documentID) {
			if current.ID == identity.ID {
				entry = current
				break
			}
		}
		c.broadcastLocal(documentID, Event{
			Type: EventUserJoined,
			Data: UserJoinedData{User: entry, DocumentID: documentID},
		}, peer.ID())
	}
	c.SendTo(peer, Event{
		Type: EventActiveUsers,
		Data: ActiveUsersData{Users: c.presence.List(documentID), DocumentID: documentID},
	})

	logging.From(ctx).Debugf("joined %s", documentID)
	return nil
}

// Leave exits documentID. Leaving a room the connection is not in is a no-op.
func (c *Coordinator) Leave(ctx context.Context, peer Peer, documentID string) {
	st := c.state(peer)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed || st.room != documentID {
		return
	}
	c.leaveRoom(peer, documentID)
	st.room = ""
	logging.From(ctx).Debugf("left %s", documentID)
}

// Disconnect leaves the current room and forgets the connection. It is safe
// to call more than once.
func (c *Coordinator) Disconnect(peer Peer) {
	st := c.state(peer)
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	if st.room != "" {
		c.leaveRoom(peer, st.room)
		st.room = ""
	}
	st.mu.Unlock()

	c.mu.Lock()
	delete(c.conns, peer.ID())
	c.mu.Unlock()
	c.metrics.RemoveConnection()
}

// leaveRoom removes the peer from the room and notifies the remaining
// members. When the same user is still connected to the room through
// another connection, presence moves to that connection instead.
func (c *Coordinator) leaveRoom(peer Peer, documentID string) {
	unlock := c.lockDocument(documentID)
	defer unlock()

	identity := peer.Identity()

	c.mu.Lock()
	var sibling Peer
	if members, ok := c.rooms[documentID]; ok {
		delete(members, peer.ID())
		for _, other := range members {
			if other.Identity().ID == identity.ID {
				sibling = other
				break
			}
		}
		if len(members) == 0 {
			delete(c.rooms, documentID)
		}
	}
	rooms := len(c.rooms)
	c.mu.Unlock()
	c.metrics.SetRooms(rooms)

	if sibling != nil {
		c.presence.Add(documentID, presence.Entry{Profile: sibling.Identity().Profile, ConnectionID: sibling.ID()})
		return
	}
	if c.presence.Remove(documentID, identity.ID, peer.ID()) {
		c.broadcastLocal(documentID, Event{
			Type: EventUserLeft,
			Data: UserLeftData{UserID: identity.ID, DocumentID: documentID},
		}, peer.ID())
	}
}

// Broadcast delivers the event to every connection in the room except
// exclude, and forwards annotation events through the relay. It returns the
// number of local deliveries.
func (c *Coordinator) Broadcast(ctx context.Context, documentID string, event Event, exclude string) int {
	delivered := c.broadcastLocal(documentID, event, exclude)
	if c.relay != nil && relayed(event.Type) {
		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayPublishTimeout)
		defer cancel()
		if err := c.relay.Publish(publishCtx, documentID, event); err != nil {
			logging.From(ctx).Warnf("relay %s for %s: %v", event.Type, documentID, err)
		}
	}
	return delivered
}

// DeliverRelayed hands an event received from another process to local
// members only.
func (c *Coordinator) DeliverRelayed(documentID string, event Event) {
	c.broadcastLocal(documentID, event, "")
}

func (c *Coordinator) broadcastLocal(documentID string, event Event, exclude string) int {
	c.mu.RLock()
	members := make([]Peer, 0, len(c.rooms[documentID]))
	for id, peer := range c.rooms[documentID] {
		if id != exclude {
			members = append(members, peer)
		}
	}
	c.mu.RUnlock()

	delivered := 0
	for _, peer := range members {
		if c.SendTo(peer, event) {
			delivered++
		}
	}
	c.metrics.AddBroadcastDeliveries(event.Type, delivered)
	return delivered
}

// SendTo queues a targeted event. A peer whose buffer is full is dropped so
// one slow reader cannot stall the room. A closed peer is left to its reader,
// which disconnects it.
func (c *Coordinator) SendTo(peer Peer, event Event) bool {
	if peer.Send(event) {
		return true
	}
	if peer.Closed() {
		return false
	}
	c.metrics.DropSlowConsumer()
	go c.drop(peer)
	return false
}

func (c *Coordinator) drop(peer Peer) {
	peer.Close()
	c.Disconnect(peer)
}

// Members lists the connection ids in a room.
func (c *Coordinator) Members(documentID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.rooms[documentID]))
	for id := range c.rooms[documentID] {
		ids = append(ids, id)
	}
	return ids
}

// Presence returns the presence snapshot of a document.
func (c *Coordinator) Presence(documentID string) []presence.Entry {
	return c.presence.List(documentID)
}

// CloseAll disconnects every connection. Used on shutdown.
func (c *Coordinator) CloseAll() {
	c.mu.RLock()
	peers := make([]Peer, 0, len(c.conns))
	for _, st := range c.conns {
		peers = append(peers, st.peer)
	}
	c.mu.RUnlock()

	for _, peer := range peers {
		c.Disconnect(peer)
		peer.Close()
	}
}
