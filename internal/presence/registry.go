package presence

import (
	"errors"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
)

const defaultShardCount = 32

var (
	// ErrAlreadyBound indicates a second join on a connection that already joined a document.
	ErrAlreadyBound = errors.New("presence: connection already bound")
	// ErrConnectionRemoved indicates a join on a connection that has already left.
	ErrConnectionRemoved = errors.New("presence: connection removed")
	// ErrInvalidJoin indicates that a join is missing a connection, document, or principal.
	ErrInvalidJoin = errors.New("presence: invalid join")
)

type bindingState int

const (
	stateBound bindingState = iota + 1
	stateRemoved
)

// Binding is the document and principal a connection joined with.
type Binding struct {
	ConnectionID string
	DocumentID   string
	PrincipalID  string
	DisplayName  string
}

// Snapshot is the membership of one document room.
type Snapshot struct {
	DocumentID    string
	ActiveMembers []string
	MemberNames   map[string]string
}

// Empty reports whether no principal remains in the room.
func (snapshot Snapshot) Empty() bool {
	return len(snapshot.ActiveMembers) == 0
}

// Departure describes the result of a leave.
type Departure struct {
	Binding   Binding
	Remaining Snapshot
}

type connectionEntry struct {
	state   bindingState
	binding Binding
}

type bindingShard struct {
	mu          sync.Mutex
	connections map[string]*connectionEntry
}

type roomMember struct {
	binding Binding
	order   uint64
}

type room struct {
	members   map[string]roomMember
	nextOrder uint64
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// Registry tracks which principals are live on which document. Connections move
// Unbound -> Bound -> Removed; a room exists only while at least one connection is bound to it.
// Locks are sharded by key and always taken connection shard first, room shard second.
type Registry struct {
	bindings []*bindingShard
	rooms    []*roomShard
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	registry := &Registry{
		bindings: make([]*bindingShard, defaultShardCount),
		rooms:    make([]*roomShard, defaultShardCount),
	}
	for index := 0; index < defaultShardCount; index++ {
		registry.bindings[index] = &bindingShard{connections: make(map[string]*connectionEntry)}
		registry.rooms[index] = &roomShard{rooms: make(map[string]*room)}
	}
	return registry
}

// Join binds the connection to the document and returns the room membership including the joiner.
func (registry *Registry) Join(connectionID, documentID, principalID, displayName string) (Snapshot, error) {
	if connectionID == "" || documentID == "" || principalID == "" {
		return Snapshot{}, ErrInvalidJoin
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = principalID
	}

	connections := registry.bindingShardFor(connectionID)
	connections.mu.Lock()
	defer connections.mu.Unlock()
	if entry, exists := connections.connections[connectionID]; exists {
		if entry.state == stateRemoved {
			return Snapshot{}, ErrConnectionRemoved
		}
		return Snapshot{}, ErrAlreadyBound
	}

	binding := Binding{
		ConnectionID: connectionID,
		DocumentID:   documentID,
		PrincipalID:  principalID,
		DisplayName:  displayName,
	}
	rooms := registry.roomShardFor(documentID)
	rooms.mu.Lock()
	current, ok := rooms.rooms[documentID]
	if !ok {
		current = &room{members: make(map[string]roomMember)}
		rooms.rooms[documentID] = current
	}
	current.nextOrder++
	current.members[connectionID] = roomMember{binding: binding, order: current.nextOrder}
	snapshot := current.snapshot(documentID)
	rooms.mu.Unlock()

	connections.connections[connectionID] = &connectionEntry{state: stateBound, binding: binding}
	return snapshot, nil
}

// Leave unbinds the connection. It reports false when the connection was never bound or already left.
func (registry *Registry) Leave(connectionID string) (Departure, bool) {
	connections := registry.bindingShardFor(connectionID)
	connections.mu.Lock()
	defer connections.mu.Unlock()
	entry, exists := connections.connections[connectionID]
	if !exists || entry.state != stateBound {
		return Departure{}, false
	}
	entry.state = stateRemoved

	binding := entry.binding
	rooms := registry.roomShardFor(binding.DocumentID)
	rooms.mu.Lock()
	defer rooms.mu.Unlock()
	current, ok := rooms.rooms[binding.DocumentID]
	if !ok {
		return Departure{Binding: binding, Remaining: Snapshot{DocumentID: binding.DocumentID, ActiveMembers: []string{}, MemberNames: map[string]string{}}}, true
	}
	delete(current.members, connectionID)
	remaining := current.snapshot(binding.DocumentID)
	if len(current.members) == 0 {
		delete(rooms.rooms, binding.DocumentID)
	}
	return Departure{Binding: binding, Remaining: remaining}, true
}

// Forget drops all state for a connection once its transport is gone. A bound connection is left first.
func (registry *Registry) Forget(connectionID string) {
	registry.Leave(connectionID)
	connections := registry.bindingShardFor(connectionID)
	connections.mu.Lock()
	delete(connections.connections, connectionID)
	connections.mu.Unlock()
}

// Binding returns the live binding of a connection.
func (registry *Registry) Binding(connectionID string) (Binding, bool) {
	connections := registry.bindingShardFor(connectionID)
	connections.mu.Lock()
	defer connections.mu.Unlock()
	entry, exists := connections.connections[connectionID]
	if !exists || entry.state != stateBound {
		return Binding{}, false
	}
	return entry.binding, true
}

// Members returns the current membership of a document.
func (registry *Registry) Members(documentID string) Snapshot {
	rooms := registry.roomShardFor(documentID)
	rooms.mu.RLock()
	defer rooms.mu.RUnlock()
	current, ok := rooms.rooms[documentID]
	if !ok {
		return Snapshot{DocumentID: documentID, ActiveMembers: []string{}, MemberNames: map[string]string{}}
	}
	return current.snapshot(documentID)
}

// Connections lists the live connection ids bound to a document.
func (registry *Registry) Connections(documentID string) []string {
	rooms := registry.roomShardFor(documentID)
	rooms.mu.RLock()
	defer rooms.mu.RUnlock()
	current, ok := rooms.rooms[documentID]
	if !ok {
		return nil
	}
	connectionIDs := make([]string, 0, len(current.members))
	for connectionID := range current.members {
		connectionIDs = append(connectionIDs, connectionID)
	}
	sort.Strings(connectionIDs)
	return connectionIDs
}

// RoomCount reports how many documents currently have live members.
func (registry *Registry) RoomCount() int {
	total := 0
	for _, shard := range registry.rooms {
		shard.mu.RLock()
		total += len(shard.rooms)
		shard.mu.RUnlock()
	}
	return total
}

func (current *room) snapshot(documentID string) Snapshot {
	names := make(map[string]string, len(current.members))
	latestOrder := make(map[string]uint64, len(current.members))
	for _, member := range current.members {
		principalID := member.binding.PrincipalID
		// the most recent join of a principal names it
		if previous, seen := latestOrder[principalID]; seen && previous > member.order {
			continue
		}
		latestOrder[principalID] = member.order
		names[principalID] = member.binding.DisplayName
	}
	members := make([]string, 0, len(names))
	for principalID := range names {
		members = append(members, principalID)
	}
	sort.Strings(members)
	return Snapshot{DocumentID: documentID, ActiveMembers: members, MemberNames: names}
}

func (registry *Registry) bindingShardFor(key string) *bindingShard {
	return registry.bindings[shardIndex(key, len(registry.bindings))]
}

func (registry *Registry) roomShardFor(key string) *roomShard {
	return registry.rooms[shardIndex(key, len(registry.rooms))]
}

func shardIndex(key string, shardCount int) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32() % uint32(shardCount))
}
