// Package relay tracks which connections are viewing which document and fans
// in-flight edits out to the other members of a document room.
package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Peer is one live connection as seen by the registry and broadcaster.
type Peer interface {
	ID() string
	Send(event string, payload any) error
}

// RoomInfo summarises a live room for listing.
type RoomInfo struct {
	ID         string `json:"id"`
	Users      int    `json:"users"`
	LastActive int64  `json:"lastActive,omitempty"`
}

type room struct {
	members    map[string]Peer
	lastActive int64
}

// Registry maps document ids to the connections joined to them. A connection
// is a member of at most one room; joining another room moves it.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	byPeer map[string]string
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		byPeer: make(map[string]string),
		now:    time.Now,
	}
}

// Join adds peer to the room for documentID. It reports whether membership
// changed; joining the room the peer is already in is a no-op.
func (r *Registry) Join(peer Peer, documentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := peer.ID()
	if current, ok := r.byPeer[id]; ok {
		if current == documentID {
			return false
		}
		r.removeLocked(id, current)
	}

	rm, ok := r.rooms[documentID]
	if !ok {
		rm = &room{members: make(map[string]Peer)}
		r.rooms[documentID] = rm
	}
	rm.members[id] = peer
	rm.lastActive = r.now().UnixMilli()
	r.byPeer[id] = documentID

	logrus.WithFields(logrus.Fields{
		"socket_id":   id,
		"document_id": documentID,
		"members":     len(rm.members),
	}).Debug("peer joined room")
	return true
}

// Leave removes peer from documentID. Non-members are ignored.
func (r *Registry) Leave(peer Peer, documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := peer.ID()
	if r.byPeer[id] != documentID {
		return
	}
	r.removeLocked(id, documentID)
}

// DropConnection removes peer from every room it belongs to and returns the
// rooms it left.
func (r *Registry) DropConnection(peer Peer) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := peer.ID()
	current, ok := r.byPeer[id]
	if !ok {
		return nil
	}
	r.removeLocked(id, current)
	return []string{current}
}

func (r *Registry) removeLocked(peerID, documentID string) {
	delete(r.byPeer, peerID)

	rm, ok := r.rooms[documentID]
	if !ok {
		return
	}
	delete(rm.members, peerID)
	if len(rm.members) == 0 {
		delete(r.rooms, documentID)
	}
}

// MembersOf returns a snapshot of the peers in documentID, originator included.
func (r *Registry) MembersOf(documentID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[documentID]
	if !ok {
		return nil
	}
	members := make([]Peer, 0, len(rm.members))
	for _, p := range rm.members {
		members = append(members, p)
	}
	return members
}

// RoomOf returns the room peerID is joined to.
func (r *Registry) RoomOf(peerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	documentID, ok := r.byPeer[peerID]
	return documentID, ok
}

// Touch records activity in a room without changing membership.
func (r *Registry) Touch(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[documentID]; ok {
		rm.lastActive = r.now().UnixMilli()
	}
}

// Rooms lists live rooms, busiest first, then most recently active.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	rooms := make([]RoomInfo, 0, len(r.rooms))
	for id, rm := range r.rooms {
		rooms = append(rooms, RoomInfo{ID: id, Users: len(rm.members), LastActive: rm.lastActive})
	}
	r.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Users != rooms[j].Users {
			return rooms[i].Users > rooms[j].Users
		}
		if rooms[i].LastActive != rooms[j].LastActive {
			return rooms[i].LastActive > rooms[j].LastActive
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}

// Reset forgets every room. Used on shutdown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms = make(map[string]*room)
	r.byPeer = make(map[string]string)
}
