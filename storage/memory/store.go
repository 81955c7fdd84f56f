package memory

import (
	"errors"
	"sync"
)

var (
	ErrAlreadyJoined = errors.New("socket already joined this channel")
	ErrNotAMember    = errors.New("socket is not a member of this channel")
)

// Store keeps channel membership in memory. A channel exists only while it
// has at least one member; the entry is removed as soon as the last member
// parts. Nothing survives a process restart.
type Store struct {
	mx       *sync.Mutex
	channels map[string]map[string]struct{} // channel -> member socket ids
	joined   map[string]map[string]struct{} // socket id -> channels it joined
}

func NewStore() *Store {
	return &Store{
		mx:       &sync.Mutex{},
		channels: make(map[string]map[string]struct{}),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Join adds socketID to channel, creating the channel if absent, and returns
// the members that were present before the join. Joining a channel the
// socket is already in returns ErrAlreadyJoined and changes nothing.
func (s *Store) Join(channel, socketID string) ([]string, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.joined[socketID][channel]; ok {
		return nil, ErrAlreadyJoined
	}

	members, ok := s.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		s.channels[channel] = members
	}
	existing := make([]string, 0, len(members))
	for id := range members {
		existing = append(existing, id)
	}

	members[socketID] = struct{}{}
	if s.joined[socketID] == nil {
		s.joined[socketID] = make(map[string]struct{})
	}
	s.joined[socketID][channel] = struct{}{}
	return existing, nil
}

// Part removes socketID from channel and returns the members that remain.
// The channel entry is deleted when the last member leaves. Parting a
// channel the socket never joined returns ErrNotAMember.
func (s *Store) Part(channel, socketID string) ([]string, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.joined[socketID][channel]; !ok {
		return nil, ErrNotAMember
	}

	delete(s.joined[socketID], channel)
	if len(s.joined[socketID]) == 0 {
		delete(s.joined, socketID)
	}

	members := s.channels[channel]
	delete(members, socketID)
	if len(members) == 0 {
		delete(s.channels, channel)
		return nil, nil
	}

	remaining := make([]string, 0, len(members))
	for id := range members {
		remaining = append(remaining, id)
	}
	return remaining, nil
}

// Channels returns the channels socketID is currently a member of.
func (s *Store) Channels(socketID string) []string {
	s.mx.Lock()
	defer s.mx.Unlock()

	out := make([]string, 0, len(s.joined[socketID]))
	for channel := range s.joined[socketID] {
		out = append(out, channel)
	}
	return out
}

// Members returns the current members of channel, or ok=false if the
// channel does not exist.
func (s *Store) Members(channel string) ([]string, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	members, ok := s.channels[channel]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out, true
}

// Occupancy returns a channel -> member count snapshot.
func (s *Store) Occupancy() map[string]int {
	s.mx.Lock()
	defer s.mx.Unlock()

	out := make(map[string]int, len(s.channels))
	for channel, members := range s.channels {
		out[channel] = len(members)
	}
	return out
}
