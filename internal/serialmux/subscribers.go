package serialmux

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// subscriberSet hands out line channels keyed by random ids. Once shut,
// new subscriptions receive an already-closed channel.
type subscriberSet struct {
	mu     sync.Mutex
	chans  map[string]chan string
	shut   bool
	buffer int
}

func newSubscriberSet(buffer int) *subscriberSet {
	return &subscriberSet{chans: make(map[string]chan string), buffer: buffer}
}

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *subscriberSet) add() (string, chan string) {
	id := randomID()
	ch := make(chan string, s.buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shut {
		close(ch)
		return id, ch
	}
	s.chans[id] = ch
	return id, ch
}

func (s *subscriberSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.chans[id]; ok {
		close(ch)
		delete(s.chans, id)
	}
}

// send offers line to every subscriber without blocking and reports how
// many were full.
func (s *subscriberSet) send(line string) (dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chans {
		select {
		case ch <- line:
		default:
			dropped++
		}
	}
	return dropped
}

func (s *subscriberSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chans)
}

// shutdown closes every channel. It reports false if already shut.
func (s *subscriberSet) shutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shut {
		return false
	}
	s.shut = true
	for id, ch := range s.chans {
		close(ch)
		delete(s.chans, id)
	}
	return true
}
