package coedit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// an in-process broker. Sends to `/app/document/<id>/<kind>` are routed to the matching
// `/topic/document/<id>/...` topic, the way the backend relays them.
type memoryBus struct {
	stateLock sync.Mutex
	sessions  []*memorySession
	dialCount int
	// when set, dials fail
	dialErr error
	sent    []*memorySent
}

type memorySent struct {
	Destination string
	Body        []byte
}

func newMemoryBus() *memoryBus {
	return &memoryBus{}
}

func (self *memoryBus) Dial(ctx context.Context, token string) (BusSession, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.dialCount += 1
	if self.dialErr != nil {
		return nil, self.dialErr
	}
	session := &memorySession{
		bus:           self,
		token:         token,
		frames:        make(chan *BusFrame, 128),
		subscriptions: map[string]string{},
	}
	self.sessions = append(self.sessions, session)
	return session, nil
}

func (self *memoryBus) SetDialErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.dialErr = err
}

func (self *memoryBus) DialCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dialCount
}

func (self *memoryBus) LastSession() *memorySession {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.sessions) == 0 {
		return nil
	}
	return self.sessions[len(self.sessions)-1]
}

func (self *memoryBus) Sent(destination string) [][]byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	bodies := [][]byte{}
	for _, sent := range self.sent {
		if sent.Destination == destination {
			bodies = append(bodies, sent.Body)
		}
	}
	return bodies
}

// delivers to every open session subscribed to `topic`
func (self *memoryBus) Deliver(topic string, body []byte) {
	self.stateLock.Lock()
	sessions := append([]*memorySession{}, self.sessions...)
	self.stateLock.Unlock()

	for _, session := range sessions {
		session.deliver(topic, body)
	}
}

func routeTopic(destination string) (string, bool) {
	if !strings.HasPrefix(destination, "/app/document/") {
		return "", false
	}
	parts := strings.Split(strings.TrimPrefix(destination, "/app/document/"), "/")
	if len(parts) != 2 {
		return "", false
	}
	documentId := Key(parts[0])
	switch parts[1] {
	case "edit":
		return DocumentUpdatesTopic(documentId), true
	case "cursor":
		return DocumentCursorsTopic(documentId), true
	case "presence":
		return DocumentPresenceTopic(documentId), true
	default:
		return "", false
	}
}

func (self *memoryBus) send(destination string, body []byte) {
	self.stateLock.Lock()
	self.sent = append(self.sent, &memorySent{
		Destination: destination,
		Body:        body,
	})
	self.stateLock.Unlock()

	if topic, ok := routeTopic(destination); ok {
		self.Deliver(topic, body)
	}
}

type memorySession struct {
	bus   *memoryBus
	token string

	stateLock sync.Mutex
	frames    chan *BusFrame
	// subscription id -> topic
	subscriptions map[string]string
	err           error
	closed        bool
	ended         bool
}

func (self *memorySession) deliver(topic string, body []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.ended {
		return
	}
	for subscriptionId, subscriptionTopic := range self.subscriptions {
		if subscriptionTopic == topic {
			self.frames <- &BusFrame{
				SubscriptionId: subscriptionId,
				Destination:    topic,
				Body:           body,
			}
		}
	}
}

func (self *memorySession) Subscribe(subscriptionId string, destination string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.ended {
		return ErrNotConnected
	}
	self.subscriptions[subscriptionId] = destination
	return nil
}

func (self *memorySession) Unsubscribe(subscriptionId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.ended {
		return ErrNotConnected
	}
	delete(self.subscriptions, subscriptionId)
	return nil
}

func (self *memorySession) SubscriptionCount(topic string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	count := 0
	for _, subscriptionTopic := range self.subscriptions {
		if subscriptionTopic == topic {
			count += 1
		}
	}
	return count
}

func (self *memorySession) Send(destination string, body []byte) error {
	self.stateLock.Lock()
	ended := self.ended
	self.stateLock.Unlock()
	if ended {
		return ErrNotConnected
	}
	self.bus.send(destination, body)
	return nil
}

func (self *memorySession) Frames() <-chan *BusFrame {
	return self.frames
}

func (self *memorySession) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closed {
		return nil
	}
	return self.err
}

// simulates the transport dropping
func (self *memorySession) Drop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.ended {
		return
	}
	self.err = errors.New("connection reset")
	self.ended = true
	close(self.frames)
}

func (self *memorySession) Close() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.closed = true
	if !self.ended {
		self.ended = true
		close(self.frames)
	}
	return nil
}

func (self *memorySession) IsClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatalf("timeout after %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}
}
