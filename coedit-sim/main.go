package main

// for this sim, each editor appends unique tokens to one shared document over an in-process bus.
// At the end the persisted content is checked for the tokens that survived.
// Remote edits are last write wins, so the sim measures how much concurrent typing is lost.

import (
	"context"
	"errors"
	"flag"
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/mal0101/coEdit/coedit"
)

func main() {
	flag.Parse()
	ctx := context.Background()

	sim := &LostUpdateSim{
		ctx: ctx,

		editorCount:  8,
		editInterval: 200 * time.Millisecond,
		editJitter:   100 * time.Millisecond,
		editDuration: 5 * time.Second,

		busLatency:    20 * time.Millisecond,
		busJitter:     30 * time.Millisecond,
		storeLatency:  40 * time.Millisecond,
		autoSaveDelay: 500 * time.Millisecond,
		settleTimeout: 10 * time.Second,
	}

	if err := sim.Run(); err != nil {
		panic(err)
	}
}

type LostUpdateSim struct {
	ctx context.Context

	editorCount  int
	editInterval time.Duration
	editJitter   time.Duration
	editDuration time.Duration

	busLatency    time.Duration
	busJitter     time.Duration
	storeLatency  time.Duration
	autoSaveDelay time.Duration
	settleTimeout time.Duration
}

type simEditor struct {
	user              *coedit.User
	connectionManager *coedit.ConnectionManager
	controller        *coedit.DocumentSyncController
	tokens            []string
	remoteEdits       atomic.Int64
}

func (self *LostUpdateSim) Run() error {
	ctx, cancel := context.WithTimeout(self.ctx, self.editDuration+2*self.settleTimeout)
	defer cancel()

	store := newSimStore(self.storeLatency)
	bus := newSimBus(self.busLatency, self.busJitter)
	defer bus.Close()

	document, err := store.CreateDocument(ctx, "sim", "")
	if err != nil {
		return err
	}

	editors := []*simEditor{}
	for i := range self.editorCount {
		user := &coedit.User{
			Id:   coedit.Key(fmt.Sprintf("%d", i+1)),
			Name: fmt.Sprintf("editor-%d", i+1),
		}
		connectionManager := coedit.NewConnectionManagerWithDefaults(ctx, bus)
		if err := connectionManager.Connect(ctx, user.Name, coedit.ConnectCallbacks{}); err != nil {
			return err
		}
		settings := coedit.DefaultSyncSettings()
		settings.AutoSaveDelay = self.autoSaveDelay
		notifier := coedit.NotifierFunction(func(notification *coedit.Notification) {
			glog.Infof("[sim]%s %s: %s\n", user.Name, notification.Severity, notification.Message)
		})
		controller := coedit.NewDocumentSyncController(ctx, store, nil, connectionManager, user, notifier, settings)
		editor := &simEditor{
			user:              user,
			connectionManager: connectionManager,
			controller:        controller,
		}
		controller.AddRemoteEditCallback(func(message *coedit.EditMessage, content string) {
			editor.remoteEdits.Add(1)
		})
		if _, err := controller.Open(ctx, document.Id); err != nil {
			return err
		}
		editors = append(editors, editor)
	}
	defer func() {
		for _, editor := range editors {
			editor.controller.Close()
			editor.connectionManager.Close()
		}
	}()

	var wg sync.WaitGroup
	for _, editor := range editors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			self.typeTokens(ctx, editor)
		}()
	}
	wg.Wait()

	// let the last broadcasts and auto-saves land
	settleEnd := time.Now().Add(self.settleTimeout)
	for time.Now().Before(settleEnd) {
		dirty := false
		for _, editor := range editors {
			if editor.controller.HasUnsavedChanges() || editor.controller.State() == coedit.SyncStateSaving {
				dirty = true
			}
		}
		if !dirty && bus.Idle() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	final, err := store.GetDocument(ctx, document.Id)
	if err != nil {
		return err
	}

	typed := 0
	kept := 0
	for _, editor := range editors {
		editorKept := 0
		for _, token := range editor.tokens {
			if strings.Contains(final.Content, token) {
				editorKept += 1
			}
		}
		typed += len(editor.tokens)
		kept += editorKept
		fmt.Printf(
			"%s: typed=%d kept=%d remote=%d dirty=%t\n",
			editor.user.Name,
			len(editor.tokens),
			editorKept,
			editor.remoteEdits.Load(),
			editor.controller.HasUnsavedChanges(),
		)
	}

	diverged := 0
	for _, editor := range editors {
		if editor.controller.Content() != final.Content {
			diverged += 1
		}
	}

	lost := typed - kept
	var lostFraction float64
	if 0 < typed {
		lostFraction = float64(lost) / float64(typed)
	}
	fmt.Printf(
		"editors=%d typed=%d kept=%d lost=%d (%.2f%%) saves=%d diverged=%d\n",
		len(editors),
		typed,
		kept,
		lost,
		100*lostFraction,
		store.UpdateCount(),
		diverged,
	)
	return nil
}

// the editor types on top of whatever content it currently sees
func (self *LostUpdateSim) typeTokens(ctx context.Context, editor *simEditor) {
	end := time.Now().Add(self.editDuration)
	for i := 0; time.Now().Before(end); i += 1 {
		delay := self.editInterval
		if 0 < self.editJitter {
			delay += time.Duration(mathrand.Int63n(int64(self.editJitter)))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		token := fmt.Sprintf("[%s:%d]", editor.user.Id, i)
		editor.tokens = append(editor.tokens, token)
		if err := editor.controller.ChangeContent(editor.controller.Content() + token); err != nil {
			glog.Infof("[sim]%s change = %s\n", editor.user.Name, err)
		}
	}
}

// document crud with a fixed latency
type simStore struct {
	latency time.Duration

	stateLock   sync.Mutex
	documents   map[coedit.Key]*coedit.Document
	nextId      int
	updateCount int
}

func newSimStore(latency time.Duration) *simStore {
	return &simStore{
		latency:   latency,
		documents: map[coedit.Key]*coedit.Document{},
	}
}

func (self *simStore) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(self.latency):
		return nil
	}
}

func (self *simStore) GetDocument(ctx context.Context, documentId coedit.Key) (*coedit.Document, error) {
	if err := self.wait(ctx); err != nil {
		return nil, err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	document, ok := self.documents[documentId]
	if !ok {
		return nil, errors.New("Document not found.")
	}
	return document.Clone(), nil
}

func (self *simStore) CreateDocument(ctx context.Context, title string, content string) (*coedit.Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.nextId += 1
	now := time.Now()
	document := &coedit.Document{
		Id:        coedit.Key(fmt.Sprintf("%d", self.nextId)),
		Title:     title,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	self.documents[document.Id] = document
	return document.Clone(), nil
}

func (self *simStore) UpdateDocument(ctx context.Context, documentId coedit.Key, update *coedit.DocumentUpdate) (*coedit.Document, error) {
	if err := self.wait(ctx); err != nil {
		return nil, err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	document, ok := self.documents[documentId]
	if !ok {
		return nil, errors.New("Document not found.")
	}
	if update.Title != nil {
		document.Title = *update.Title
	}
	if update.Content != nil {
		document.Content = *update.Content
	}
	document.UpdatedAt = time.Now()
	self.updateCount += 1
	return document.Clone(), nil
}

func (self *simStore) DeleteDocument(ctx context.Context, documentId coedit.Key) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.documents, documentId)
	return nil
}

func (self *simStore) UpdateCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.updateCount
}

// an in-process broker. Each session gets its frames in send order after a per-send delay.
type simBus struct {
	latency time.Duration
	jitter  time.Duration

	stateLock sync.Mutex
	sessions  map[*simSession]bool
	inFlight  int
}

func newSimBus(latency time.Duration, jitter time.Duration) *simBus {
	return &simBus{
		latency:  latency,
		jitter:   jitter,
		sessions: map[*simSession]bool{},
	}
}

func (self *simBus) Dial(ctx context.Context, token string) (coedit.BusSession, error) {
	session := &simSession{
		bus:           self,
		subscriptions: map[string]string{},
		deliver:       make(chan *simDelivery, 1024),
		frames:        make(chan *coedit.BusFrame, 1024),
		done:          make(chan struct{}),
	}
	go session.run()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sessions[session] = true
	return session, nil
}

func (self *simBus) delay() time.Duration {
	delay := self.latency
	if 0 < self.jitter {
		delay += time.Duration(mathrand.Int63n(int64(self.jitter)))
	}
	return delay
}

func (self *simBus) send(destination string, body []byte) {
	topic := "/topic/" + strings.TrimPrefix(destination, "/app/")
	switch {
	case strings.HasSuffix(topic, "/edit"):
		topic = strings.TrimSuffix(topic, "/edit") + "/updates"
	case strings.HasSuffix(topic, "/cursor"):
		topic = strings.TrimSuffix(topic, "/cursor") + "/cursors"
	}

	self.stateLock.Lock()
	deliveries := []*simDelivery{}
	sessions := []*simSession{}
	for session := range self.sessions {
		for subscriptionId, subscribed := range session.subscriptions {
			if subscribed == topic {
				deliveries = append(deliveries, &simDelivery{
					at: time.Now().Add(self.delay()),
					frame: &coedit.BusFrame{
						SubscriptionId: subscriptionId,
						Destination:    topic,
						Body:           body,
					},
				})
				sessions = append(sessions, session)
			}
		}
	}
	self.inFlight += len(deliveries)
	self.stateLock.Unlock()

	for i, delivery := range deliveries {
		select {
		case <-sessions[i].done:
			self.delivered()
		case sessions[i].deliver <- delivery:
		}
	}
}

func (self *simBus) delivered() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.inFlight -= 1
}

func (self *simBus) Idle() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.inFlight == 0
}

func (self *simBus) Close() {
	self.stateLock.Lock()
	sessions := []*simSession{}
	for session := range self.sessions {
		sessions = append(sessions, session)
	}
	self.stateLock.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}

type simDelivery struct {
	at    time.Time
	frame *coedit.BusFrame
}

type simSession struct {
	bus *simBus

	// subscription id -> topic, guarded by the bus lock
	subscriptions map[string]string

	deliver chan *simDelivery
	frames  chan *coedit.BusFrame

	closeOnce sync.Once
	done      chan struct{}
}

// deliveries are queued in send order, so a delay never reorders a session
func (self *simSession) run() {
	defer close(self.frames)
	for {
		select {
		case <-self.done:
			return
		case delivery := <-self.deliver:
			if wait := time.Until(delivery.at); 0 < wait {
				select {
				case <-self.done:
					self.bus.delivered()
					return
				case <-time.After(wait):
				}
			}
			select {
			case <-self.done:
				self.bus.delivered()
				return
			case self.frames <- delivery.frame:
				self.bus.delivered()
			}
		}
	}
}

func (self *simSession) Subscribe(subscriptionId string, destination string) error {
	self.bus.stateLock.Lock()
	defer self.bus.stateLock.Unlock()
	self.subscriptions[subscriptionId] = destination
	return nil
}

func (self *simSession) Unsubscribe(subscriptionId string) error {
	self.bus.stateLock.Lock()
	defer self.bus.stateLock.Unlock()
	delete(self.subscriptions, subscriptionId)
	return nil
}

func (self *simSession) Send(destination string, body []byte) error {
	select {
	case <-self.done:
		return coedit.ErrNotConnected
	default:
	}
	self.bus.send(destination, body)
	return nil
}

func (self *simSession) Frames() <-chan *coedit.BusFrame {
	return self.frames
}

func (self *simSession) Err() error {
	return nil
}

func (self *simSession) Close() error {
	self.closeOnce.Do(func() {
		close(self.done)
		self.bus.stateLock.Lock()
		delete(self.bus.sessions, self)
		self.bus.stateLock.Unlock()
	})
	return nil
}
