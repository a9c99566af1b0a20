package coedit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

type ConnectionStatus int

const (
	ConnectionStatusDisconnected ConnectionStatus = iota
	ConnectionStatusConnecting
	ConnectionStatusConnected
)

func (self ConnectionStatus) String() string {
	switch self {
	case ConnectionStatusDisconnected:
		return "disconnected"
	case ConnectionStatusConnecting:
		return "connecting"
	case ConnectionStatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type ConnectionEventType int

const (
	ConnectionEventConnected ConnectionEventType = iota
	ConnectionEventDisconnected
	ConnectionEventReconnecting
	ConnectionEventError
	ConnectionEventTerminal
)

func (self ConnectionEventType) String() string {
	switch self {
	case ConnectionEventConnected:
		return "connected"
	case ConnectionEventDisconnected:
		return "disconnected"
	case ConnectionEventReconnecting:
		return "reconnecting"
	case ConnectionEventError:
		return "error"
	case ConnectionEventTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

type ConnectionEvent struct {
	Type ConnectionEventType
	// set for `Reconnecting`
	Attempt int
	Delay   time.Duration
	// set for `Error`, `Terminal`, and for `Disconnected` when the session dropped
	Err error
}

type ConnectionEventFunction = func(event *ConnectionEvent)

type ConnectCallbacks struct {
	OnConnect    func()
	OnError      func(err error)
	OnDisconnect func()
}

type ConnectionSettings struct {
	// delay before reconnect attempt n is n * ReconnectDelay
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		ReconnectDelay:       3 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// an inbound message, handed to the subscription handler
type Message struct {
	ChannelKey  string
	Destination string
	Body        []byte
	// decoded json, or the raw body as a string when `DecodeErr` is set
	Value     any
	DecodeErr error
}

func (self *Message) Unmarshal(v any) error {
	if self.DecodeErr != nil {
		return self.DecodeErr
	}
	if err := json.Unmarshal(self.Body, v); err != nil {
		return &DecodeError{
			Destination: self.Destination,
			Err:         err,
		}
	}
	return nil
}

type MessageHandler func(message *Message)

type Subscription struct {
	ChannelKey     string
	Topic          string
	SubscriptionId string

	handler MessageHandler
}

// owns the bus session, the subscription registry, and the reconnect policy.
// One manager is shared by all controllers of a client.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	dialer    BusDialer
	settings  *ConnectionSettings
	reconnect *Reconnect
	sessionId Id
	log       LogFunction

	stateLock sync.Mutex
	status    ConnectionStatus
	token     string
	callbacks ConnectCallbacks
	session   BusSession
	// advanced on every connect, disconnect, and drop. Stale loops compare against it and exit.
	epoch           uint64
	reconnectCancel context.CancelFunc
	// channel key -> subscription
	subscriptions map[string]*Subscription
	// subscription id -> subscription
	subscriptionIds map[string]*Subscription

	eventCallbacks *CallbackList[ConnectionEventFunction]
}

func NewConnectionManagerWithDefaults(ctx context.Context, dialer BusDialer) *ConnectionManager {
	return NewConnectionManager(ctx, dialer, DefaultConnectionSettings())
}

func NewConnectionManager(ctx context.Context, dialer BusDialer, settings *ConnectionSettings) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:             cancelCtx,
		cancel:          cancel,
		dialer:          dialer,
		settings:        settings,
		reconnect:       NewReconnect(settings.ReconnectDelay, settings.MaxReconnectAttempts),
		sessionId:       NewId(),
		log:             LogFn(1, "[cm]"),
		status:          ConnectionStatusDisconnected,
		subscriptions:   map[string]*Subscription{},
		subscriptionIds: map[string]*Subscription{},
		eventCallbacks:  NewCallbackList[ConnectionEventFunction](),
	}
}

// identifies this client on the bus. Diagnostics only.
func (self *ConnectionManager) SessionId() Id {
	return self.sessionId
}

func (self *ConnectionManager) AddConnectionEventCallback(callback ConnectionEventFunction) func() {
	return self.eventCallbacks.Add(callback)
}

func (self *ConnectionManager) emit(event *ConnectionEvent) {
	for _, callback := range self.eventCallbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
}

func (self *ConnectionManager) dial(ctx context.Context, token string) (BusSession, error) {
	if glog.V(2) {
		return TraceWithReturnError("[cm]dial", func() (BusSession, error) {
			return self.dialer.Dial(ctx, token)
		})
	}
	return self.dialer.Dial(ctx, token)
}

// blocks until the session is established or the dial fails.
// The initial connect is not retried. Once established, drops are retried per the reconnect policy.
func (self *ConnectionManager) Connect(ctx context.Context, token string, callbacks ConnectCallbacks) error {
	self.stateLock.Lock()
	if self.status == ConnectionStatusConnected && self.session != nil {
		// the callbacks of the first connect stay registered
		self.stateLock.Unlock()
		self.log("already connected")
		if callbacks.OnConnect != nil {
			HandleError(callbacks.OnConnect)
		}
		return nil
	}
	if self.reconnectCancel != nil {
		self.reconnectCancel()
		self.reconnectCancel = nil
	}
	self.epoch += 1
	epoch := self.epoch
	self.status = ConnectionStatusConnecting
	self.token = token
	self.callbacks = callbacks
	self.stateLock.Unlock()

	session, err := self.dial(ctx, token)
	if err != nil {
		self.stateLock.Lock()
		if epoch == self.epoch {
			self.status = ConnectionStatusDisconnected
		}
		self.stateLock.Unlock()

		connectionErr := &ConnectionError{
			Message: "Failed to connect",
			Err:     err,
		}
		glog.Infof("[cm]connect error = %s\n", err)
		self.emit(&ConnectionEvent{
			Type: ConnectionEventError,
			Err:  connectionErr,
		})
		if callbacks.OnError != nil {
			HandleError(func() {
				callbacks.OnError(connectionErr)
			})
		}
		return connectionErr
	}

	if !self.establish(session, epoch) {
		session.Close()
		return ErrNotConnected
	}
	return nil
}

// adopts a new session. Returns false if the session was superseded while dialing.
func (self *ConnectionManager) establish(session BusSession, epoch uint64) bool {
	self.stateLock.Lock()
	if epoch != self.epoch || self.ctx.Err() != nil {
		self.stateLock.Unlock()
		return false
	}
	self.session = session
	self.status = ConnectionStatusConnected
	self.reconnect.Reset()
	subscriptions := self.subscriptionList()
	callbacks := self.callbacks
	self.stateLock.Unlock()

	glog.Infof("[cm]connected\n")

	// re-issue the registry on the new session
	for _, subscription := range subscriptions {
		if err := session.Subscribe(subscription.SubscriptionId, subscription.Topic); err != nil {
			glog.Infof("[cm]resubscribe %s error = %s\n", subscription.ChannelKey, err)
		} else {
			self.log("resubscribed %s", subscription.ChannelKey)
		}
	}

	go self.run(session, epoch)

	self.emit(&ConnectionEvent{
		Type: ConnectionEventConnected,
	})
	if callbacks.OnConnect != nil {
		HandleError(callbacks.OnConnect)
	}
	return true
}

// reads the session until it ends, then starts the reconnect loop if the end was not asked for
func (self *ConnectionManager) run(session BusSession, epoch uint64) {
	for busFrame := range session.Frames() {
		self.dispatch(busFrame)
	}

	self.stateLock.Lock()
	if epoch != self.epoch {
		// disconnected or superseded
		self.stateLock.Unlock()
		return
	}
	err := session.Err()
	self.session = nil
	self.status = ConnectionStatusDisconnected
	self.epoch += 1
	reconnectEpoch := self.epoch
	reconnectCtx, reconnectCancel := context.WithCancel(self.ctx)
	self.reconnectCancel = reconnectCancel
	callbacks := self.callbacks
	self.stateLock.Unlock()

	session.Close()

	glog.Infof("[cm]connection lost = %s\n", err)
	self.emit(&ConnectionEvent{
		Type: ConnectionEventDisconnected,
		Err:  err,
	})
	if callbacks.OnDisconnect != nil {
		HandleError(callbacks.OnDisconnect)
	}

	go func() {
		defer reconnectCancel()
		self.reconnectLoop(reconnectCtx, reconnectEpoch)
	}()
}

func (self *ConnectionManager) reconnectLoop(ctx context.Context, epoch uint64) {
	for {
		attempt, delay, ok := self.reconnect.Next()
		if !ok {
			self.stateLock.Lock()
			if epoch != self.epoch {
				self.stateLock.Unlock()
				return
			}
			self.status = ConnectionStatusDisconnected
			self.reconnectCancel = nil
			callbacks := self.callbacks
			self.stateLock.Unlock()

			err := &ConnectionError{
				Terminal: true,
				Message:  ConnectionLostMessage,
			}
			glog.Errorf("[cm]reconnect attempts exhausted (%d)\n", attempt)
			self.emit(&ConnectionEvent{
				Type: ConnectionEventTerminal,
				Err:  err,
			})
			if callbacks.OnError != nil {
				HandleError(func() {
					callbacks.OnError(err)
				})
			}
			return
		}

		self.stateLock.Lock()
		if epoch != self.epoch {
			self.stateLock.Unlock()
			return
		}
		self.status = ConnectionStatusConnecting
		token := self.token
		self.stateLock.Unlock()

		glog.Infof("[cm]reconnect attempt %d in %s\n", attempt, delay)
		self.emit(&ConnectionEvent{
			Type:    ConnectionEventReconnecting,
			Attempt: attempt,
			Delay:   delay,
		})

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		session, err := self.dial(ctx, token)
		if err != nil {
			self.stateLock.Lock()
			current := epoch == self.epoch
			callbacks := self.callbacks
			self.stateLock.Unlock()
			if !current {
				return
			}

			connectionErr := &ConnectionError{
				Message: "Reconnect failed",
				Err:     err,
			}
			glog.Infof("[cm]reconnect attempt %d error = %s\n", attempt, err)
			self.emit(&ConnectionEvent{
				Type:    ConnectionEventError,
				Attempt: attempt,
				Err:     connectionErr,
			})
			if callbacks.OnError != nil {
				HandleError(func() {
					callbacks.OnError(connectionErr)
				})
			}
			continue
		}

		if !self.establish(session, epoch) {
			session.Close()
		}
		return
	}
}

func (self *ConnectionManager) dispatch(busFrame *BusFrame) {
	self.stateLock.Lock()
	subscription, ok := self.subscriptionIds[busFrame.SubscriptionId]
	if !ok && busFrame.SubscriptionId == "" {
		for _, s := range self.subscriptions {
			if s.Topic == busFrame.Destination {
				subscription = s
				ok = true
				break
			}
		}
	}
	self.stateLock.Unlock()

	if !ok {
		glog.V(2).Infof("[cm]drop %s (no subscription)\n", busFrame.Destination)
		return
	}

	message := &Message{
		ChannelKey:  subscription.ChannelKey,
		Destination: busFrame.Destination,
		Body:        busFrame.Body,
	}
	var value any
	if err := json.Unmarshal(busFrame.Body, &value); err != nil {
		decodeErr := &DecodeError{
			Destination: busFrame.Destination,
			Err:         err,
		}
		glog.Warningf("[cm]%s\n", decodeErr)
		message.Value = string(busFrame.Body)
		message.DecodeErr = decodeErr
	} else {
		message.Value = value
	}

	glog.V(2).Infof("[cm]%s<-\n", subscription.ChannelKey)
	HandleError(func() {
		subscription.handler(message)
	})
}

// registers `handler` for `topic` under `channelKey`, replacing any subscription with the same key.
// Returns nil when not connected.
func (self *ConnectionManager) Subscribe(channelKey string, topic string, handler MessageHandler) *Subscription {
	self.stateLock.Lock()
	if self.status != ConnectionStatusConnected || self.session == nil {
		self.stateLock.Unlock()
		glog.Warningf("[cm]cannot subscribe to %s, not connected\n", topic)
		return nil
	}
	session := self.session
	previous := self.subscriptions[channelKey]
	if previous != nil {
		delete(self.subscriptionIds, previous.SubscriptionId)
	}
	subscription := &Subscription{
		ChannelKey:     channelKey,
		Topic:          topic,
		SubscriptionId: NewId().String(),
		handler:        handler,
	}
	self.subscriptions[channelKey] = subscription
	self.subscriptionIds[subscription.SubscriptionId] = subscription
	self.stateLock.Unlock()

	if previous != nil {
		if err := session.Unsubscribe(previous.SubscriptionId); err != nil {
			self.log("unsubscribe %s error = %s", channelKey, err)
		}
	}
	if err := session.Subscribe(subscription.SubscriptionId, topic); err != nil {
		// the registry keeps it. It is re-issued on the next session.
		glog.Infof("[cm]subscribe %s error = %s\n", channelKey, err)
	} else {
		self.log("subscribed %s -> %s", channelKey, topic)
	}
	return subscription
}

func (self *ConnectionManager) Unsubscribe(channelKey string) {
	self.stateLock.Lock()
	subscription, ok := self.subscriptions[channelKey]
	if ok {
		delete(self.subscriptions, channelKey)
		delete(self.subscriptionIds, subscription.SubscriptionId)
	}
	session := self.session
	self.stateLock.Unlock()

	if ok && session != nil {
		if err := session.Unsubscribe(subscription.SubscriptionId); err != nil {
			self.log("unsubscribe %s error = %s", channelKey, err)
		}
	}
}

// must be called with the state lock
func (self *ConnectionManager) subscriptionList() []*Subscription {
	subscriptions := []*Subscription{}
	for _, subscription := range self.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions
}

func (self *ConnectionManager) UnsubscribeDocument(documentId Key) {
	for _, channelKey := range DocumentChannelKeys(documentId) {
		self.Unsubscribe(channelKey)
	}
}

func (self *ConnectionManager) HasSubscription(channelKey string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.subscriptions[channelKey]
	return ok
}

func (self *ConnectionManager) ChannelKeys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	channelKeys := []string{}
	for channelKey := range self.subscriptions {
		channelKeys = append(channelKeys, channelKey)
	}
	slices.Sort(channelKeys)
	return channelKeys
}

// fire and forget. Dropped with a warning when not connected.
// `payload` is sent as is if it is a `[]byte`, otherwise it is encoded as json.
func (self *ConnectionManager) Publish(destination string, payload any) error {
	self.stateLock.Lock()
	session := self.session
	connected := self.status == ConnectionStatusConnected
	self.stateLock.Unlock()

	if !connected || session == nil {
		glog.Warningf("[cm]cannot send to %s, not connected\n", destination)
		return ErrNotConnected
	}

	var body []byte
	switch v := payload.(type) {
	case []byte:
		body = v
	default:
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	if err := session.Send(destination, body); err != nil {
		glog.Infof("[cm]send %s error = %s\n", destination, err)
		return err
	}
	glog.V(2).Infof("[cm]->%s\n", destination)
	return nil
}

// cancels all subscriptions, closes the session, and stops any reconnect in progress.
func (self *ConnectionManager) Disconnect() {
	self.stateLock.Lock()
	self.epoch += 1
	if self.reconnectCancel != nil {
		self.reconnectCancel()
		self.reconnectCancel = nil
	}
	session := self.session
	self.session = nil
	subscriptions := self.subscriptionList()
	clear(self.subscriptions)
	clear(self.subscriptionIds)
	changed := self.status != ConnectionStatusDisconnected
	self.status = ConnectionStatusDisconnected
	self.stateLock.Unlock()

	if session != nil {
		for _, subscription := range subscriptions {
			// errors are swallowed, the session is going away
			session.Unsubscribe(subscription.SubscriptionId)
		}
		session.Close()
	}

	if changed {
		self.log("disconnected")
		self.emit(&ConnectionEvent{
			Type: ConnectionEventDisconnected,
		})
	}
}

func (self *ConnectionManager) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *ConnectionManager) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *ConnectionManager) IsConnected() bool {
	return self.Status() == ConnectionStatusConnected
}

func (self *ConnectionManager) ReconnectAttempt() int {
	return self.reconnect.Attempt()
}

func (self *ConnectionManager) SubscribeDocumentUpdates(documentId Key, handler MessageHandler) *Subscription {
	return self.Subscribe(UpdatesChannelKey(documentId), DocumentUpdatesTopic(documentId), handler)
}

func (self *ConnectionManager) SubscribeCursorUpdates(documentId Key, handler MessageHandler) *Subscription {
	return self.Subscribe(CursorsChannelKey(documentId), DocumentCursorsTopic(documentId), handler)
}

func (self *ConnectionManager) SubscribePresence(documentId Key, handler MessageHandler) *Subscription {
	return self.Subscribe(PresenceChannelKey(documentId), DocumentPresenceTopic(documentId), handler)
}

func (self *ConnectionManager) SendEdit(documentId Key, message *EditMessage) error {
	if message.SessionId == "" {
		message.SessionId = self.sessionId.String()
	}
	return self.Publish(DocumentEditDestination(documentId), message)
}

func (self *ConnectionManager) SendCursorPosition(documentId Key, message *CursorMessage) error {
	if message.SessionId == "" {
		message.SessionId = self.sessionId.String()
	}
	return self.Publish(DocumentCursorDestination(documentId), message)
}

func (self *ConnectionManager) SendPresence(documentId Key, message *PresenceMessage) error {
	if message.SessionId == "" {
		message.SessionId = self.sessionId.String()
	}
	return self.Publish(DocumentPresenceDestination(documentId), message)
}
