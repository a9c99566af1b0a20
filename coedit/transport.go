package coedit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 32

// an inbound MESSAGE frame
type BusFrame struct {
	SubscriptionId string
	Destination    string
	Body           []byte
}

// one authenticated session on the message bus
type BusSession interface {
	Subscribe(subscriptionId string, destination string) error
	Unsubscribe(subscriptionId string) error
	Send(destination string, body []byte) error
	// inbound frames in bus order. Closed when the session ends for any reason.
	Frames() <-chan *BusFrame
	// why the session ended. nil while open and after `Close`
	Err() error
	Close() error
}

type BusDialer interface {
	Dial(ctx context.Context, token string) (BusSession, error)
}

type BusTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	// heart-beat we send, and ask the server to send
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	// grace on top of the server heart-beat before the read side gives up
	HeartbeatGrace time.Duration
}

func DefaultBusTransportSettings() *BusTransportSettings {
	return &BusTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		AuthTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		HeartbeatOutgoing:  4 * time.Second,
		HeartbeatIncoming:  4 * time.Second,
		HeartbeatGrace:     4 * time.Second,
	}
}

// dials stomp over websocket. The bearer token is sent both as the upgrade header
// and as a stomp CONNECT header, so the broker can authorize either way.
type StompDialer struct {
	busUrl   string
	settings *BusTransportSettings
}

func NewStompDialerWithDefaults(busUrl string) *StompDialer {
	return NewStompDialer(busUrl, DefaultBusTransportSettings())
}

func NewStompDialer(busUrl string, settings *BusTransportSettings) *StompDialer {
	return &StompDialer{
		busUrl:   busUrl,
		settings: settings,
	}
}

func (self *StompDialer) Dial(ctx context.Context, token string) (BusSession, error) {
	u, err := url.Parse(self.busUrl)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", bearer(token))
	}

	ws, _, err := dialer.DialContext(ctx, self.busUrl, header)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	connectBytes, err := EncodeFrame(ConnectFrame(u.Hostname(), token, self.settings.HeartbeatOutgoing, self.settings.HeartbeatIncoming))
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, connectBytes); err != nil {
		return nil, err
	}

	var connected *frame.Frame
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	for connected == nil {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		f, err := DecodeFrame(message)
		if err != nil {
			return nil, err
		}
		if f == nil {
			// heart-beat
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			connected = f
		case frame.ERROR:
			return nil, stompErrorFromFrame(f)
		default:
			return nil, fmt.Errorf("Connect response error: unexpected %s.", f.Command)
		}
	}
	ws.SetWriteDeadline(time.Time{})
	ws.SetReadDeadline(time.Time{})

	// the server heart-beat is (sx, sy). We read every sx (if we asked for it) and must write every sy.
	sx, sy := ParseHeartBeat(connected.Header.Get(frame.HeartBeat))
	var readTimeout time.Duration
	if 0 < sx && 0 < self.settings.HeartbeatIncoming {
		readTimeout = max(sx, self.settings.HeartbeatIncoming) + self.settings.HeartbeatGrace
	}
	var pingTimeout time.Duration
	if 0 < sy && 0 < self.settings.HeartbeatOutgoing {
		pingTimeout = max(sy, self.settings.HeartbeatOutgoing)
	}

	success = true
	session := newStompSession(ctx, ws, self.settings.WriteTimeout, readTimeout, pingTimeout)
	glog.V(1).Infof("[t]connected %s version=%s\n", self.busUrl, connected.Header.Get(frame.Version))
	return session, nil
}

type stompSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws *websocket.Conn

	writeTimeout time.Duration
	readTimeout  time.Duration
	pingTimeout  time.Duration

	send   chan []byte
	frames chan *BusFrame

	stateLock sync.Mutex
	err       error
	closed    bool
}

func newStompSession(
	ctx context.Context,
	ws *websocket.Conn,
	writeTimeout time.Duration,
	readTimeout time.Duration,
	pingTimeout time.Duration,
) *stompSession {
	// the session outlives the dial context
	cancelCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session := &stompSession{
		ctx:          cancelCtx,
		cancel:       cancel,
		ws:           ws,
		writeTimeout: writeTimeout,
		readTimeout:  readTimeout,
		pingTimeout:  pingTimeout,
		send:         make(chan []byte, TransportBufferSize),
		frames:       make(chan *BusFrame, TransportBufferSize),
	}
	go session.write()
	go session.read()
	return session
}

func (self *stompSession) fail(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.closed && self.err == nil {
		self.err = err
	}
	self.cancel()
}

func (self *stompSession) write() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	var ping <-chan time.Time
	for {
		if 0 < self.pingTimeout {
			ping = time.After(self.pingTimeout)
		}
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.writeTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a dealine timeout cannot be recovered
				glog.Infof("[ts]-> error = %s\n", err)
				self.fail(err)
				return
			}
			glog.V(2).Infof("[ts]->\n")
		case <-ping:
			self.ws.SetWriteDeadline(time.Now().Add(self.writeTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, HeartbeatBytes()); err != nil {
				self.fail(err)
				return
			}
		}
	}
}

func (self *stompSession) read() {
	defer func() {
		self.cancel()
		close(self.frames)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if 0 < self.readTimeout {
			self.ws.SetReadDeadline(time.Now().Add(self.readTimeout))
		}
		_, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[tr]<- error = %s\n", err)
			self.fail(err)
			return
		}

		f, err := DecodeFrame(message)
		if err != nil {
			glog.Warningf("[tr]<- bad frame = %s\n", err)
			continue
		}
		if f == nil {
			glog.V(2).Infof("[tr]ping<-\n")
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			busFrame := &BusFrame{
				SubscriptionId: f.Header.Get(frame.Subscription),
				Destination:    f.Header.Get(frame.Destination),
				Body:           f.Body,
			}
			select {
			case <-self.ctx.Done():
				return
			case self.frames <- busFrame:
				glog.V(2).Infof("[tr]%s<-\n", busFrame.Destination)
			}
		case frame.ERROR:
			err := stompErrorFromFrame(f)
			glog.Infof("[tr]<- %s\n", err)
			// the broker closes the connection after an ERROR frame
			self.fail(err)
			return
		default:
			glog.V(2).Infof("[tr]other=%s<-\n", f.Command)
		}
	}
}

func (self *stompSession) enqueue(f *frame.Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if self.ctx.Err() != nil {
		return ErrNotConnected
	}
	select {
	case <-self.ctx.Done():
		return ErrNotConnected
	case self.send <- b:
		return nil
	case <-time.After(self.writeTimeout):
		return fmt.Errorf("Send timeout.")
	}
}

func (self *stompSession) Subscribe(subscriptionId string, destination string) error {
	return self.enqueue(SubscribeFrame(subscriptionId, destination))
}

func (self *stompSession) Unsubscribe(subscriptionId string) error {
	return self.enqueue(UnsubscribeFrame(subscriptionId))
}

func (self *stompSession) Send(destination string, body []byte) error {
	return self.enqueue(SendFrame(destination, body))
}

func (self *stompSession) Frames() <-chan *BusFrame {
	return self.frames
}

func (self *stompSession) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closed {
		return nil
	}
	if self.err == nil && self.ctx.Err() != nil {
		return errors.New("Session closed.")
	}
	return self.err
}

func (self *stompSession) Close() error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil
	}
	self.closed = true
	self.stateLock.Unlock()

	// best effort, the broker does not need to see it
	if b, err := EncodeFrame(DisconnectFrame()); err == nil {
		select {
		case self.send <- b:
		default:
		}
	}
	self.cancel()
	return nil
}
