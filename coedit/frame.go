package coedit

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// the bus speaks stomp over websocket, one frame per websocket text message

const StompAcceptVersion = "1.2,1.1,1.0"

const ContentTypeJson = "application/json"

func EncodeFrame(f *frame.Frame) ([]byte, error) {
	var buff bytes.Buffer
	if err := frame.NewWriter(&buff).Write(f); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

func RequireEncodeFrame(f *frame.Frame) []byte {
	b, err := EncodeFrame(f)
	if err != nil {
		panic(err)
	}
	return b
}

// returns a nil frame for a heart-beat
func DecodeFrame(b []byte) (*frame.Frame, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	return frame.NewReader(bytes.NewReader(b)).Read()
}

func HeartbeatBytes() []byte {
	return []byte{'\n'}
}

func ConnectFrame(host string, token string, heartbeatOutgoing time.Duration, heartbeatIncoming time.Duration) *frame.Frame {
	f := frame.New(
		frame.CONNECT,
		frame.AcceptVersion, StompAcceptVersion,
		frame.Host, host,
		frame.HeartBeat, fmt.Sprintf("%d,%d", heartbeatOutgoing.Milliseconds(), heartbeatIncoming.Milliseconds()),
	)
	if token != "" {
		f.Header.Set("Authorization", bearer(token))
	}
	return f
}

func SubscribeFrame(subscriptionId string, destination string) *frame.Frame {
	return frame.New(
		frame.SUBSCRIBE,
		frame.Id, subscriptionId,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
}

func UnsubscribeFrame(subscriptionId string) *frame.Frame {
	return frame.New(
		frame.UNSUBSCRIBE,
		frame.Id, subscriptionId,
	)
}

func SendFrame(destination string, body []byte) *frame.Frame {
	f := frame.New(
		frame.SEND,
		frame.Destination, destination,
		frame.ContentType, ContentTypeJson,
	)
	f.Header.Set(frame.ContentLength, strconv.Itoa(len(body)))
	f.Body = body
	return f
}

func DisconnectFrame() *frame.Frame {
	return frame.New(frame.DISCONNECT)
}

// the server side of the negotiated heart-beat, (server sends every sx, server wants every sy)
// zero means no heart-beat in that direction
func ParseHeartBeat(value string) (sx time.Duration, sy time.Duration) {
	parts := strings.SplitN(strings.TrimSpace(value), ",", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	if ms, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil && 0 < ms {
		sx = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && 0 < ms {
		sy = time.Duration(ms) * time.Millisecond
	}
	return
}

// an ERROR frame from the broker
type StompError struct {
	Message string
	Body    string
}

func (self *StompError) Error() string {
	if self.Body == "" {
		return fmt.Sprintf("STOMP error: %s", self.Message)
	}
	return fmt.Sprintf("STOMP error: %s (%s)", self.Message, self.Body)
}

func stompErrorFromFrame(f *frame.Frame) *StompError {
	return &StompError{
		Message: f.Header.Get(frame.Message),
		Body:    strings.TrimSpace(string(f.Body)),
	}
}

func bearer(token string) string {
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return token
	}
	return fmt.Sprintf("Bearer %s", token)
}
