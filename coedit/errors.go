package coedit

import (
	"errors"
	"fmt"
)

const ConnectionLostMessage = "Connection lost. Please refresh the page."

var ErrNoDocument = errors.New("No document loaded.")
var ErrNotConnected = errors.New("Not connected.")
var ErrNoVersions = errors.New("Version history is not available.")
var ErrEmptyResponse = errors.New("Empty response.")

// the document could not be fetched. Fatal to the editing session.
type LoadError struct {
	DocumentId Key
	Err        error
}

func (self *LoadError) Error() string {
	return fmt.Sprintf("Failed to load document %s: %s", self.DocumentId, self.Err)
}

func (self *LoadError) Unwrap() error {
	return self.Err
}

// the document could not be persisted. The dirty flag is kept so the next save retries.
type SaveError struct {
	DocumentId Key
	Err        error
}

func (self *SaveError) Error() string {
	return fmt.Sprintf("Failed to save document %s: %s", self.DocumentId, self.Err)
}

func (self *SaveError) Unwrap() error {
	return self.Err
}

// handshake or transport failure.
// `Terminal` is set once the reconnect budget is spent and the session will not recover by itself.
type ConnectionError struct {
	Terminal bool
	Message  string
	Err      error
}

func (self *ConnectionError) Error() string {
	if self.Err == nil {
		return self.Message
	}
	return fmt.Sprintf("%s: %s", self.Message, self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

// an inbound message body that is not valid json
type DecodeError struct {
	Destination string
	Err         error
}

func (self *DecodeError) Error() string {
	return fmt.Sprintf("Could not decode message on %s: %s", self.Destination, self.Err)
}

func (self *DecodeError) Unwrap() error {
	return self.Err
}

func IsTerminalConnectionError(err error) bool {
	var connectionErr *ConnectionError
	if errors.As(err, &connectionErr) {
		return connectionErr.Terminal
	}
	return false
}
