package coedit

import (
	"time"
)

type EditOperation string

const (
	EditOperationInsert  EditOperation = "insert"
	EditOperationDelete  EditOperation = "delete"
	EditOperationReplace EditOperation = "replace"
)

// body of `/app/document/<id>/edit` and `/topic/document/<id>/updates`.
// The editor publishes whole content. Operation messages carry an incremental change instead.
type EditMessage struct {
	DocumentId Key     `json:"documentId,omitempty"`
	UserId     Key     `json:"userId,omitempty"`
	UserName   string  `json:"userName,omitempty"`
	Email      string  `json:"email,omitempty"`
	Content    *string `json:"content,omitempty"`

	Operation      EditOperation `json:"operation,omitempty"`
	CursorPosition int           `json:"cursorPosition,omitempty"`
	ChangeContent  *string       `json:"changeContent,omitempty"`
	Length         int           `json:"length,omitempty"`

	// diagnostics only. Remote edits are applied last write wins regardless of these.
	SessionId string `json:"sessionId,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type PresenceAction string

const (
	PresenceActionJoin  PresenceAction = "join"
	PresenceActionLeave PresenceAction = "leave"
)

// body of `/app/document/<id>/presence`.
// The client sends `type`. The broker may echo it back as `action`.
type PresenceMessage struct {
	Type       PresenceAction `json:"type,omitempty"`
	Action     PresenceAction `json:"action,omitempty"`
	DocumentId Key            `json:"documentId,omitempty"`
	UserId     Key            `json:"userId"`
	UserName   string         `json:"userName,omitempty"`
	SessionId  string         `json:"sessionId,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
}

func (self *PresenceMessage) PresenceAction() PresenceAction {
	if self.Type != "" {
		return self.Type
	}
	return self.Action
}

// body of `/app/document/<id>/cursor`
type CursorMessage struct {
	DocumentId     Key    `json:"documentId,omitempty"`
	UserId         Key    `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	UserColor      string `json:"userColor,omitempty"`
	CursorPosition int    `json:"cursorPosition"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
	SessionId      string `json:"sessionId,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

func messageTimestamp(now time.Time) int64 {
	return now.UnixMilli()
}
