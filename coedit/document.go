package coedit

import (
	"time"
)

// `model.Document`
type Document struct {
	Id        Key       `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Owner     *User     `json:"owner,omitempty"`
	OwnerId   Key       `json:"ownerId,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// the owner is either embedded or flattened depending on the endpoint
func (self *Document) OwnerKey() Key {
	if self.Owner != nil && !self.Owner.Id.IsZero() {
		return self.Owner.Id
	}
	return self.OwnerId
}

func (self *Document) Clone() *Document {
	if self == nil {
		return nil
	}
	clone := *self
	if self.Owner != nil {
		owner := *self.Owner
		clone.Owner = &owner
	}
	return &clone
}

// partial update. Nil fields are left unchanged by the backend.
type DocumentUpdate struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

// `model.User`
type User struct {
	Id    Key    `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

type AccessType string

const (
	AccessTypeViewer AccessType = "VIEWER"
	AccessTypeEditor AccessType = "EDITOR"
	AccessTypeOwner  AccessType = "OWNER"
)

func (self AccessType) rank() int {
	switch self {
	case AccessTypeViewer:
		return 0
	case AccessTypeEditor:
		return 1
	case AccessTypeOwner:
		return 2
	default:
		return -1
	}
}

// true if `self` grants at least `required`
func (self AccessType) Allows(required AccessType) bool {
	r := self.rank()
	return 0 <= r && required.rank() <= r
}

// `model.Permission`
type Permission struct {
	Id         Key        `json:"id"`
	Document   *KeyRef    `json:"document,omitempty"`
	User       *User      `json:"user,omitempty"`
	AccessType AccessType `json:"accessType"`
}

func (self *Permission) UserKey() Key {
	if self.User == nil {
		return ""
	}
	return self.User.Id
}

// `{"id": ...}` reference used by the backend for relations
type KeyRef struct {
	Id Key `json:"id"`
}

// `model.Comment`
type Comment struct {
	Id        Key       `json:"id"`
	Document  *KeyRef   `json:"document,omitempty"`
	User      *User     `json:"user,omitempty"`
	Body      string    `json:"body"`
	Location  *int      `json:"location,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// `model.VersionHistory`
type Version struct {
	Id        Key       `json:"id"`
	Document  *KeyRef   `json:"document,omitempty"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	EditedBy  *User     `json:"editedBy,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}
