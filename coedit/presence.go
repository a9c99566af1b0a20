package coedit

import (
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

type PresenceUser struct {
	UserId   Key
	UserName string
}

// users currently viewing a document, keyed by user id.
// A leave that never arrives leaves a stale entry until the roster is cleared.
type PresenceRoster struct {
	stateLock sync.Mutex
	users     map[Key]*PresenceUser
	// join order
	order []Key
}

func NewPresenceRoster() *PresenceRoster {
	return &PresenceRoster{
		users: map[Key]*PresenceUser{},
	}
}

// returns true if the user was not present
func (self *PresenceRoster) Join(userId Key, userName string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if user, ok := self.users[userId]; ok {
		user.UserName = userName
		return false
	}
	self.users[userId] = &PresenceUser{
		UserId:   userId,
		UserName: userName,
	}
	self.order = append(self.order, userId)
	return true
}

// returns true if the user was present
func (self *PresenceRoster) Leave(userId Key) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.users[userId]; !ok {
		return false
	}
	delete(self.users, userId)
	self.order = slices.DeleteFunc(self.order, func(k Key) bool {
		return k == userId
	})
	return true
}

func (self *PresenceRoster) Contains(userId Key) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.users[userId]
	return ok
}

// in join order
func (self *PresenceRoster) Users() []PresenceUser {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	users := make([]PresenceUser, 0, len(self.order))
	for _, userId := range self.order {
		users = append(users, *self.users[userId])
	}
	return users
}

// ordered by name, then id
func (self *PresenceRoster) SortedUsers() []PresenceUser {
	users := self.Users()
	slices.SortStableFunc(users, func(a PresenceUser, b PresenceUser) int {
		if c := strings.Compare(a.UserName, b.UserName); c != 0 {
			return c
		}
		return strings.Compare(string(a.UserId), string(b.UserId))
	})
	return users
}

func (self *PresenceRoster) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.users)
}

func (self *PresenceRoster) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	clear(self.users)
	self.order = nil
}
