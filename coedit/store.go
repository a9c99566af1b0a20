package coedit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	bolt "go.etcd.io/bbolt"
)

// keys of the local session store
const (
	StoreKeyToken      = "coedit_token"
	StoreKeyUser       = "coedit_user"
	StoreKeyRememberMe = "coedit_remember_me"
)

var storeBucket = []byte("coedit")

// the session credential and user profile cache, persisted between runs
type LocalStore struct {
	db *bolt.DB
}

func DefaultLocalStorePath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "coedit", "session.db"), nil
}

func OpenLocalStore(path string) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(storeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &LocalStore{
		db: db,
	}, nil
}

func (self *LocalStore) get(key string) (value []byte, err error) {
	err = self.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storeBucket)
		if v := bucket.Get([]byte(key)); v != nil {
			// the value is only valid for the life of the transaction
			value = append([]byte{}, v...)
		}
		return nil
	})
	return
}

func (self *LocalStore) put(key string, value []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(storeBucket).Put([]byte(key), value)
	})
}

func (self *LocalStore) delete(keys ...string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storeBucket)
		for _, key := range keys {
			if err := bucket.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// empty if not signed in
func (self *LocalStore) Token() (string, error) {
	value, err := self.get(StoreKeyToken)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (self *LocalStore) SetToken(token string) error {
	return self.put(StoreKeyToken, []byte(token))
}

// nil if no profile is cached
func (self *LocalStore) User() (*User, error) {
	value, err := self.get(StoreKeyUser)
	if err != nil || value == nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(value, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (self *LocalStore) SetUser(user *User) error {
	value, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return self.put(StoreKeyUser, value)
}

func (self *LocalStore) RememberMe() (bool, error) {
	value, err := self.get(StoreKeyRememberMe)
	if err != nil {
		return false, err
	}
	return string(value) == "true", nil
}

func (self *LocalStore) SetRememberMe(rememberMe bool) error {
	if rememberMe {
		return self.put(StoreKeyRememberMe, []byte("true"))
	}
	return self.delete(StoreKeyRememberMe)
}

func (self *LocalStore) ClearAuthData() error {
	return self.delete(StoreKeyToken, StoreKeyUser, StoreKeyRememberMe)
}

// the stored token if it has not expired. An expired or unreadable token is cleared.
func (self *LocalStore) ValidToken(now time.Time) (string, error) {
	token, err := self.Token()
	if err != nil || token == "" {
		return "", err
	}
	sessionJwt, err := ParseSessionJwtUnverified(token)
	if err != nil || sessionJwt.Expired(now) {
		glog.Infof("[store]dropping stored token\n")
		if clearErr := self.ClearAuthData(); clearErr != nil {
			return "", errors.Join(err, clearErr)
		}
		return "", nil
	}
	return token, nil
}

func (self *LocalStore) Close() error {
	return self.db.Close()
}
