package coedit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

// comparable
// identifies one client session (tab) on the bus
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != ulid.EncodedSize+2 {
		return fmt.Errorf("invalid length for ULID: %v", len(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// comparable
// backend record ids (documents, users, permissions, ...) are numeric on the wire
// but the client never does arithmetic on them
type Key string

func (self Key) IsZero() bool {
	return self == ""
}

func (self Key) String() string {
	return string(self)
}

func (self Key) MarshalJSON() ([]byte, error) {
	if self == "" {
		return []byte("null"), nil
	}
	// only the canonical form is a json number, e.g. not "007" or "+1"
	if n, err := strconv.ParseInt(string(self), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(self) {
		return []byte(self), nil
	}
	return json.Marshal(string(self))
}

func (self *Key) UnmarshalJSON(src []byte) error {
	s := strings.TrimSpace(string(src))
	switch {
	case s == "null":
		*self = ""
		return nil
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(src, &str); err != nil {
			return err
		}
		*self = Key(str)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(src, &n); err != nil {
			return fmt.Errorf("invalid key: %s", s)
		}
		*self = Key(n.String())
		return nil
	}
}
