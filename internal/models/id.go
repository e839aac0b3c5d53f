package models

import (
	"encoding/json"
	"fmt"
)

type idKind uint8

const (
	kindNone idKind = iota
	kindProvisional
	kindPersisted
	kindWelcome
)

// MessageID identifies a message either by a locally generated provisional
// value or by the identifier assigned by the remote store. The zero value
// identifies nothing.
type MessageID struct {
	kind  idKind
	value string
}

// WelcomeID is the fixed identifier of the synthetic welcome message.
var WelcomeID = MessageID{kind: kindWelcome, value: "welcome"}

func Provisional(local string) MessageID {
	return MessageID{kind: kindProvisional, value: local}
}

func Persisted(remote string) MessageID {
	return MessageID{kind: kindPersisted, value: remote}
}

func (id MessageID) IsProvisional() bool { return id.kind == kindProvisional }
func (id MessageID) IsPersisted() bool   { return id.kind == kindPersisted }
func (id MessageID) IsWelcome() bool     { return id.kind == kindWelcome }
func (id MessageID) IsZero() bool        { return id.kind == kindNone }

// Value returns the raw identifier without its variant.
func (id MessageID) Value() string { return id.value }

func (id MessageID) String() string {
	switch id.kind {
	case kindProvisional:
		return "local:" + id.value
	case kindPersisted:
		return id.value
	case kindWelcome:
		return id.value
	default:
		return ""
	}
}

type wireID struct {
	Value       string `json:"value"`
	Provisional bool   `json:"provisional,omitempty"`
	Welcome     bool   `json:"welcome,omitempty"`
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(wireID{
		Value:       id.value,
		Provisional: id.IsProvisional(),
		Welcome:     id.IsWelcome(),
	})
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = MessageID{}
		return nil
	}
	var w wireID
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode message id: %w", err)
	}
	switch {
	case w.Welcome:
		*id = WelcomeID
	case w.Provisional:
		*id = Provisional(w.Value)
	default:
		*id = Persisted(w.Value)
	}
	return nil
}
