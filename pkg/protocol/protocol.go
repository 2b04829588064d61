// Package protocol defines the JSON messages exchanged between collaborators and the sync server.
//
// Every message is a flat JSON object with a "type" discriminator. Client messages carry mutations
// or the auth handshake, server messages carry snapshots, per-mutation events and room metadata.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client to server message types.
const (
	TypeCreate  = "CREATE"
	TypeUpdate  = "UPDATE"
	TypeDelete  = "DELETE"
	TypeAuth    = "AUTH"
	TypeReplace = "REPLACE"
)

// Server to client message types.
const (
	TypeSnapshot    = "SNAPSHOT"
	TypeCreated     = "CREATED"
	TypeUpdated     = "UPDATED"
	TypeDeleted     = "DELETED"
	TypeReplaced    = "REPLACED"
	TypeMemberCount = "MEMBER_COUNT"
	TypeAuthAck     = "AUTH_ACK"
)

var (
	ErrValidation  = errors.New("invalid message")
	ErrUnknownType = errors.New("unknown message type")
)

// Record is one entry of a records document.
type Record struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Message is the envelope for every frame in both directions. Only the fields relevant to Type are set.
type Message struct {
	Type string `json:"type"`

	ID         string          `json:"id,omitempty"`
	Title      string          `json:"title,omitempty"`
	Credential string          `json:"credential,omitempty"`
	RoomID     string          `json:"roomId,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`

	Record  *Record  `json:"record,omitempty"`
	Records []Record `json:"records,omitempty"`
	Count   int      `json:"count,omitempty"`
}

// Decode parses one inbound frame and validates it against the rules of its type. When the frame
// is JSON but fails validation, the decoded message is returned alongside the error.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// Encode marshals a message for the wire.
func Encode(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return raw, nil
}

// Validate checks the required fields of a message. Titles are checked for blankness only; the
// store trims them when it applies the mutation.
func (m Message) Validate() error {
	switch m.Type {
	case TypeCreate:
		if strings.TrimSpace(m.Title) == "" {
			return fmt.Errorf("%w: %s requires a title", ErrValidation, m.Type)
		}
	case TypeUpdate:
		if m.ID == "" || strings.TrimSpace(m.Title) == "" {
			return fmt.Errorf("%w: %s requires an id and a title", ErrValidation, m.Type)
		}
	case TypeDelete, TypeDeleted:
		if m.ID == "" {
			return fmt.Errorf("%w: %s requires an id", ErrValidation, m.Type)
		}
	case TypeAuth:
		if strings.TrimSpace(m.Credential) == "" || strings.TrimSpace(m.RoomID) == "" {
			return fmt.Errorf("%w: %s requires a credential and a roomId", ErrValidation, m.Type)
		}
	case TypeReplace, TypeReplaced:
		if !IsObject(m.Document) {
			return fmt.Errorf("%w: %s requires a document object", ErrValidation, m.Type)
		}
	case TypeCreated, TypeUpdated:
		if m.Record == nil || m.Record.ID == "" {
			return fmt.Errorf("%w: %s requires a record", ErrValidation, m.Type)
		}
	case TypeSnapshot, TypeMemberCount, TypeAuthAck:
	case "":
		return fmt.Errorf("%w: missing type", ErrValidation)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

// IsObject reports whether raw is a JSON object.
func IsObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}

// Compact returns raw without insignificant whitespace so two encodings of the same document
// can be compared byte for byte. Invalid input is returned unchanged.
func Compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// Snapshot builds the full-state message for a records document. An empty document encodes
// without a records field.
func Snapshot(records []Record) Message {
	return Message{Type: TypeSnapshot, Records: records}
}

// SceneSnapshot builds the full-state message for a scene document.
func SceneSnapshot(document json.RawMessage) Message {
	return Message{Type: TypeSnapshot, Document: document}
}

// MemberCount builds the room occupancy event.
func MemberCount(count int) Message {
	return Message{Type: TypeMemberCount, Count: count}
}
