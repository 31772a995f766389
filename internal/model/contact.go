package model

import (
	"encoding/json"
	"time"
)

// Direction tells whether a message was authored by the linked device.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "them"
	}
	return "me"
}

func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Direction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "them" {
		*d = Inbound
	} else {
		*d = Outbound
	}
	return nil
}

// DeliveryStatus is the three-valued delivery model exposed to observers.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// Message is one entry in a contact's timeline.
type Message struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Sender    Direction      `json:"sender"`
	Status    DeliveryStatus `json:"status"`
}

// Contact aggregates everything known about one chat peer. Messages is kept in
// insertion order and only ever grows.
type Contact struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	LastMessage string    `json:"lastMessage"`
	Timestamp   time.Time `json:"timestamp"`
	AvatarURL   string    `json:"avatarUrl"`
	UnreadCount int       `json:"unreadCount"`
	Messages    []Message `json:"messages,omitempty"`
}

// Clone returns a deep copy so the caller can hand it to another goroutine.
func (c *Contact) Clone() *Contact {
	cp := *c
	if len(c.Messages) > 0 {
		cp.Messages = make([]Message, len(c.Messages))
		copy(cp.Messages, c.Messages)
	}
	return &cp
}

// Summary returns a copy without the timeline, used in per-message events.
func (c *Contact) Summary() Contact {
	cp := *c
	cp.Messages = nil
	return cp
}
