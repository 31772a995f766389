package session

import (
	"context"
	"time"
)

// Adapter is the protocol client for one logical device. Every method except
// Destroy may block on the network and is never called from the manager loop.
type Adapter interface {
	// Open starts (or restarts) the link. It returns once the attempt is under
	// way; the outcome arrives later as LinkOpened, QRReceived or LinkClosed.
	Open(ctx context.Context) error
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	// ChatID resolves a recipient as given by a caller (a bare phone number or
	// a full id) to the chat id the adapter reports events under.
	ChatID(to string) (string, error)
	// Send delivers a text message and returns its protocol id.
	Send(ctx context.Context, to, text string) (string, error)
	FetchAvatar(ctx context.Context, id string) (string, error)
	// Logout unlinks the device on the protocol side.
	Logout(ctx context.Context) error
	// Destroy drops the connection and releases resources. Credentials stay.
	Destroy()
}

// Sink receives adapter events. It is safe to call from any goroutine and
// blocks until the manager has accepted the event or stopped.
type Sink func(AdapterEvent)

// AdapterFactory builds an adapter bound to sink.
type AdapterFactory func(sink Sink) (Adapter, error)

// CredentialStore owns the persisted device credentials.
type CredentialStore interface {
	Clear(ctx context.Context) error
}

// EventKind classifies adapter events.
type EventKind int

const (
	LinkOpened EventKind = iota
	LinkClosed
	QRReceived
	PairingCodeReady
	PairingCodeFailed
	MessageReceived
	MessageStatusChanged
)

var eventKindNames = map[EventKind]string{
	LinkOpened:           "linkOpened",
	LinkClosed:           "linkClosed",
	QRReceived:           "qrReceived",
	PairingCodeReady:     "pairingCodeReady",
	PairingCodeFailed:    "pairingCodeFailed",
	MessageReceived:      "messageReceived",
	MessageStatusChanged: "messageStatusChanged",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// StatusTag is the protocol-level delivery status of an outbound message.
type StatusTag int

const (
	StatusPending StatusTag = iota
	StatusServerAck
	StatusDeliveryAck
	StatusRead
	StatusPlayed
	StatusError
)

// AdapterEvent is a tagged union; which fields are meaningful depends on Kind.
type AdapterEvent struct {
	Kind EventKind

	// LinkOpened
	Identity string

	// LinkClosed
	Reason      string
	Recoverable bool

	// QRReceived, PairingCodeReady, PairingCodeFailed
	QR    string
	Code  string
	Error string

	// MessageReceived, MessageStatusChanged
	ChatID     string
	SenderID   string
	SenderName string
	Text       string
	MessageID  string
	Timestamp  time.Time
	FromMe     bool
	Status     StatusTag

	gen uint64
}
