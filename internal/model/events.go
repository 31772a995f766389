package model

// EventKind names an observer-facing event. The set is closed.
type EventKind string

const (
	EventInitialData    EventKind = "initialData"
	EventStatusUpdate   EventKind = "statusUpdate"
	EventQR             EventKind = "qr"
	EventCode           EventKind = "code"
	EventPairingError   EventKind = "pairingError"
	EventNewMessage     EventKind = "newMessage"
	EventMessageUpdate  EventKind = "messageUpdate"
	EventWebhookLog     EventKind = "webhookLog"
	EventDashboardStats EventKind = "dashboardStats"
)

type StatusUpdatePayload struct {
	Status ConnectionState `json:"status"`
	Phone  string          `json:"phone,omitempty"`
}

type QRPayload struct {
	QR string `json:"qr"`
}

type CodePayload struct {
	Code string `json:"code"`
}

type PairingErrorPayload struct {
	Message string `json:"message"`
}

type NewMessagePayload struct {
	Contact Contact `json:"contact"`
	Message Message `json:"message"`
}

// MessageUpdatePayload reports a delivery status change. FinalID is set only
// when MessageID is a client-side temporary id that has just been assigned
// its protocol id.
type MessageUpdatePayload struct {
	ChatID    string         `json:"chatId"`
	MessageID string         `json:"messageId"`
	Status    DeliveryStatus `json:"status"`
	FinalID   string         `json:"finalId,omitempty"`
}

// Snapshot is everything a newly attached observer needs.
type Snapshot struct {
	ConnectionStatus ConnectionState `json:"connectionStatus"`
	ConnectedPhone   string          `json:"connectedPhone,omitempty"`
	QRCode           string          `json:"qrCode,omitempty"`
	PairingCode      string          `json:"pairingCode,omitempty"`
	PairingError     string          `json:"pairingError,omitempty"`
	WebhookURL       string          `json:"webhookUrl"`
	IsWebhookEnabled bool            `json:"isWebhookEnabled"`
	WebhookEvents    []WebhookEvent  `json:"webhookEvents"`
	DashboardStats   DashboardStats  `json:"dashboardStats"`
	Contacts         []Contact       `json:"contacts"`
}
