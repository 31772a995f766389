package ws

import (
	"encoding/json"

	"github.com/wa-gateway/backend/internal/model"
)

// MsgCommandError is sent only to the observer whose command failed.
const MsgCommandError model.EventKind = "commandError"

// WSMessage is the envelope for every server-to-observer frame.
type WSMessage struct {
	Type    model.EventKind `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload any             `json:"payload"`
}

// CommandType names an observer-to-server command.
type CommandType string

const (
	CmdRequestQR   CommandType = "requestQR"
	CmdRequestCode CommandType = "requestCode"
	CmdSendMessage CommandType = "sendMessage"
	CmdLogout      CommandType = "logout"
	CmdSaveWebhook CommandType = "saveWebhook"
	CmdClearError  CommandType = "clearError"
)

type ClientCommand struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RequestCodePayload struct {
	PhoneNumber string `json:"phoneNumber"`
}

type SaveWebhookPayload struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

type CommandErrorPayload struct {
	Command CommandType `json:"command"`
	Message string      `json:"message"`
}
