package whatsapp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/wa-gateway/backend/internal/session"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

const qrSize = 256

// qrDataURL renders a pairing QR payload as a PNG data URL.
func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("data:image/png;base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(png))
	return b.String(), nil
}

// parseJID accepts a full JID or a bare phone number.
func parseJID(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("%w: empty recipient", session.ErrInvalidRequest)
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %v", session.ErrInvalidRequest, err)
		}
		return jid, nil
	}
	digits := strings.TrimPrefix(to, "+")
	for _, r := range digits {
		if r < '0' || r > '9' {
			return types.JID{}, fmt.Errorf("%w: recipient %q is not a phone number", session.ErrInvalidRequest, to)
		}
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// messageText extracts the text body, or "" when the message carries none.
func messageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if t := msg.GetExtendedTextMessage().GetText(); t != "" {
		return t
	}
	if t := msg.GetImageMessage().GetCaption(); t != "" {
		return t
	}
	return msg.GetVideoMessage().GetCaption()
}

// receiptStatus maps a receipt onto the delivery status of the outbound
// message it acknowledges. Receipts about our own reading are skipped.
func receiptStatus(t types.ReceiptType) (session.StatusTag, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return session.StatusDeliveryAck, true
	case types.ReceiptTypeRead:
		return session.StatusRead, true
	case types.ReceiptTypePlayed:
		return session.StatusPlayed, true
	case types.ReceiptTypeServerError:
		return session.StatusError, true
	default:
		return 0, false
	}
}
