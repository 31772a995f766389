package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wa-gateway/backend/internal/session"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// ErrNoSession is returned by calls that need a paired device.
var ErrNoSession = errors.New("whatsapp: no paired device")

const pairingClientName = "Chrome (Linux)"

// Adapter implements session.Adapter on top of a whatsmeow client.
type Adapter struct {
	client *whatsmeow.Client
	sink   session.Sink
	log    zerolog.Logger

	mu       sync.Mutex
	qrCancel context.CancelFunc
}

// Factory returns an AdapterFactory that builds clients on the store's
// first device. protoLog receives the client's own log output.
func (s *Store) Factory(log, protoLog zerolog.Logger) session.AdapterFactory {
	return func(sink session.Sink) (session.Adapter, error) {
		device, err := s.container.GetFirstDevice(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load device: %w", err)
		}
		client := whatsmeow.NewClient(device, waLog.Zerolog(protoLog))
		// Reconnection is driven by the session manager.
		client.EnableAutoReconnect = false

		a := &Adapter{
			client: client,
			sink:   sink,
			log:    log.With().Str("component", "whatsapp").Logger(),
		}
		client.AddEventHandler(a.handleEvent)
		return a, nil
	}
}

func (a *Adapter) Open(ctx context.Context) error {
	if a.client.Store.ID == nil {
		if err := a.watchQR(); err != nil {
			return err
		}
	}
	err := a.client.Connect()
	if errors.Is(err, whatsmeow.ErrAlreadyConnected) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// watchQR subscribes to pairing QR codes. Must be called before Connect.
func (a *Adapter) watchQR() error {
	a.mu.Lock()
	if a.qrCancel != nil {
		a.qrCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.qrCancel = cancel
	a.mu.Unlock()

	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		cancel()
		if errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			return nil
		}
		return fmt.Errorf("qr channel: %w", err)
	}

	go func() {
		for item := range ch {
			switch item.Event {
			case whatsmeow.QRChannelEventCode:
				u, err := qrDataURL(item.Code)
				if err != nil {
					a.log.Warn().Err(err).Msg("render qr")
					continue
				}
				a.sink(session.AdapterEvent{Kind: session.QRReceived, QR: u})
			case "success":
			case "timeout":
				a.sink(session.AdapterEvent{Kind: session.LinkClosed, Reason: "qr timeout", Recoverable: true})
			default:
				reason := item.Event
				if item.Error != nil {
					reason = item.Error.Error()
				}
				a.log.Warn().Str("event", item.Event).Str("reason", reason).Msg("pairing interrupted")
				a.sink(session.AdapterEvent{Kind: session.LinkClosed, Reason: reason, Recoverable: true})
			}
		}
	}()
	return nil
}

func (a *Adapter) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := a.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, pairingClientName)
	if err != nil {
		return "", fmt.Errorf("pair phone: %w", err)
	}
	return code, nil
}

func (a *Adapter) ChatID(to string) (string, error) {
	jid, err := parseJID(to)
	if err != nil {
		return "", err
	}
	return jid.String(), nil
}

func (a *Adapter) Send(ctx context.Context, to, text string) (string, error) {
	if a.client.Store.ID == nil {
		return "", ErrNoSession
	}
	jid, err := parseJID(to)
	if err != nil {
		return "", err
	}
	resp, err := a.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", jid, err)
	}
	return resp.ID, nil
}

func (a *Adapter) FetchAvatar(ctx context.Context, id string) (string, error) {
	jid, err := types.ParseJID(id)
	if err != nil {
		return "", err
	}
	info, err := a.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil {
		return "", err
	}
	if info == nil || info.URL == "" {
		return "", errors.New("no profile picture")
	}
	return info.URL, nil
}

func (a *Adapter) Logout(ctx context.Context) error {
	if a.client.Store.ID == nil {
		return ErrNoSession
	}
	return a.client.Logout(ctx)
}

func (a *Adapter) Destroy() {
	a.mu.Lock()
	if a.qrCancel != nil {
		a.qrCancel()
		a.qrCancel = nil
	}
	a.mu.Unlock()
	a.client.RemoveEventHandlers()
	a.client.Disconnect()
}

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		identity := ""
		if id := a.client.Store.ID; id != nil {
			identity = id.User
		}
		a.sink(session.AdapterEvent{Kind: session.LinkOpened, Identity: identity})
	case *events.Disconnected:
		a.sink(session.AdapterEvent{Kind: session.LinkClosed, Reason: "disconnected", Recoverable: true})
	case *events.StreamReplaced:
		a.sink(session.AdapterEvent{Kind: session.LinkClosed, Reason: "stream replaced", Recoverable: true})
	case *events.ConnectFailure:
		a.sink(session.AdapterEvent{Kind: session.LinkClosed, Reason: v.Reason.String(), Recoverable: !v.Reason.IsLoggedOut()})
	case *events.LoggedOut:
		a.sink(session.AdapterEvent{Kind: session.LinkClosed, Reason: "loggedOut", Recoverable: false})
	case *events.Message:
		a.sink(session.AdapterEvent{
			Kind:       session.MessageReceived,
			ChatID:     v.Info.Chat.String(),
			SenderID:   v.Info.Sender.String(),
			SenderName: v.Info.PushName,
			Text:       messageText(v.Message),
			MessageID:  v.Info.ID,
			Timestamp:  v.Info.Timestamp,
			FromMe:     v.Info.IsFromMe,
		})
	case *events.Receipt:
		status, ok := receiptStatus(v.Type)
		if !ok || v.IsFromMe {
			return
		}
		for _, id := range v.MessageIDs {
			a.sink(session.AdapterEvent{
				Kind:      session.MessageStatusChanged,
				ChatID:    v.Chat.String(),
				MessageID: id,
				Timestamp: v.Timestamp,
				FromMe:    true,
				Status:    status,
			})
		}
	}
}
