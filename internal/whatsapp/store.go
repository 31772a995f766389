package whatsapp

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"
)

// Store holds the device credentials in a SQLite database. It is the only
// durable state the gateway keeps.
type Store struct {
	container *sqlstore.Container
	log       zerolog.Logger
}

// OpenStore opens (creating if needed) the credential database at path.
func OpenStore(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Zerolog(log.With().Str("component", "wa-store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("open credential store %s: %w", path, err)
	}
	return &Store{container: container, log: log}, nil
}

// Clear deletes every stored device so the next session starts unpaired.
func (s *Store) Clear(ctx context.Context) error {
	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if err := s.container.DeleteDevice(ctx, d); err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
	}
	if len(devices) > 0 {
		s.log.Info().Int("devices", len(devices)).Msg("credentials cleared")
	}
	return nil
}

func (s *Store) Close() error {
	return s.container.Close()
}
