package interfaces

import (
	"context"

	"bulkmailer/internal/entities"
)

// Transport delivers one email through the given account.
type Transport interface {
	Send(ctx context.Context, account entities.Account, msg entities.Email) (messageID string, err error)
}

// Storage is a best-effort key/value store. Load returns nil, nil for a missing key.
type Storage interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
}

// Identity resolves the user behind a request.
type Identity interface {
	CurrentUser(ctx context.Context) (*entities.User, error)
}

// Alerter pushes operator notifications such as lock transitions.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}
