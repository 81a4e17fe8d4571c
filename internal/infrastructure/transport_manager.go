package infrastructure

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/interfaces"
)

// ClientFactory builds the sending client for one account.
type ClientFactory func(ctx context.Context, account entities.Account) (interfaces.Transport, error)

// SharedClient returns a factory handing every account the same transport.
func SharedClient(t interfaces.Transport) ClientFactory {
	return func(context.Context, entities.Account) (interfaces.Transport, error) {
		return t, nil
	}
}

// TransportManager manages per-account sending clients and routes sends to them.
type TransportManager struct {
	clients map[string]interfaces.Transport
	mu      sync.RWMutex
	factory ClientFactory
	log     *zap.Logger
}

func NewTransportManager(factory ClientFactory, log *zap.Logger) *TransportManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &TransportManager{
		clients: make(map[string]interfaces.Transport),
		factory: factory,
		log:     log,
	}
}

// GetClient returns the existing client for an account (nil if none)
func (m *TransportManager) GetClient(accountID string) interfaces.Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[accountID]
}

// GetOrCreateClient gets the existing client or creates one for the account
func (m *TransportManager) GetOrCreateClient(ctx context.Context, account entities.Account) (interfaces.Transport, error) {
	m.mu.RLock()
	client, ok := m.clients[account.ID]
	m.mu.RUnlock()
	if ok {
		return client, nil
	}

	if m.factory == nil {
		return nil, entities.ErrNoTransport
	}
	client, err := m.factory(ctx, account)
	if err != nil {
		return nil, errors.Wrapf(err, "create client for account %s", account.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.clients[account.ID]; ok {
		return existing, nil
	}
	m.clients[account.ID] = client
	m.log.Debug("transport client created", zap.String("account_id", account.ID))
	return client, nil
}

// Send implements interfaces.Transport by routing through the account's client.
func (m *TransportManager) Send(ctx context.Context, account entities.Account, msg entities.Email) (string, error) {
	client, err := m.GetOrCreateClient(ctx, account)
	if err != nil {
		return "", err
	}
	return client.Send(ctx, account, msg)
}

// Disconnect drops the cached client for an account
func (m *TransportManager) Disconnect(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, accountID)
}

// ConnectedAccounts lists account ids with a live client
func (m *TransportManager) ConnectedAccounts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	return ids
}

// DisconnectAll clears every client (for graceful shutdown)
func (m *TransportManager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = make(map[string]interfaces.Transport)
}
