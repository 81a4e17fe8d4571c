package infrastructure

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/interfaces"
)

const gmailTokensKey = "gmail_tokens"

// GmailClient sends through one mailbox with the Gmail API.
type GmailClient struct {
	accountID string
	svc       *gmail.Service
}

func (g *GmailClient) Send(ctx context.Context, account entities.Account, msg entities.Email) (string, error) {
	if account.ID != g.accountID {
		return "", errors.Errorf("gmail client for %s cannot send as %s", g.accountID, account.ID)
	}
	raw := base64.RawURLEncoding.EncodeToString([]byte(buildMessage(account, msg, time.Now())))
	res, err := g.svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(err, "gmail send")
	}
	return res.Id, nil
}

// GmailConnector runs the OAuth consent flow and keeps per-account tokens.
type GmailConnector struct {
	config *oauth2.Config
	store  interfaces.Storage
	log    *zap.Logger

	mu     sync.RWMutex
	tokens map[string]*oauth2.Token
}

// NewGmailConnector loads an OAuth client JSON (installed or web) from path.
func NewGmailConnector(ctx context.Context, credentialsPath, redirectURL string, store interfaces.Storage, log *zap.Logger) (*GmailConnector, error) {
	if strings.TrimSpace(credentialsPath) == "" {
		return nil, errors.New("gmail credentials path required")
	}
	raw, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, errors.Wrap(err, "read gmail credentials")
	}
	config, err := google.ConfigFromJSON(raw, gmail.GmailSendScope)
	if err != nil {
		return nil, errors.Wrap(err, "load gmail credentials")
	}
	if redirectURL != "" {
		config.RedirectURL = redirectURL
	}
	return newGmailConnector(ctx, config, store, log), nil
}

func newGmailConnector(ctx context.Context, config *oauth2.Config, store interfaces.Storage, log *zap.Logger) *GmailConnector {
	if log == nil {
		log = zap.NewNop()
	}
	c := &GmailConnector{
		config: config,
		store:  store,
		log:    log,
		tokens: make(map[string]*oauth2.Token),
	}
	raw, err := store.Load(ctx, gmailTokensKey)
	if err != nil {
		log.Warn("load gmail tokens", zap.Error(err))
		return c
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &c.tokens); err != nil {
			log.Warn("discarding unreadable gmail tokens", zap.Error(err))
			c.tokens = make(map[string]*oauth2.Token)
		}
	}
	return c
}

// AuthURL is the consent page for accountID; the account id rides in state.
func (c *GmailConnector) AuthURL(accountID string) string {
	return c.config.AuthCodeURL(accountID, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the consent code for a token and stores it.
func (c *GmailConnector) Exchange(ctx context.Context, accountID, code string) error {
	tok, err := c.config.Exchange(ctx, code)
	if err != nil {
		return errors.Wrap(err, "oauth exchange")
	}
	c.mu.Lock()
	c.tokens[accountID] = tok
	err = c.persistLocked(ctx)
	c.mu.Unlock()
	return err
}

// Forget drops the stored token for accountID.
func (c *GmailConnector) Forget(ctx context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, accountID)
	return c.persistLocked(ctx)
}

func (c *GmailConnector) HasToken(accountID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tokens[accountID]
	return ok
}

func (c *GmailConnector) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(c.tokens)
	if err != nil {
		return errors.Wrap(err, "encode gmail tokens")
	}
	return c.store.Save(ctx, gmailTokensKey, raw)
}

// NewClient is a ClientFactory for TransportManager.
func (c *GmailConnector) NewClient(ctx context.Context, account entities.Account) (interfaces.Transport, error) {
	c.mu.RLock()
	tok, ok := c.tokens[account.ID]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(entities.ErrNotConnected, "no oauth token for %s", account.Email)
	}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(c.config.TokenSource(context.Background(), tok)))
	if err != nil {
		return nil, errors.Wrap(err, "create gmail service")
	}
	return &GmailClient{accountID: account.ID, svc: svc}, nil
}
