package infrastructure

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"bulkmailer/internal/entities"
)

type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	TLSMode  string // starttls, tls or none
}

// SMTPClient relays every account's mail through one SMTP server, using the
// account address as envelope sender.
type SMTPClient struct {
	settings SMTPSettings
	timeout  time.Duration
}

func NewSMTPClient(settings SMTPSettings) *SMTPClient {
	return &SMTPClient{settings: settings, timeout: 30 * time.Second}
}

func (s *SMTPClient) Send(ctx context.Context, account entities.Account, msg entities.Email) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.settings.Host, s.settings.Port)
	client, err := s.connect(ctx, addr)
	if err != nil {
		return "", err
	}
	defer client.Close()

	if s.settings.Username != "" {
		auth := smtp.PlainAuth("", s.settings.Username, s.settings.Password, s.settings.Host)
		if err := client.Auth(auth); err != nil {
			return "", errors.Wrap(err, "smtp auth")
		}
	}
	if err := client.Mail(account.Email); err != nil {
		return "", errors.Wrap(err, "smtp from")
	}
	if err := client.Rcpt(msg.To); err != nil {
		return "", errors.Wrap(err, "smtp rcpt")
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(account.Email))
	writer, err := client.Data()
	if err != nil {
		return "", errors.Wrap(err, "smtp data")
	}
	body := "Message-ID: " + messageID + "\r\n" + buildMessage(account, msg, time.Now())
	if _, err := writer.Write([]byte(body)); err != nil {
		return "", errors.Wrap(err, "smtp write")
	}
	if err := writer.Close(); err != nil {
		return "", errors.Wrap(err, "smtp close")
	}
	if err := client.Quit(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
		return "", errors.Wrap(err, "smtp quit")
	}
	return messageID, nil
}

func (s *SMTPClient) connect(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.timeout}
	switch s.settings.TLSMode {
	case "tls":
		conn, err := (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: s.settings.Host, MinVersion: tls.VersionTLS12}}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "smtp tls dial")
		}
		client, err := smtp.NewClient(conn, s.settings.Host)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "smtp client")
		}
		return client, nil
	case "none":
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "smtp dial")
		}
		client, err := smtp.NewClient(conn, s.settings.Host)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "smtp client")
		}
		return client, nil
	default:
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "smtp dial")
		}
		client, err := smtp.NewClient(conn, s.settings.Host)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "smtp client")
		}
		if err := client.StartTLS(&tls.Config{ServerName: s.settings.Host, MinVersion: tls.VersionTLS12}); err != nil {
			client.Close()
			return nil, errors.Wrap(err, "smtp starttls")
		}
		return client, nil
	}
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}
