package infrastructure

import (
	"fmt"
	"mime"
	"strings"
	"time"

	"bulkmailer/internal/entities"
)

// buildMessage renders an RFC 2822 message with CRLF line endings.
func buildMessage(account entities.Account, msg entities.Email, now time.Time) string {
	from := account.Email
	if account.Name != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", account.Name), account.Email)
	}
	contentType := "text/plain"
	if msg.IsHTML {
		contentType = "text/html"
	}

	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: " + contentType + "; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n"))
	return b.String()
}
