package mail

import (
	"fmt"
	"log"
	"net/smtp"
	"net/url"
	"strings"

	"github.com/QuillonLabs/quillon/internal/pkg/env"
)

// SendMail delivers one HTML mail through the configured SMTP relay.
// An unset SMTP_HOST means mail is not configured for this deployment;
// the send is skipped silently so billing flows keep working without a
// relay.
func SendMail(to string, subject string, body string) error {
	host := env.GetEnv("SMTP_HOST", "")
	if host == "" {
		log.Printf("[Mail] SMTP_HOST not set, skipping mail %q to %s", subject, to)
		return nil
	}

	port := env.GetEnv("SMTP_PORT", "587")
	username := env.GetEnv("SMTP_USERNAME", "")
	password := env.GetEnv("SMTP_PASSWORD", "")
	sender := env.GetEnv("SMTP_SENDER", "")
	if sender == "" {
		sender = "no-reply@" + publicHost()
	}

	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	headers := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, subject) +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n\r\n"

	addr := host + ":" + port
	if err := smtp.SendMail(addr, auth, sender, []string{to}, []byte(headers+body)); err != nil {
		return fmt.Errorf("smtp send via %s: %w", addr, err)
	}
	return nil
}

// publicHost extracts the bare hostname from PUBLIC_DOMAIN for the
// default sender address.
func publicHost() string {
	domain := env.GetEnv("PUBLIC_DOMAIN", "localhost")
	if u, err := url.Parse(domain); err == nil && u.Host != "" {
		domain = u.Host
	}
	if i := strings.IndexByte(domain, ':'); i >= 0 {
		domain = domain[:i]
	}
	return domain
}
