package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTPConfig configures the email transport.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Enabled returns true if an SMTP host is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

// SMTPSender sends plain-text email.
type SMTPSender struct {
	config SMTPConfig
	dialer *net.Dialer
	now    func() time.Time
}

// NewSMTPSender creates a new SMTP sender.
func NewSMTPSender(config SMTPConfig) *SMTPSender {
	if config.Port == 0 {
		config.Port = 587
	}
	return &SMTPSender{
		config: config,
		dialer: &net.Dialer{Timeout: 30 * time.Second},
		now:    time.Now,
	}
}

// Send delivers the message and returns its Message-ID header value.
func (s *SMTPSender) Send(ctx context.Context, destination string, msg Message) (string, error) {
	messageID := s.newMessageID()
	body := buildMessage(s.config.From, destination, messageID, msg, s.now())

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("connecting to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("starting smtp session: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			return "", fmt.Errorf("starttls: %w", err)
		}
	}
	if s.config.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
			if err := client.Auth(auth); err != nil {
				return "", fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	if err := client.Mail(s.config.From); err != nil {
		return "", fmt.Errorf("smtp MAIL: %w", err)
	}
	if err := client.Rcpt(destination); err != nil {
		return "", fmt.Errorf("smtp RCPT: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return "", fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finishing message: %w", err)
	}

	return messageID, client.Quit()
}

func (s *SMTPSender) newMessageID() string {
	domain := "localhost"
	if at := strings.LastIndex(s.config.From, "@"); at >= 0 {
		domain = strings.Trim(s.config.From[at+1:], "> ")
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// buildMessage renders RFC 5322 headers and a plain-text body.
func buildMessage(from, to, messageID string, msg Message, now time.Time) []byte {
	var b bytes.Buffer
	header := func(k, v string) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}

	header("From", from)
	header("To", to)
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", messageID)
	if msg.InReplyTo != "" {
		header("In-Reply-To", msg.InReplyTo)
		header("References", msg.InReplyTo)
	}
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=utf-8")
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")

	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")

	return b.Bytes()
}
