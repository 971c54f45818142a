package channels

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/mr-karan/pulse/internal/config"
	"github.com/mr-karan/pulse/pkg/models"
)

const (
	smtpSecurityNone     = "none"
	smtpSecurityStartTLS = "starttls"
	smtpSecurityTLS      = "tls"
)

// EmailCapability delivers notifications over SMTP, one message per recipient.
type EmailCapability struct {
	host          string
	port          int
	username      string
	password      string
	from          string
	replyTo       string
	security      string
	timeout       time.Duration
	skipTLSVerify bool
	logger        *slog.Logger
}

func NewEmailCapability(cfg config.SMTPConfig, logger *slog.Logger) *EmailCapability {
	security := strings.ToLower(strings.TrimSpace(cfg.Security))
	switch security {
	case smtpSecurityNone, smtpSecurityStartTLS, smtpSecurityTLS:
	default:
		security = smtpSecurityStartTLS
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailCapability{
		host:          strings.TrimSpace(cfg.Host),
		port:          cfg.Port,
		username:      strings.TrimSpace(cfg.Username),
		password:      cfg.Password,
		from:          strings.TrimSpace(cfg.From),
		replyTo:       strings.TrimSpace(cfg.ReplyTo),
		security:      security,
		timeout:       timeout,
		skipTLSVerify: cfg.SkipTLSVerify,
		logger:        logger.With("component", "email_channel"),
	}
}

func (c *EmailCapability) Type() models.ChannelType { return models.ChannelTypeEmail }

func (c *EmailCapability) RecipientAddressed() bool { return true }

// Validate accepts any details; email channels are addressed through
// recipients, not endpoint configuration.
func (c *EmailCapability) Validate(details map[string]any) error {
	return nil
}

// Send delivers one message per recipient and reports per-recipient results.
func (c *EmailCapability) Send(ctx context.Context, target Target, payload Payload) []DeliveryResult {
	results := make([]DeliveryResult, 0, len(target.Recipients))
	if c.host == "" || c.port == 0 || c.from == "" {
		err := fmt.Errorf("smtp is not configured")
		for _, recipient := range target.Recipients {
			results = append(results, failure(recipient.Email, err))
		}
		return results
	}
	for _, recipient := range target.Recipients {
		email := strings.TrimSpace(recipient.Email)
		if email == "" {
			results = append(results, failure(fmt.Sprintf("user %d", recipient.UserID), fmt.Errorf("recipient has no email address")))
			continue
		}
		message := c.buildMessage(payload, email)
		if err := c.sendEmail(ctx, email, message); err != nil {
			results = append(results, failure(email, err))
			continue
		}
		results = append(results, success(email))
	}
	return results
}

func (c *EmailCapability) buildMessage(payload Payload, recipient string) []byte {
	headers := []string{
		fmt.Sprintf("From: %s", c.from),
		fmt.Sprintf("To: %s", recipient),
		fmt.Sprintf("Subject: %s", payload.Subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
	}
	if c.replyTo != "" {
		headers = append(headers, fmt.Sprintf("Reply-To: %s", c.replyTo))
	}
	body := payload.Summary
	if payload.Link != "" {
		body += fmt.Sprintf("\n\nView: %s", payload.Link)
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + body + "\n")
}

func (c *EmailCapability) sendEmail(ctx context.Context, recipient string, message []byte) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(c.from); err != nil {
		return err
	}
	if err := client.Rcpt(recipient); err != nil {
		return err
	}
	writer, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := writer.Write(message); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (c *EmailCapability) connect(ctx context.Context) (*smtp.Client, error) {
	address := fmt.Sprintf("%s:%d", c.host, c.port)
	dialer := &net.Dialer{Timeout: c.timeout}
	var (
		conn net.Conn
		err  error
	)
	if c.security == smtpSecurityTLS {
		tlsConfig := &tls.Config{ServerName: c.host, InsecureSkipVerify: c.skipTLSVerify} // #nosec G402
		conn, err = tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}
	client, err := smtp.NewClient(conn, c.host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if c.security == smtpSecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			_ = client.Close()
			return nil, fmt.Errorf("smtp server does not support STARTTLS")
		}
		tlsConfig := &tls.Config{ServerName: c.host, InsecureSkipVerify: c.skipTLSVerify} // #nosec G402
		if err := client.StartTLS(tlsConfig); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	if c.username != "" {
		auth := smtp.PlainAuth("", c.username, c.password, c.host)
		if err := client.Auth(auth); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}
