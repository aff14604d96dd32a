package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/insider-one/notification-workers/internal/config"
	"github.com/insider-one/notification-workers/internal/domain"
)

// SMTPSender sends email over SMTP. Port 465 uses implicit TLS; other ports
// upgrade with STARTTLS when the server advertises it. With no credentials
// configured, an anonymous send is attempted with a warning.
//
// SMTP I/O is blocking; each send runs on its own handler goroutine so the
// consumer loop is never stalled.
type SMTPSender struct {
	cfg       config.SMTPConfig
	fromEmail string
	fromName  string
	logger    *slog.Logger
}

// NewSMTPSender creates the SMTP-mode email sender.
func NewSMTPSender(cfg config.EmailConfig, logger *slog.Logger) *SMTPSender {
	return &SMTPSender{
		cfg:       cfg.SMTP,
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger.With("component", "smtp_sender"),
	}
}

func (s *SMTPSender) Name() string { return "smtp" }

// Send delivers the rendered message as a multipart MIME mail with an HTML
// part. SMTP failures are reported as retryable provider errors.
func (s *SMTPSender) Send(ctx context.Context, job *domain.Job, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	client, err := s.dial(ctx, addr)
	if err != nil {
		return domain.NewProviderError(0, fmt.Sprintf("smtp dial failed: %v", err), true)
	}
	defer client.Close()

	if err := s.authenticate(client); err != nil {
		return domain.NewProviderError(0, fmt.Sprintf("smtp auth failed: %v", err), true)
	}

	if err := client.Mail(s.fromEmail); err != nil {
		return domain.NewProviderError(0, fmt.Sprintf("smtp MAIL failed: %v", err), true)
	}
	if err := client.Rcpt(job.UserEmail); err != nil {
		return domain.NewProviderError(0, fmt.Sprintf("smtp RCPT failed: %v", err), true)
	}

	wc, err := client.Data()
	if err != nil {
		return domain.NewProviderError(0, fmt.Sprintf("smtp DATA failed: %v", err), true)
	}

	message, err := s.buildMessage(job.UserEmail, subject, body)
	if err != nil {
		return err
	}
	if _, err := wc.Write([]byte(message)); err != nil {
		_ = wc.Close()
		return domain.NewProviderError(0, fmt.Sprintf("smtp write failed: %v", err), true)
	}
	if err := wc.Close(); err != nil {
		return domain.NewProviderError(0, fmt.Sprintf("smtp close failed: %v", err), true)
	}

	if err := client.Quit(); err != nil {
		s.logger.Warn("smtp quit failed", "error", err)
	}

	s.logger.Info("smtp send successful", "to", job.UserEmail)
	return nil
}

// dial opens the SMTP session: implicit TLS on 465, STARTTLS upgrade
// elsewhere when advertised.
func (s *SMTPSender) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}

	if s.cfg.Port == 465 {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: s.cfg.Host})
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, s.cfg.Host)
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("starttls failed: %w", err)
		}
	}

	return client, nil
}

func (s *SMTPSender) authenticate(client *smtp.Client) error {
	if s.cfg.Username == "" {
		s.logger.Warn("no smtp credentials configured, attempting anonymous send",
			"host", s.cfg.Host)
		return nil
	}

	if ok, _ := client.Extension("AUTH"); !ok {
		return fmt.Errorf("server %s does not advertise AUTH", s.cfg.Host)
	}

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	return client.Auth(auth)
}

// buildMessage assembles a multipart/alternative MIME message with an HTML
// part.
func (s *SMTPSender) buildMessage(to, subject, htmlBody string) (string, error) {
	var buf strings.Builder
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s <%s>\r\n", s.fromName, s.fromEmail)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/html; charset=UTF-8"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create mime part: %w", err)
	}
	if _, err := part.Write([]byte(htmlBody)); err != nil {
		return "", fmt.Errorf("failed to write mime part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close mime writer: %w", err)
	}

	return buf.String(), nil
}
