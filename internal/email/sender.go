// Package email sends the post-call transcript notification over SMTP.
// It is a post-cleanup callback: failures are reported to the caller for
// warn-level logging and never propagate into the teardown path.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SMTPConfig holds the SMTP server settings.
type SMTPConfig struct {
	Host     string // SMTP server hostname
	Port     string // SMTP port (25, 587, 465)
	From     string // From email address
	To       string // comma-separated recipient addresses
	Username string // SMTP auth username
	Password string // SMTP auth password
	TLS      string // "none", "starttls", "tls"

	// Subject and Body are templates with {{callerId}}, {{channelId}}
	// and {{reason}} placeholders.
	Subject string
	Body    string
}

// Valid returns true if the minimum required fields are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != "" && c.From != "" && c.To != ""
}

// Transcript describes a finished call whose transcript should be mailed.
type Transcript struct {
	CallID   string
	CallerID string
	FilePath string // transcript file on disk, attached when present
	Reason   string // cleanup reason
}

// Sender mails call transcripts via SMTP.
type Sender struct {
	cfg    SMTPConfig
	logger *slog.Logger
	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// smtpClient abstracts the methods used from *smtp.Client for testing.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// NewSender creates a transcript mailer bound to one SMTP configuration.
func NewSender(cfg SMTPConfig, logger *slog.Logger) *Sender {
	return &Sender{
		cfg:      cfg,
		logger:   logger.With("component", "email"),
		dialFunc: defaultDial,
	}
}

// SendTranscript mails the transcript of one finished call to every
// configured recipient.
func (s *Sender) SendTranscript(ctx context.Context, t Transcript) error {
	if !s.cfg.Valid() {
		return fmt.Errorf("smtp not configured")
	}

	recipients := splitRecipients(s.cfg.To)
	if len(recipients) == 0 {
		return fmt.Errorf("no recipient email address")
	}

	msg, err := buildMessage(s.cfg, recipients, t)
	if err != nil {
		return fmt.Errorf("building email message: %w", err)
	}

	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}

	client, err := s.dialFunc(addr, tlsConfig, s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}

	// STARTTLS upgrade if requested and supported.
	if strings.EqualFold(s.cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	// Authenticate if credentials are provided.
	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}

	s.logger.Info("transcript email sent",
		"to", s.cfg.To,
		"call_id", t.CallID,
		"caller", t.CallerID,
		"reason", t.Reason,
	)

	return nil
}

// defaultDial connects to the SMTP server using either plain TCP or implicit TLS.
func defaultDial(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	if strings.EqualFold(tlsMode, "tls") {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	return smtp.NewClient(conn, host)
}

func splitRecipients(to string) []string {
	var out []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// expandTemplate fills the {{callerId}}, {{channelId}} and {{reason}}
// placeholders.
func expandTemplate(tpl string, t Transcript) string {
	r := strings.NewReplacer(
		"{{callerId}}", t.CallerID,
		"{{channelId}}", t.CallID,
		"{{reason}}", t.Reason,
	)
	return r.Replace(tpl)
}

// buildMessage constructs the full MIME email message bytes.
func buildMessage(cfg SMTPConfig, recipients []string, t Transcript) ([]byte, error) {
	subject := expandTemplate(cfg.Subject, t)
	if subject == "" {
		subject = fmt.Sprintf("Call transcript from %s", t.CallerID)
	}
	body := expandTemplate(cfg.Body, t)
	if body == "" {
		body = fmt.Sprintf("Call %s from %s ended (%s). Transcript attached.\n",
			t.CallID, t.CallerID, t.Reason)
	}

	to := strings.Join(recipients, ", ")
	var buf bytes.Buffer

	if t.FilePath != "" {
		if _, err := os.Stat(t.FilePath); err == nil {
			return buildMultipartMessage(cfg, to, subject, body, t.FilePath, &buf)
		}
		// A call with no transcript lines never creates its file; fall
		// through to a body-only message.
	}

	fmt.Fprintf(&buf, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&buf, "\r\n")
	buf.WriteString(body)

	return buf.Bytes(), nil
}

// buildMultipartMessage constructs a MIME multipart email with the
// transcript attached as text/plain.
func buildMultipartMessage(cfg SMTPConfig, to, subject, body, transcriptFile string, buf *bytes.Buffer) ([]byte, error) {
	writer := multipart.NewWriter(buf)

	// Write headers before the multipart body.
	fmt.Fprintf(buf, "From: %s\r\n", cfg.From)
	fmt.Fprintf(buf, "To: %s\r\n", to)
	fmt.Fprintf(buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(buf, "Content-Type: multipart/mixed; boundary=%s\r\n", writer.Boundary())
	fmt.Fprintf(buf, "\r\n")

	// Text part.
	textHeader := make(textproto.MIMEHeader)
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textPart, err := writer.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := textPart.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("writing text part: %w", err)
	}

	// Transcript attachment.
	data, err := os.ReadFile(transcriptFile)
	if err != nil {
		return nil, fmt.Errorf("reading transcript file %q: %w", transcriptFile, err)
	}

	filename := filepath.Base(transcriptFile)
	attachHeader := make(textproto.MIMEHeader)
	attachHeader.Set("Content-Type", "text/plain; charset=utf-8; name=\""+filename+"\"")
	attachHeader.Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	attachHeader.Set("Content-Transfer-Encoding", "base64")

	attachPart, err := writer.CreatePart(attachHeader)
	if err != nil {
		return nil, fmt.Errorf("creating attachment part: %w", err)
	}

	encoder := base64.NewEncoder(base64.StdEncoding, attachPart)
	if _, err := encoder.Write(data); err != nil {
		return nil, fmt.Errorf("encoding transcript attachment: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("closing base64 encoder: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	return buf.Bytes(), nil
}
