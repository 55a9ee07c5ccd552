package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/smtp"
	"os"
	"strings"
	"testing"
)

// mockSMTPClient implements smtpClient for testing.
type mockSMTPClient struct {
	helloCalled  bool
	tlsCalled    bool
	authCalled   bool
	mailFrom     string
	rcptTo       []string
	dataWritten  []byte
	quitCalled   bool
	closeCalled  bool
	authErr      error
	mailErr      error
	rcptErr      error
	dataErr      error
	dataWriteErr error
}

func (m *mockSMTPClient) Hello(_ string) error { m.helloCalled = true; return nil }
func (m *mockSMTPClient) Extension(ext string) (bool, string) {
	if ext == "STARTTLS" {
		return true, ""
	}
	return false, ""
}
func (m *mockSMTPClient) StartTLS(_ *tls.Config) error { m.tlsCalled = true; return nil }
func (m *mockSMTPClient) Auth(_ smtp.Auth) error {
	m.authCalled = true
	return m.authErr
}
func (m *mockSMTPClient) Mail(from string) error {
	m.mailFrom = from
	return m.mailErr
}
func (m *mockSMTPClient) Rcpt(to string) error {
	m.rcptTo = append(m.rcptTo, to)
	return m.rcptErr
}
func (m *mockSMTPClient) Data() (io.WriteCloser, error) {
	if m.dataErr != nil {
		return nil, m.dataErr
	}
	return &mockWriteCloser{mock: m}, nil
}
func (m *mockSMTPClient) Quit() error  { m.quitCalled = true; return nil }
func (m *mockSMTPClient) Close() error { m.closeCalled = true; return nil }

type mockWriteCloser struct {
	mock *mockSMTPClient
}

func (w *mockWriteCloser) Write(p []byte) (int, error) {
	if w.mock.dataWriteErr != nil {
		return 0, w.mock.dataWriteErr
	}
	w.mock.dataWritten = append(w.mock.dataWritten, p...)
	return len(p), nil
}

func (w *mockWriteCloser) Close() error { return nil }

func newTestSender(cfg SMTPConfig, mock *mockSMTPClient) *Sender {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewSender(cfg, logger)
	s.dialFunc = func(_ string, _ *tls.Config, _ string) (smtpClient, error) {
		return mock, nil
	}
	return s
}

func TestSendTranscriptWithAttachment(t *testing.T) {
	mock := &mockSMTPClient{}

	tmpDir := t.TempDir()
	file := tmpDir + "/conversation-48123-chan1.txt"
	if err := os.WriteFile(file, []byte("2026-08-24T10:00:00Z USER: hello\n"), 0644); err != nil {
		t.Fatalf("failed to create transcript: %v", err)
	}

	cfg := SMTPConfig{
		Host:     "mail.example.com",
		Port:     "587",
		From:     "bridge@example.com",
		To:       "ops@example.com",
		Username: "user",
		Password: "pass",
		TLS:      "starttls",
		Subject:  "Call from {{callerId}} ended ({{reason}})",
		Body:     "Transcript for channel {{channelId}} attached.",
	}
	sender := newTestSender(cfg, mock)

	err := sender.SendTranscript(context.Background(), Transcript{
		CallID:   "chan1",
		CallerID: "48123",
		FilePath: file,
		Reason:   "both-ended",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !mock.helloCalled || !mock.tlsCalled || !mock.authCalled || !mock.quitCalled {
		t.Error("expected full hello/starttls/auth/quit sequence")
	}
	if mock.mailFrom != "bridge@example.com" {
		t.Errorf("mail from = %q", mock.mailFrom)
	}
	if len(mock.rcptTo) != 1 || mock.rcptTo[0] != "ops@example.com" {
		t.Errorf("rcpt to = %v", mock.rcptTo)
	}

	body := string(mock.dataWritten)
	if !strings.Contains(body, "Subject: Call from 48123 ended (both-ended)") {
		t.Errorf("expected expanded subject, got:\n%s", body)
	}
	if !strings.Contains(body, "Transcript for channel chan1 attached.") {
		t.Errorf("expected expanded body, got:\n%s", body)
	}
	if !strings.Contains(body, "multipart/mixed") {
		t.Error("expected multipart email with attachment")
	}
	if !strings.Contains(body, "conversation-48123-chan1.txt") {
		t.Error("expected transcript filename in attachment headers")
	}
	if !strings.Contains(body, "Content-Transfer-Encoding: base64") {
		t.Error("expected base64 content transfer encoding")
	}
}

func TestSendTranscriptMultipleRecipients(t *testing.T) {
	mock := &mockSMTPClient{}
	cfg := SMTPConfig{
		Host: "mail.example.com",
		Port: "25",
		From: "bridge@example.com",
		To:   "a@example.com, b@example.com",
		TLS:  "none",
	}
	sender := newTestSender(cfg, mock)

	err := sender.SendTranscript(context.Background(), Transcript{
		CallID:   "chan2",
		CallerID: "48999",
		Reason:   "grace-timeout",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.rcptTo) != 2 || mock.rcptTo[0] != "a@example.com" || mock.rcptTo[1] != "b@example.com" {
		t.Errorf("rcpt to = %v", mock.rcptTo)
	}
	// No auth called since no username/password.
	if mock.authCalled {
		t.Error("expected no Auth call when credentials are empty")
	}
	if strings.Contains(string(mock.dataWritten), "multipart/mixed") {
		t.Error("expected body-only email without a transcript file")
	}
}

func TestSendTranscriptMissingFileFallsBack(t *testing.T) {
	// A call with no transcript lines never creates the file; the mail
	// still goes out body-only.
	mock := &mockSMTPClient{}
	cfg := SMTPConfig{
		Host: "mail.example.com",
		Port: "25",
		From: "bridge@example.com",
		To:   "ops@example.com",
		TLS:  "none",
	}
	sender := newTestSender(cfg, mock)

	err := sender.SendTranscript(context.Background(), Transcript{
		CallID:   "chan3",
		CallerID: "48000",
		FilePath: "/nonexistent/conversation.txt",
		Reason:   "both-ended",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(mock.dataWritten), "multipart/mixed") {
		t.Error("missing file should produce a body-only email")
	}
}

func TestSendTranscriptNotConfigured(t *testing.T) {
	mock := &mockSMTPClient{}
	sender := newTestSender(SMTPConfig{}, mock)

	err := sender.SendTranscript(context.Background(), Transcript{CallID: "chan4"})
	if err == nil {
		t.Fatal("expected error for empty SMTP config")
	}
	if !strings.Contains(err.Error(), "smtp not configured") {
		t.Errorf("expected 'smtp not configured' error, got: %v", err)
	}
}

func TestSendTranscriptAuthError(t *testing.T) {
	mock := &mockSMTPClient{authErr: fmt.Errorf("invalid credentials")}
	cfg := SMTPConfig{
		Host:     "mail.example.com",
		Port:     "587",
		From:     "bridge@example.com",
		To:       "ops@example.com",
		Username: "user",
		Password: "wrong",
		TLS:      "none",
	}
	sender := newTestSender(cfg, mock)

	err := sender.SendTranscript(context.Background(), Transcript{CallID: "chan5"})
	if err == nil {
		t.Fatal("expected auth error")
	}
	if !strings.Contains(err.Error(), "smtp auth") {
		t.Errorf("expected 'smtp auth' error, got: %v", err)
	}
}

func TestExpandTemplate(t *testing.T) {
	tr := Transcript{CallID: "chan6", CallerID: "+48555", Reason: "assistant-terminate:goodbye"}
	got := expandTemplate("{{callerId}} / {{channelId}} / {{reason}}", tr)
	want := "+48555 / chan6 / assistant-terminate:goodbye"
	if got != want {
		t.Errorf("expandTemplate = %q, want %q", got, want)
	}
}

func TestSMTPConfigValid(t *testing.T) {
	tests := []struct {
		name  string
		cfg   SMTPConfig
		valid bool
	}{
		{"full config", SMTPConfig{Host: "mail.example.com", Port: "587", From: "b@example.com", To: "o@example.com"}, true},
		{"missing host", SMTPConfig{Port: "587", From: "b@example.com", To: "o@example.com"}, false},
		{"missing port", SMTPConfig{Host: "mail.example.com", From: "b@example.com", To: "o@example.com"}, false},
		{"missing from", SMTPConfig{Host: "mail.example.com", Port: "587", To: "o@example.com"}, false},
		{"missing to", SMTPConfig{Host: "mail.example.com", Port: "587", From: "b@example.com"}, false},
		{"empty", SMTPConfig{}, false},
	}

	for _, tc := range tests {
		if tc.cfg.Valid() != tc.valid {
			t.Errorf("%s: expected Valid() = %v", tc.name, tc.valid)
		}
	}
}
