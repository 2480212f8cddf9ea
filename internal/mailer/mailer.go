// Package mailer renders and sends the client-facing emails: the monthly
// assignment report, the eve-of-send notification, and operator alerts for
// permanently failed jobs.
package mailer

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"

	"github.com/trackimmo/backend/internal/domain"
	"github.com/trackimmo/backend/internal/pkg/logger"
)

// Mailer is the outbound email collaborator.
type Mailer interface {
	SendAssignmentReport(client *domain.Client, addresses []domain.Address, cities map[string]domain.City) error
	SendNotificationEve(client *domain.Client) error
	SendFailureAlert(clientID, jobID, errorMessage string) error
}

// Config holds SMTP transport settings.
type Config struct {
	Server   string
	Port     int
	Username string
	Password string
	Sender   string
	CTOEmail string
}

// SMTPMailer sends through a plain SMTP relay. An empty server address puts
// the mailer in dry-run mode: messages are logged, not sent.
type SMTPMailer struct {
	cfg       Config
	templates *templateSet

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New creates an SMTP-backed mailer.
func New(cfg Config) (*SMTPMailer, error) {
	templates, err := newTemplateSet()
	if err != nil {
		return nil, fmt.Errorf("mailer templates: %w", err)
	}
	return &SMTPMailer{cfg: cfg, templates: templates, send: smtp.SendMail}, nil
}

// SendAssignmentReport emails the client its freshly assigned addresses.
func (m *SMTPMailer) SendAssignmentReport(client *domain.Client, addresses []domain.Address, cities map[string]domain.City) error {
	if len(addresses) == 0 {
		return nil
	}
	body, err := m.templates.renderAssignmentReport(client, addresses, cities)
	if err != nil {
		return fmt.Errorf("render assignment report: %w", err)
	}
	subject := fmt.Sprintf("TrackImmo — %d nouvelles adresses pour vous", len(addresses))
	return m.sendHTML(subject, body, client.Email)
}

// SendNotificationEve emails the client the day before its send-day.
func (m *SMTPMailer) SendNotificationEve(client *domain.Client) error {
	body, err := m.templates.renderNotificationEve(client)
	if err != nil {
		return fmt.Errorf("render notification eve: %w", err)
	}
	return m.sendHTML("TrackImmo — vos adresses arrivent demain", body, client.Email)
}

// SendFailureAlert notifies the CTO address about a permanently failed job.
func (m *SMTPMailer) SendFailureAlert(clientID, jobID, errorMessage string) error {
	if m.cfg.CTOEmail == "" {
		log.Printf("[Mailer] No CTO email configured, dropping failure alert for job %s", jobID)
		return nil
	}
	subject := fmt.Sprintf("TrackImmo job failed permanently: %s", jobID)
	body := fmt.Sprintf(`Job Failure Report
==================

Job:    %s
Client: %s
Error:  %s

The job exhausted its attempts or hit a permanent error and will not retry.
`, jobID, clientID, errorMessage)
	return m.sendPlain(subject, body, m.cfg.CTOEmail)
}

func (m *SMTPMailer) sendHTML(subject, body, to string) error {
	return m.deliver(subject, body, "text/html", to)
}

func (m *SMTPMailer) sendPlain(subject, body, to string) error {
	return m.deliver(subject, body, "text/plain", to)
}

func (m *SMTPMailer) deliver(subject, body, contentType, to string) error {
	if m.cfg.Server == "" {
		log.Printf("[Mailer] Dry run, would send %q to %s", subject, logger.RedactEmail(to))
		return nil
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: %s; charset=utf-8\r\n\r\n%s",
		m.cfg.Sender, to, subject, contentType, body)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Server)
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.Server, m.cfg.Port)
	if err := m.send(addr, auth, m.cfg.Sender, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send %q to %s: %w", subject, logger.RedactEmail(strings.ToLower(to)), err)
	}
	log.Printf("[Mailer] Sent %q to %s", subject, logger.RedactEmail(to))
	return nil
}
