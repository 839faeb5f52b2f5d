// Package mail provides the SMTP mailer behind the email delivery channel
// and the dead-letter admin alerts.
//
//	err := mail.To("user@example.com").
//	    Subject("Message Notification").
//	    Body("<h1>Hello</h1>").
//	    Send()
package mail

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/shashiranjanraj/courier/config"
)

// ------------------- Config -------------------

// SMTP holds connection credentials (populated from env/config).
type SMTP struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

func defaultSMTP() SMTP {
	return SMTP{
		Host:     config.MailHost(),
		Port:     config.MailPort(),
		Username: config.MailUsername(),
		Password: config.MailPassword(),
		From:     config.MailFrom(),
		FromName: config.MailFromName(),
	}
}

// ------------------- Message -------------------

// Message is a fluent builder for an email.
type Message struct {
	to       []string
	from     string
	fromName string
	subject  string
	body     string
	isHTML   bool
	smtpCfg  SMTP
}

// To sets the recipients and starts the builder.
func To(addresses ...string) *Message {
	cfg := defaultSMTP()
	return &Message{
		to:       addresses,
		from:     cfg.From,
		fromName: cfg.FromName,
		isHTML:   true,
		smtpCfg:  cfg,
	}
}

// From overrides the configured sender. Empty values keep the defaults.
func (m *Message) From(addr, name string) *Message {
	if addr != "" {
		m.from = addr
	}
	if name != "" {
		m.fromName = name
	}
	return m
}

// Subject sets the email subject.
func (m *Message) Subject(s string) *Message {
	m.subject = s
	return m
}

// Body sets an HTML body.
func (m *Message) Body(html string) *Message {
	m.body = html
	m.isHTML = true
	return m
}

// Text sets a plain-text body.
func (m *Message) Text(text string) *Message {
	m.body = text
	m.isHTML = false
	return m
}

// UseConfig overrides the SMTP settings for this message.
func (m *Message) UseConfig(cfg SMTP) *Message {
	m.smtpCfg = cfg
	return m
}

// ------------------- Sending -------------------

// Sender delivers a built message. The default implementation speaks SMTP;
// tests swap DefaultSender to capture outgoing mail.
type Sender interface {
	Send(m *Message) error
}

// DefaultSender is the process-wide mail transport.
var DefaultSender Sender = smtpSender{}

// Send delivers the email through DefaultSender.
func (m *Message) Send() error {
	if len(m.to) == 0 {
		return fmt.Errorf("mail: no recipients")
	}
	return DefaultSender.Send(m)
}

// Recipients returns the recipient list. Exposed for Sender implementations.
func (m *Message) Recipients() []string { return m.to }

// SubjectLine returns the subject. Exposed for Sender implementations.
func (m *Message) SubjectLine() string { return m.subject }

type smtpSender struct{}

func (smtpSender) Send(m *Message) error {
	cfg := m.smtpCfg
	if cfg.Host == "" {
		return fmt.Errorf("mail: MAIL_HOST not configured")
	}

	from := fmt.Sprintf("%s <%s>", m.fromName, m.from)
	raw := m.buildRaw(from)

	addr := cfg.Host + ":" + cfg.Port
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	// Use TLS for port 465, STARTTLS for 587/25.
	if cfg.Port == "465" {
		return sendTLS(addr, auth, m.from, m.to, raw, cfg.Host)
	}
	return smtp.SendMail(addr, auth, m.from, m.to, raw)
}

func sendTLS(addr string, auth smtp.Auth, from string, to []string, raw []byte, host string) error {
	tlsCfg := &tls.Config{ServerName: host}
	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("mail: TLS dial: %w", err)
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer client.Quit()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write(raw)
	return err
}

func (m *Message) buildRaw(from string) []byte {
	contentType := "text/plain"
	if m.isHTML {
		contentType = "text/html"
	}

	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(m.to, ", ") + "\r\n")
	b.WriteString("Subject: " + m.subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString(fmt.Sprintf("Content-Type: %s; charset=\"UTF-8\"\r\n", contentType))
	b.WriteString("\r\n")
	b.WriteString(m.body)
	return []byte(b.String())
}
