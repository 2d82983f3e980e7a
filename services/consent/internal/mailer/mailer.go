// Package mailer delivers outcome notifications by email. Delivery is a
// fire-and-forget side effect outside the transactional core: a failed send
// is logged and never blocks or rolls back a consent transition.
package mailer

import (
	"fmt"
	"log"
	"net/smtp"
	"os"
)

type Mailer interface {
	Send(to, subject, body string) error
}

type SMTPMailer struct {
	Addr string
	From string
	Auth smtp.Auth
}

// FromEnv builds the SMTP mailer from SMTP_HOST/PORT/USER/PASS/FROM.
// Returns nil when SMTP is not configured; callers treat a nil mailer as
// "email disabled".
func FromEnv() *SMTPMailer {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		return nil
	}
	port := os.Getenv("SMTP_PORT")
	if port == "" {
		port = "587"
	}
	var auth smtp.Auth
	if user := os.Getenv("SMTP_USER"); user != "" {
		auth = smtp.PlainAuth("", user, os.Getenv("SMTP_PASS"), host)
	}
	from := os.Getenv("SMTP_FROM")
	if from == "" {
		from = "no-reply@consentdesk.local"
	}
	return &SMTPMailer{Addr: host + ":" + port, From: from, Auth: auth}
}

func (m *SMTPMailer) Send(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.From, to, subject, body)
	return smtp.SendMail(m.Addr, m.Auth, m.From, []string{to}, []byte(msg))
}

// Notify sends asynchronously. Safe on a nil mailer.
func Notify(m Mailer, to, subject, body string) {
	if m == nil || to == "" {
		return
	}
	go func() {
		if err := m.Send(to, subject, body); err != nil {
			log.Printf("mailer: send to %s failed: %v", to, err)
		}
	}()
}
