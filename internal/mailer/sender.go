package mailer

import (
	"fmt"

	"gopkg.in/gomail.v2"
)

// Sender delivers email over SMTP.
type Sender struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// Send delivers one message.
func (s *Sender) Send(to, subject, html string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", html)

	d := gomail.NewDialer(s.Host, s.Port, s.User, s.Password)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}

	return nil
}
