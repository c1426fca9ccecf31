package email

import (
	"bytes"
	"fmt"
	"net/mail"
	"net/smtp"
	"os"
	"time"
)

// SMTPSender is the production Sender, backed by net/smtp.SendMail.
type SMTPSender struct{}

func (SMTPSender) Send(addr string, auth smtpAuth, from string, to []string, msg []byte) error {
	var a smtp.Auth
	if auth != nil {
		a = auth.(smtp.Auth)
	}
	return smtp.SendMail(addr, a, from, to, msg)
}

// NewAuth builds a PLAIN auth for server, or nil if username is empty
// (anonymous submission).
func NewAuth(username, password, server string) smtpAuth {
	if username == "" {
		return nil
	}
	return smtp.PlainAuth("", username, password, server)
}

// buildMessage assembles a single text/UTF-8 RFC 5322 message with
// From, To, Subject, Date, Message-ID, and a User-Agent header (spec
// §4.9).
func buildMessage(from, to *mail.Address, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", to.String())
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-Id: <%d.%d@%s>\r\n", time.Now().UnixNano(), os.Getpid(), hostnameOrLocalhost())
	fmt.Fprintf(&buf, "User-Agent: netforeman\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func hostnameOrLocalhost() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}
