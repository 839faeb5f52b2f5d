package channel

import (
	"context"
	"fmt"

	"github.com/shashiranjanraj/courier/pkg/mail"
	"github.com/shashiranjanraj/courier/pkg/message"
)

// defaultSubject is used when the message data carries no subject.
const defaultSubject = "Message Notification"

// EmailHandler sends the message over SMTP. The destination is the
// recipient address; from, fromName, subject, text and html ride in the
// message data, all optional.
type EmailHandler struct{}

func NewEmailHandler() *EmailHandler { return &EmailHandler{} }

func (h *EmailHandler) Deliver(_ context.Context, msg message.Message) error {
	m := mail.To(msg.Destination).
		From(msg.DataString("from", ""), msg.DataString("fromName", "")).
		Subject(msg.DataString("subject", defaultSubject))

	if html := msg.DataString("html", ""); html != "" {
		m.Body(html)
	} else {
		m.Text(msg.DataString("text", ""))
	}

	if err := m.Send(); err != nil {
		return fmt.Errorf("channel/email: send to %s: %w", msg.Destination, err)
	}
	return nil
}
