package mailbox

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Message is a fetched and parsed email
type Message struct {
	UID       uint32
	MessageID string
	From      Address
	Subject   string
	Date      time.Time
	BodyHTML  string
	BodyText  string
}

// Address is an email address with its display name
type Address struct {
	Name    string
	Address string
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// parseMessage builds a Message from a UID FETCH response
func parseMessage(msg *imap.Message, section *imap.BodySectionName) (*Message, error) {
	m := &Message{UID: msg.Uid}

	if env := msg.Envelope; env != nil {
		m.Subject = env.Subject
		m.Date = env.Date
		m.MessageID = env.MessageId
		if len(env.From) > 0 {
			m.From = Address{Name: env.From[0].PersonalName, Address: env.From[0].Address()}
		}
	}

	body := msg.GetBody(section)
	if body == nil {
		return m, nil
	}
	if err := parseBody(body, m); err != nil {
		return m, err
	}
	return m, nil
}

// parseBody reads the text and HTML parts of a raw message into m, filling
// header fields the envelope did not carry
func parseBody(r io.Reader, m *Message) error {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return fmt.Errorf("failed to create mail reader: %w", err)
	}
	defer mr.Close()

	if m.MessageID == "" {
		if id, err := mr.Header.MessageID(); err == nil {
			m.MessageID = id
		}
	}
	if m.Subject == "" {
		if subject, err := mr.Header.Subject(); err == nil {
			m.Subject = subject
		}
	}
	if m.Date.IsZero() {
		if date, err := mr.Header.Date(); err == nil {
			m.Date = date
		}
	}
	if m.From.Address == "" {
		if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
			m.From = Address{Name: from[0].Name, Address: from[0].Address}
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read part: %w", err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(ct, "text/html") && m.BodyHTML == "":
			m.BodyHTML = string(data)
		case strings.HasPrefix(ct, "text/plain") && m.BodyText == "":
			m.BodyText = string(data)
		}
	}
}
