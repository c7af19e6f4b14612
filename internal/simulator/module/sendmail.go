package module

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
	"github.com/wesleyorama2/mailsim/internal/simulator/config"
)

// SubjectPrefix starts every generated subject.
const SubjectPrefix = "[MAILSIM]"

// Sendmail submits one message per case to the session's own mailbox.
// Without cases a single default message is sent.
func Sendmail(ctx context.Context, env *Env, cases []config.CaseConfig) error {
	if len(cases) == 0 {
		cases = []config.CaseConfig{{Name: "default"}}
	}

	var errs []error
	for i := range cases {
		c := &cases[i]
		start := time.Now()
		if err := sendCase(ctx, env, c); err != nil {
			errs = append(errs, fmt.Errorf("case %s: %w", c.Name, err))
			continue
		}
		env.Timing(config.ModuleSendmail, c.Name, start)
	}
	return errors.Join(errs...)
}

func sendCase(ctx context.Context, env *Env, c *config.CaseConfig) error {
	msg, err := buildMessage(env, c)
	if err != nil {
		return err
	}
	_, err = env.Session.SendMessage(ctx, msg)
	return err
}

// buildMessage turns a case into a message addressed to the sender.
func buildMessage(env *Env, c *config.CaseConfig) (*backend.Message, error) {
	mailbox := env.Session.Mailbox()
	subject := c.Subject
	if subject == "" {
		subject = fmt.Sprintf("%s Mail from %s", SubjectPrefix, mailbox)
	}

	msg := &backend.Message{
		Subject: subject,
		From:    mailbox,
		To:      []string{mailbox},
	}

	body := c.Body
	if body == nil {
		body = &config.BodyConfig{Type: config.BodyNone}
	}

	switch body.Type {
	case config.BodyNone, "":
		msg.BodyType = backend.BodyText
		msg.Body = []byte("Body of message with subject: " + subject)
	case config.BodyUTF8Inline:
		msg.BodyType = backend.BodyText
		msg.Body = []byte(body.Inline)
	case config.BodyHTMLInline:
		msg.BodyType = backend.BodyHTML
		msg.Body = []byte(body.Inline)
	case config.BodyUTF8File, config.BodyHTMLFile, config.BodyRTFFile:
		data, err := os.ReadFile(env.Path(body.File))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		msg.Body = data
		switch body.Type {
		case config.BodyUTF8File:
			msg.BodyType = backend.BodyText
		case config.BodyHTMLFile:
			msg.BodyType = backend.BodyHTML
		default:
			msg.BodyType = backend.BodyRTF
		}
	default:
		return nil, fmt.Errorf("unknown body type %q", body.Type)
	}

	for _, path := range c.Attachments {
		data, err := os.ReadFile(env.Path(path))
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		msg.Attachments = append(msg.Attachments, backend.Attachment{
			Filename: filepath.Base(path),
			Data:     data,
		})
	}
	return msg, nil
}
