// Package backend defines the messaging protocol surface the scenario
// modules drive, with an HTTP implementation and an in-memory one.
package backend

import (
	"context"
	"errors"
	"net"
	"time"
)

// Well-known folders.
const (
	FolderInbox  = "inbox"
	FolderOutbox = "outbox"
	FolderSent   = "sent"
)

var (
	// ErrLogonFailed is returned when credentials are rejected.
	ErrLogonFailed = errors.New("logon failed")

	// ErrNotFound is returned for unknown users, folders, messages or
	// attachments.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when creating a user that already exists.
	ErrExists = errors.New("already exists")

	// ErrSessionClosed is returned by a Session after Logoff.
	ErrSessionClosed = errors.New("session closed")
)

// Account is what a client needs to log on.
type Account struct {
	Username string
	Password string
	Domain   string
	Mailbox  string

	// LocalAddr is the source address connections are bound to. Nil lets
	// the OS choose.
	LocalAddr net.IP
}

// Body formats understood by the server.
const (
	BodyText = "text"
	BodyHTML = "html"
	BodyRTF  = "rtf"
)

// Message is a mail message.
type Message struct {
	ID          string
	Subject     string
	From        string
	To          []string
	BodyType    string
	Body        []byte
	Attachments []Attachment
	Received    time.Time
}

// Attachment is a file attached to a message.
type Attachment struct {
	Filename string
	Data     []byte
}

// Summary is a folder listing entry.
type Summary struct {
	ID          string
	Subject     string
	Size        int
	Attachments int
}

// Session is a logged-on connection to one mailbox.
type Session interface {
	// Mailbox returns the logged-on mailbox address.
	Mailbox() string

	// LocalAddr returns the source address of the session, if bound.
	LocalAddr() net.IP

	// SendMessage submits msg and returns the id of the sent copy.
	SendMessage(ctx context.Context, msg *Message) (string, error)

	ListMessages(ctx context.Context, folder string) ([]Summary, error)
	FetchMessage(ctx context.Context, folder, id string) (*Message, error)
	FetchAttachment(ctx context.Context, folder, id string, n int) (*Attachment, error)

	// EmptyFolder deletes every message in folder and returns how many
	// were removed.
	EmptyFolder(ctx context.Context, folder string) (int, error)

	Logoff(ctx context.Context) error
}

// Client opens sessions.
type Client interface {
	Logon(ctx context.Context, acct Account) (Session, error)
}

// Directory manages user identities on the server.
type Directory interface {
	Exists(ctx context.Context, username string) (bool, error)
	Create(ctx context.Context, acct Account) error

	// Duplicate creates acct using the reference user as a template.
	Duplicate(ctx context.Context, reference string, acct Account) error
}
