package backend_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
)

func newUser(name string) backend.Account {
	return backend.Account{Username: name, Password: "pw", Domain: "EXAMPLE", Mailbox: name + "@example.org"}
}

func TestMemory_Directory(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()

	ok, err := m.Exists(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Create(ctx, newUser("user1")))
	ok, _ = m.Exists(ctx, "user1")
	assert.True(t, ok)

	err = m.Create(ctx, newUser("user1"))
	assert.True(t, errors.Is(err, backend.ErrExists))

	dup := backend.Account{Username: "user2", Mailbox: "user2@example.org"}
	require.NoError(t, m.Duplicate(ctx, "user1", dup))

	// The duplicate inherits the reference password.
	_, err = m.Logon(ctx, backend.Account{Username: "user2", Password: "pw"})
	assert.NoError(t, err)

	err = m.Duplicate(ctx, "ghost", newUser("user3"))
	assert.True(t, errors.Is(err, backend.ErrNotFound))
}

func TestMemory_LogonRejectsBadPassword(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	require.NoError(t, m.Create(ctx, newUser("user1")))

	_, err := m.Logon(ctx, backend.Account{Username: "user1", Password: "wrong"})
	assert.True(t, errors.Is(err, backend.ErrLogonFailed))

	_, err = m.Logon(ctx, backend.Account{Username: "nobody", Password: "pw"})
	assert.True(t, errors.Is(err, backend.ErrLogonFailed))
	assert.Equal(t, int64(0), m.Logons())
}

func TestMemory_AutoCreate(t *testing.T) {
	m := backend.NewMemoryAutoCreate()
	s, err := m.Logon(context.Background(), newUser("fresh"))
	require.NoError(t, err)
	assert.Equal(t, "fresh@example.org", s.Mailbox())
}

func TestMemory_SendFetchEmpty(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	require.NoError(t, m.Create(ctx, newUser("user1")))

	s, err := m.Logon(ctx, newUser("user1"))
	require.NoError(t, err)

	_, err = s.SendMessage(ctx, &backend.Message{
		Subject:  "hello",
		To:       []string{s.Mailbox()},
		BodyType: backend.BodyText,
		Body:     []byte("body"),
		Attachments: []backend.Attachment{
			{Filename: "a.txt", Data: []byte("aaa")},
		},
	})
	require.NoError(t, err)

	inbox, err := s.ListMessages(ctx, backend.FolderInbox)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, 1, inbox[0].Attachments)

	sent, err := s.ListMessages(ctx, backend.FolderSent)
	require.NoError(t, err)
	assert.Len(t, sent, 1)

	msg, err := s.FetchMessage(ctx, backend.FolderInbox, inbox[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "body", string(msg.Body))
	assert.Equal(t, s.Mailbox(), msg.From)

	att, err := s.FetchAttachment(ctx, backend.FolderInbox, inbox[0].ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(att.Data))

	_, err = s.FetchAttachment(ctx, backend.FolderInbox, inbox[0].ID, 1)
	assert.True(t, errors.Is(err, backend.ErrNotFound))

	_, err = s.FetchMessage(ctx, backend.FolderInbox, "999")
	assert.True(t, errors.Is(err, backend.ErrNotFound))

	n, err := s.EmptyFolder(ctx, backend.FolderInbox)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, m.Folder("user1", backend.FolderInbox))

	_, err = s.ListMessages(ctx, "calendar")
	assert.True(t, errors.Is(err, backend.ErrNotFound))
}

func TestMemory_SessionClosedAfterLogoff(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	require.NoError(t, m.Create(ctx, newUser("user1")))
	s, err := m.Logon(ctx, newUser("user1"))
	require.NoError(t, err)

	require.NoError(t, s.Logoff(ctx))
	_, err = s.ListMessages(ctx, backend.FolderInbox)
	assert.ErrorIs(t, err, backend.ErrSessionClosed)
}
