package backend_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
)

func newHTTPBackend(t *testing.T) (*backend.HTTPClient, *backend.Memory, *backend.Handler) {
	t.Helper()
	mem := backend.NewMemory()
	h := backend.NewHandler(mem)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := backend.DefaultHTTPConfig(srv.URL + "/")
	cfg.Timeout = 5 * time.Second
	return backend.NewHTTPClient(cfg), mem, h
}

func TestHTTPClient_Directory(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newHTTPBackend(t)

	ok, err := c.Exists(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Create(ctx, newUser("user1")))
	ok, err = c.Exists(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, ok)

	err = c.Create(ctx, newUser("user1"))
	assert.True(t, errors.Is(err, backend.ErrExists), "got %v", err)

	require.NoError(t, c.Duplicate(ctx, "user1", newUser("user2")))
	err = c.Duplicate(ctx, "ghost", newUser("user3"))
	assert.True(t, errors.Is(err, backend.ErrNotFound), "got %v", err)
}

func TestHTTPClient_SessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mem, h := newHTTPBackend(t)
	require.NoError(t, c.Create(ctx, newUser("user1")))

	acct := newUser("user1")
	acct.LocalAddr = net.ParseIP("127.0.0.1")
	s, err := c.Logon(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, "user1@example.org", s.Mailbox())
	assert.Equal(t, 1, h.Sessions())

	id, err := s.SendMessage(ctx, &backend.Message{
		Subject:     "report",
		To:          []string{s.Mailbox()},
		BodyType:    backend.BodyHTML,
		Body:        []byte("<p>hi</p>"),
		Attachments: []backend.Attachment{{Filename: "r.bin", Data: []byte{0, 1, 2}}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	list, err := s.ListMessages(ctx, backend.FolderInbox)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "report", list[0].Subject)
	assert.Equal(t, 1, list[0].Attachments)

	msg, err := s.FetchMessage(ctx, backend.FolderInbox, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", string(msg.Body))
	assert.Equal(t, backend.BodyHTML, msg.BodyType)
	assert.Equal(t, []string{"user1@example.org"}, msg.To)
	require.Len(t, msg.Attachments, 1)

	att, err := s.FetchAttachment(ctx, backend.FolderInbox, list[0].ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "r.bin", att.Filename)
	assert.Equal(t, []byte{0, 1, 2}, att.Data)

	n, err := s.EmptyFolder(ctx, backend.FolderInbox)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, mem.Folder("user1", backend.FolderInbox))

	require.NoError(t, s.Logoff(ctx))
	assert.Equal(t, 0, h.Sessions())

	_, err = s.ListMessages(ctx, backend.FolderInbox)
	assert.ErrorIs(t, err, backend.ErrSessionClosed)
	assert.NoError(t, s.Logoff(ctx), "second logoff is a no-op")
}

func TestHTTPClient_LogonFailure(t *testing.T) {
	c, _, _ := newHTTPBackend(t)

	_, err := c.Logon(context.Background(), newUser("nobody"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrLogonFailed), "got %v", err)
}

func TestHTTPClient_BindsLocalAddress(t *testing.T) {
	var remote atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remote.Store(r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"t1","mailbox":"m@x"}`))
	}))
	defer srv.Close()

	c := backend.NewHTTPClient(backend.DefaultHTTPConfig(srv.URL))
	acct := backend.Account{Username: "u", Password: "p", LocalAddr: net.ParseIP("127.0.0.1")}
	s, err := c.Logon(context.Background(), acct)
	require.NoError(t, err)

	assert.Equal(t, "m@x", s.Mailbox())
	assert.True(t, net.ParseIP("127.0.0.1").Equal(s.LocalAddr()))
	addr, _ := remote.Load().(string)
	assert.True(t, strings.HasPrefix(addr, "127.0.0.1:"), "remote addr %q", addr)
}

func TestHTTPClient_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream down"}`))
	}))
	defer srv.Close()

	c := backend.NewHTTPClient(backend.DefaultHTTPConfig(srv.URL))
	_, err := c.Exists(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestHTTPClient_DumpsBodies(t *testing.T) {
	srv := httptest.NewServer(backend.NewHandler(backend.NewMemory()))
	defer srv.Close()

	core, logs := observer.New(zap.DebugLevel)
	cfg := backend.DefaultHTTPConfig(srv.URL)
	cfg.Dump = zap.New(core)
	c := backend.NewHTTPClient(cfg)

	require.NoError(t, c.Create(context.Background(), newUser("user1")))

	requests := logs.FilterMessage("request").All()
	require.Len(t, requests, 1)
	fields := requests[0].ContextMap()
	assert.Equal(t, http.MethodPost, fields["method"])
	assert.Equal(t, "/users", fields["path"])
	assert.Contains(t, fields["dump"], "|{\"username\":\"use|")

	responses := logs.FilterMessage("response").All()
	require.Len(t, responses, 1)
	assert.EqualValues(t, http.StatusCreated, responses[0].ContextMap()["status"])
}

func TestHTTPClient_NoDumpByDefault(t *testing.T) {
	c, _, _ := newHTTPBackend(t)
	require.NoError(t, c.Create(context.Background(), newUser("user1")))
	ok, err := c.Exists(context.Background(), "user1")
	require.NoError(t, err)
	assert.True(t, ok)
}
