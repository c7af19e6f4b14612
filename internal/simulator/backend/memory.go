package backend

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process mail server. It implements both Client and
// Directory and is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	users   map[string]*memoryUser
	byMail  map[string]string
	nextID  atomic.Int64
	logons  atomic.Int64
	autoAdd bool
}

type memoryUser struct {
	acct    Account
	folders map[string][]*Message
}

// NewMemory returns an empty server.
func NewMemory() *Memory {
	return &Memory{
		users:  make(map[string]*memoryUser),
		byMail: make(map[string]string),
	}
}

// NewMemoryAutoCreate returns a server that creates users on first logon.
// It backs dry runs where no directory provisioning reached it, such as
// separate worker processes.
func NewMemoryAutoCreate() *Memory {
	m := NewMemory()
	m.autoAdd = true
	return m
}

// Logons returns how many successful logons the server has seen.
func (m *Memory) Logons() int64 {
	return m.logons.Load()
}

func (m *Memory) Exists(ctx context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[username]
	return ok, nil
}

func (m *Memory) Create(ctx context.Context, acct Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(acct)
}

func (m *Memory) Duplicate(ctx context.Context, reference string, acct Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.users[reference]
	if !ok {
		return fmt.Errorf("reference user %s: %w", reference, ErrNotFound)
	}
	if acct.Password == "" {
		acct.Password = ref.acct.Password
	}
	if acct.Domain == "" {
		acct.Domain = ref.acct.Domain
	}
	return m.addLocked(acct)
}

func (m *Memory) addLocked(acct Account) error {
	if _, ok := m.users[acct.Username]; ok {
		return fmt.Errorf("user %s: %w", acct.Username, ErrExists)
	}
	if acct.Mailbox == "" {
		acct.Mailbox = acct.Username
	}
	m.users[acct.Username] = &memoryUser{
		acct: acct,
		folders: map[string][]*Message{
			FolderInbox:  nil,
			FolderOutbox: nil,
			FolderSent:   nil,
		},
	}
	m.byMail[acct.Mailbox] = acct.Username
	return nil
}

func (m *Memory) Logon(ctx context.Context, acct Account) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	u, ok := m.users[acct.Username]
	if !ok && m.autoAdd {
		if err := m.addLocked(acct); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		u = m.users[acct.Username]
		ok = true
	}
	m.mu.Unlock()

	if !ok || u.acct.Password != acct.Password {
		return nil, fmt.Errorf("%s: %w", acct.Username, ErrLogonFailed)
	}
	m.logons.Add(1)
	return &memorySession{srv: m, user: acct.Username, mailbox: u.acct.Mailbox, local: acct.LocalAddr}, nil
}

// Folder returns a copy of a user's folder, for inspection in tests.
func (m *Memory) Folder(username, folder string) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil
	}
	out := make([]*Message, len(u.folders[folder]))
	copy(out, u.folders[folder])
	return out
}

type memorySession struct {
	srv     *Memory
	user    string
	mailbox string
	local   net.IP
	closed  atomic.Bool
}

func (s *memorySession) Mailbox() string   { return s.mailbox }
func (s *memorySession) LocalAddr() net.IP { return s.local }

func (s *memorySession) folderLocked(folder string) (*memoryUser, []*Message, error) {
	u, ok := s.srv.users[s.user]
	if !ok {
		return nil, nil, fmt.Errorf("user %s: %w", s.user, ErrNotFound)
	}
	msgs, ok := u.folders[folder]
	if !ok {
		return nil, nil, fmt.Errorf("folder %s: %w", folder, ErrNotFound)
	}
	return u, msgs, nil
}

func (s *memorySession) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return ctx.Err()
}

func (s *memorySession) SendMessage(ctx context.Context, msg *Message) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}

	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()

	sender, _, err := s.folderLocked(FolderSent)
	if err != nil {
		return "", err
	}

	now := time.Now()
	for _, rcpt := range msg.To {
		name, ok := s.srv.byMail[rcpt]
		if !ok {
			continue
		}
		copyMsg := cloneMessage(msg)
		copyMsg.ID = strconv.FormatInt(s.srv.nextID.Add(1), 10)
		copyMsg.From = s.mailbox
		copyMsg.Received = now
		u := s.srv.users[name]
		u.folders[FolderInbox] = append(u.folders[FolderInbox], copyMsg)
	}

	sent := cloneMessage(msg)
	sent.ID = strconv.FormatInt(s.srv.nextID.Add(1), 10)
	sent.From = s.mailbox
	sent.Received = now
	sender.folders[FolderSent] = append(sender.folders[FolderSent], sent)
	return sent.ID, nil
}

func (s *memorySession) ListMessages(ctx context.Context, folder string) ([]Summary, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()

	_, msgs, err := s.folderLocked(folder)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Summary{ID: m.ID, Subject: m.Subject, Size: messageSize(m), Attachments: len(m.Attachments)})
	}
	return out, nil
}

func (s *memorySession) find(folder, id string) (*Message, error) {
	_, msgs, err := s.folderLocked(folder)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message %s in %s: %w", id, folder, ErrNotFound)
}

func (s *memorySession) FetchMessage(ctx context.Context, folder, id string) (*Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()

	m, err := s.find(folder, id)
	if err != nil {
		return nil, err
	}
	return cloneMessage(m), nil
}

func (s *memorySession) FetchAttachment(ctx context.Context, folder, id string, n int) (*Attachment, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()

	m, err := s.find(folder, id)
	if err != nil {
		return nil, err
	}
	if n < 0 || n >= len(m.Attachments) {
		return nil, fmt.Errorf("attachment %d of message %s: %w", n, id, ErrNotFound)
	}
	a := m.Attachments[n]
	return &Attachment{Filename: a.Filename, Data: append([]byte(nil), a.Data...)}, nil
}

func (s *memorySession) EmptyFolder(ctx context.Context, folder string) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()

	u, msgs, err := s.folderLocked(folder)
	if err != nil {
		return 0, err
	}
	u.folders[folder] = nil
	return len(msgs), nil
}

func (s *memorySession) Logoff(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}

func cloneMessage(m *Message) *Message {
	out := *m
	out.To = append([]string(nil), m.To...)
	out.Body = append([]byte(nil), m.Body...)
	out.Attachments = make([]Attachment, len(m.Attachments))
	for i, a := range m.Attachments {
		out.Attachments[i] = Attachment{Filename: a.Filename, Data: append([]byte(nil), a.Data...)}
	}
	return &out
}

func messageSize(m *Message) int {
	n := len(m.Subject) + len(m.Body)
	for _, a := range m.Attachments {
		n += len(a.Data)
	}
	return n
}
