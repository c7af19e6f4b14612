package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const apiPrefix = "/api/v1"

// HTTPConfig contains HTTP client configuration.
type HTTPConfig struct {
	// BaseURL is the server endpoint, e.g. "http://10.0.0.1:8080"
	BaseURL string

	// Timeout for a single request
	Timeout time.Duration

	// MaxIdleConnsPerHost controls the idle connections kept per session
	MaxIdleConnsPerHost int

	// UserAgent is sent with every request
	UserAgent string

	// Dump, when set, receives a hex dump of every request and response
	// body at debug level.
	Dump *zap.Logger
}

// DefaultHTTPConfig returns defaults for one simulated client.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:             baseURL,
		Timeout:             30 * time.Second,
		MaxIdleConnsPerHost: 2,
		UserAgent:           "mailsim/1.0",
	}
}

// HTTPClient talks to a mail server over its REST API. Sessions bind
// their connections to the account's local address.
type HTTPClient struct {
	cfg    HTTPConfig
	shared *http.Client
}

// NewHTTPClient returns a client for cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &HTTPClient{cfg: cfg}
	c.shared = c.createHTTPClient(nil)
	return c
}

// createHTTPClient creates an HTTP client whose connections originate
// from local when it is set.
func (c *HTTPClient) createHTTPClient(local net.IP) *http.Client {
	dialer := &net.Dialer{
		Timeout:   c.cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}
	if local != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: local}
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        c.cfg.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost: c.cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   c.cfg.Timeout,
	}
}

type wireAccount struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Mailbox  string `json:"mailbox,omitempty"`
}

type wireAttachment struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
}

type wireMessage struct {
	ID          string           `json:"id,omitempty"`
	Subject     string           `json:"subject"`
	From        string           `json:"from,omitempty"`
	To          []string         `json:"to"`
	BodyType    string           `json:"bodyType,omitempty"`
	Body        []byte           `json:"body,omitempty"`
	Attachments []wireAttachment `json:"attachments,omitempty"`
	Received    time.Time        `json:"received,omitempty"`
}

// do sends a request and returns the body of a 2xx response. Other
// statuses are mapped onto the package errors.
func (c *HTTPClient) do(ctx context.Context, hc *http.Client, method, path, token string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		c.dump("request", method, path, b)
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+apiPrefix+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	c.dump("response", method, path, data, zap.Int("status", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	msg := gjson.GetBytes(data, "error").String()
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%s %s: %s: %w", method, path, msg, ErrLogonFailed)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %s: %w", method, path, msg, ErrNotFound)
	case http.StatusConflict:
		return nil, fmt.Errorf("%s %s: %s: %w", method, path, msg, ErrExists)
	default:
		return nil, fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, msg)
	}
}

func (c *HTTPClient) dump(dir, method, path string, b []byte, fields ...zap.Field) {
	if c.cfg.Dump == nil || len(b) == 0 {
		return
	}
	c.cfg.Dump.Debug(dir, append(fields,
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("bytes", len(b)),
		zap.String("dump", hex.Dump(b)))...)
}

// Exists reports whether username is known to the server.
func (c *HTTPClient) Exists(ctx context.Context, username string) (bool, error) {
	_, err := c.do(ctx, c.shared, http.MethodGet, "/users/"+url.PathEscape(username), "", nil)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (c *HTTPClient) Create(ctx context.Context, acct Account) error {
	_, err := c.do(ctx, c.shared, http.MethodPost, "/users", "", toWireAccount(acct))
	return err
}

func (c *HTTPClient) Duplicate(ctx context.Context, reference string, acct Account) error {
	_, err := c.do(ctx, c.shared, http.MethodPost, "/users/"+url.PathEscape(reference)+"/duplicate", "", toWireAccount(acct))
	return err
}

// Logon opens a session bound to acct.LocalAddr.
func (c *HTTPClient) Logon(ctx context.Context, acct Account) (Session, error) {
	hc := c.shared
	if acct.LocalAddr != nil {
		hc = c.createHTTPClient(acct.LocalAddr)
	}

	data, err := c.do(ctx, hc, http.MethodPost, "/sessions", "", toWireAccount(acct))
	if err != nil {
		return nil, err
	}

	token := gjson.GetBytes(data, "token").String()
	if token == "" {
		return nil, fmt.Errorf("logon %s: server returned no token: %w", acct.Username, ErrLogonFailed)
	}
	mailbox := gjson.GetBytes(data, "mailbox").String()
	if mailbox == "" {
		mailbox = acct.Mailbox
	}

	return &httpSession{client: c, hc: hc, token: token, mailbox: mailbox, local: acct.LocalAddr}, nil
}

type httpSession struct {
	client  *HTTPClient
	hc      *http.Client
	token   string
	mailbox string
	local   net.IP
}

func (s *httpSession) Mailbox() string   { return s.mailbox }
func (s *httpSession) LocalAddr() net.IP { return s.local }

func (s *httpSession) call(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	if s.token == "" {
		return nil, ErrSessionClosed
	}
	return s.client.do(ctx, s.hc, method, path, s.token, payload)
}

func folderPath(folder string) string {
	return "/folders/" + url.PathEscape(folder) + "/messages"
}

func (s *httpSession) SendMessage(ctx context.Context, msg *Message) (string, error) {
	data, err := s.call(ctx, http.MethodPost, "/messages", toWireMessage(msg))
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(data, "id").String(), nil
}

func (s *httpSession) ListMessages(ctx context.Context, folder string) ([]Summary, error) {
	data, err := s.call(ctx, http.MethodGet, folderPath(folder), nil)
	if err != nil {
		return nil, err
	}

	items := gjson.GetBytes(data, "messages").Array()
	out := make([]Summary, 0, len(items))
	for _, item := range items {
		out = append(out, Summary{
			ID:          item.Get("id").String(),
			Subject:     item.Get("subject").String(),
			Size:        int(item.Get("size").Int()),
			Attachments: int(item.Get("attachments").Int()),
		})
	}
	return out, nil
}

func (s *httpSession) FetchMessage(ctx context.Context, folder, id string) (*Message, error) {
	data, err := s.call(ctx, http.MethodGet, folderPath(folder)+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return parseMessage(gjson.ParseBytes(data))
}

func (s *httpSession) FetchAttachment(ctx context.Context, folder, id string, n int) (*Attachment, error) {
	path := fmt.Sprintf("%s/%s/attachments/%d", folderPath(folder), url.PathEscape(id), n)
	data, err := s.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return parseAttachment(gjson.ParseBytes(data))
}

func (s *httpSession) EmptyFolder(ctx context.Context, folder string) (int, error) {
	data, err := s.call(ctx, http.MethodDelete, folderPath(folder), nil)
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(data, "deleted").Int()), nil
}

func (s *httpSession) Logoff(ctx context.Context) error {
	if s.token == "" {
		return nil
	}
	_, err := s.call(ctx, http.MethodDelete, "/sessions", nil)
	s.token = ""
	s.hc.CloseIdleConnections()
	return err
}

func parseMessage(r gjson.Result) (*Message, error) {
	body, err := base64.StdEncoding.DecodeString(r.Get("body").String())
	if err != nil {
		return nil, fmt.Errorf("decode message body: %w", err)
	}

	msg := &Message{
		ID:       r.Get("id").String(),
		Subject:  r.Get("subject").String(),
		From:     r.Get("from").String(),
		BodyType: r.Get("bodyType").String(),
		Body:     body,
		Received: r.Get("received").Time(),
	}
	for _, to := range r.Get("to").Array() {
		msg.To = append(msg.To, to.String())
	}
	for _, a := range r.Get("attachments").Array() {
		att, err := parseAttachment(a)
		if err != nil {
			return nil, err
		}
		msg.Attachments = append(msg.Attachments, *att)
	}
	return msg, nil
}

func parseAttachment(r gjson.Result) (*Attachment, error) {
	data, err := base64.StdEncoding.DecodeString(r.Get("data").String())
	if err != nil {
		return nil, fmt.Errorf("decode attachment %q: %w", r.Get("filename").String(), err)
	}
	return &Attachment{Filename: r.Get("filename").String(), Data: data}, nil
}

func toWireAccount(acct Account) wireAccount {
	return wireAccount{Username: acct.Username, Password: acct.Password, Domain: acct.Domain, Mailbox: acct.Mailbox}
}

func toWireMessage(m *Message) wireMessage {
	w := wireMessage{
		ID:       m.ID,
		Subject:  m.Subject,
		From:     m.From,
		To:       m.To,
		BodyType: m.BodyType,
		Body:     m.Body,
		Received: m.Received,
	}
	for _, a := range m.Attachments {
		w.Attachments = append(w.Attachments, wireAttachment{Filename: a.Filename, Data: a.Data})
	}
	return w
}

func fromWireMessage(w wireMessage) *Message {
	m := &Message{
		ID:       w.ID,
		Subject:  w.Subject,
		From:     w.From,
		To:       w.To,
		BodyType: w.BodyType,
		Body:     w.Body,
		Received: w.Received,
	}
	for _, a := range w.Attachments {
		m.Attachments = append(m.Attachments, Attachment{Filename: a.Filename, Data: a.Data})
	}
	return m
}
