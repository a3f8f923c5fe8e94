// Package api is the REST client for the chat server's persistence API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"chatsync/logging"
	"chatsync/models"
	"chatsync/wire"
)

const (
	DefaultTimeout = 15 * time.Second
	basePath       = "/api/v1"
)

// ErrMissingBaseURL rejects a client without a server address.
var ErrMissingBaseURL = errors.New("api: base url is required")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %s %s: %d", e.Method, e.Path, e.Code)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	// Self is the signed-in user ID used to normalize direct-chat targets.
	Self    string
	Timeout time.Duration
	// Dial overrides the transport dialer, used by tests.
	Dial   fasthttp.DialFunc
	Logger *zap.Logger
}

// Client talks to the REST API with fasthttp.
type Client struct {
	baseURL string
	token   string
	self    string
	timeout time.Duration
	http    *fasthttp.Client
	logger  *zap.Logger
}

// New builds a client.
func New(options Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(options.BaseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}

	return &Client{
		baseURL: base,
		token:   options.Token,
		self:    options.Self,
		timeout: options.Timeout,
		http: &fasthttp.Client{
			Name:                "chatsync",
			Dial:                options.Dial,
			MaxIdleConnDuration: time.Minute,
		},
		logger: logging.OrNop(options.Logger).Named("api"),
	}, nil
}

// envelope is the server's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

type messagePage struct {
	Messages   []wire.Message `json:"messages"`
	Pagination pagination     `json:"pagination"`
	HasMore    *bool          `json:"hasMore,omitempty"`
}

type sendRequest struct {
	ReceiverID  string `json:"receiverId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	FileURL     string `json:"fileUrl,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	TempID      string `json:"tempId,omitempty"`
}

type readRequest struct {
	TargetID   string `json:"targetId"`
	TargetType string `json:"targetType"`
}

// FetchConversations returns the server's conversation summaries. Entries
// that cannot be normalized are skipped.
func (c *Client) FetchConversations(ctx context.Context) ([]models.Conversation, error) {
	var raw []wire.Conversation
	if err := c.do(ctx, fasthttp.MethodGet, basePath+"/messages/chats", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]models.Conversation, 0, len(raw))
	for _, w := range raw {
		conv, err := wire.NormalizeConversation(c.self, w)
		if err != nil {
			c.logger.Debug("conversation_skipped", zap.String("id", w.ID), zap.Error(err))
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

// FetchFriends returns the user IDs of the contact list.
func (c *Client) FetchFriends(ctx context.Context) ([]string, error) {
	var raw []wire.UserRef
	if err := c.do(ctx, fasthttp.MethodGet, basePath+"/contacts", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, ref := range raw {
		if ref.ID != "" {
			out = append(out, ref.ID)
		}
	}
	return out, nil
}

// FetchMessages returns one page of history, newest first.
func (c *Client) FetchMessages(ctx context.Context, target models.Target, page, size int) (models.MessagePage, error) {
	if !target.Valid() {
		return models.MessagePage{}, fmt.Errorf("fetch messages: invalid target %q", target.String())
	}
	path := basePath + "/messages/" + url.PathEscape(target.ID)
	if target.Kind == models.KindGroup {
		path = basePath + "/messages/group/" + url.PathEscape(target.ID)
	}
	path += "?page=" + strconv.Itoa(page) + "&limit=" + strconv.Itoa(size)

	var raw messagePage
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, &raw); err != nil {
		return models.MessagePage{}, err
	}

	out := models.MessagePage{Messages: make([]models.Message, 0, len(raw.Messages))}
	for _, w := range raw.Messages {
		msg, _, err := wire.Normalize(c.self, w)
		if err != nil {
			c.logger.Debug("message_skipped", zap.String("id", w.ID), zap.Error(err))
			continue
		}
		out.Messages = append(out.Messages, msg)
	}
	switch {
	case raw.HasMore != nil:
		out.HasMore = *raw.HasMore
	case raw.Pagination.Total > 0:
		out.HasMore = page*size < raw.Pagination.Total
	default:
		out.HasMore = len(raw.Messages) >= size
	}
	return out, nil
}

// SendMessage posts a new message and returns the confirmed copy.
func (c *Client) SendMessage(ctx context.Context, target models.Target, body models.Body, tempID string) (models.Message, error) {
	req := sendRequest{
		Content:     body.Text,
		MessageType: string(body.Kind),
		FileURL:     body.MediaURL,
		FileName:    body.FileName,
		FileSize:    body.FileSize,
		Duration:    body.Duration,
		TempID:      tempID,
	}
	if req.MessageType == "" {
		req.MessageType = string(models.BodyText)
	}
	path := basePath + "/messages"
	switch target.Kind {
	case models.KindGroup:
		req.GroupID = target.ID
		path = basePath + "/messages/group"
	default:
		req.ReceiverID = target.ID
	}

	msg, err := c.message(ctx, fasthttp.MethodPost, path, req)
	if err != nil {
		return models.Message{}, err
	}
	if msg.TempID == "" {
		msg.TempID = tempID
	}
	return msg, nil
}

// EditMessage replaces the text of a message.
func (c *Client) EditMessage(ctx context.Context, messageID, text string) (models.Message, error) {
	return c.message(ctx, fasthttp.MethodPatch, basePath+"/messages/"+url.PathEscape(messageID),
		map[string]string{"content": text})
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, fasthttp.MethodDelete, basePath+"/messages/"+url.PathEscape(messageID), nil, nil)
}

// MarkRead marks everything in target as read.
func (c *Client) MarkRead(ctx context.Context, target models.Target) error {
	return c.do(ctx, fasthttp.MethodPut, basePath+"/messages/read",
		readRequest{TargetID: target.ID, TargetType: string(target.Kind)}, nil)
}

func (c *Client) message(ctx context.Context, method, path string, body any) (models.Message, error) {
	var w wire.Message
	if err := c.do(ctx, method, path, body, &w); err != nil {
		return models.Message{}, err
	}
	msg, _, err := wire.Normalize(c.self, w)
	if err != nil {
		return models.Message{}, fmt.Errorf("normalize %s %s response: %w", method, path, err)
	}
	return msg, nil
}

// do sends one request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if c.token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.token)
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(raw)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	start := time.Now()
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	code := resp.StatusCode()
	c.logger.Debug("api_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", code),
		zap.Duration("elapsed", time.Since(start)))

	var env envelope
	raw := resp.Body()
	var decodeErr error
	if len(raw) > 0 {
		decodeErr = json.Unmarshal(raw, &env)
	}

	if code < 200 || code >= 300 {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		return &StatusError{Method: method, Path: path, Code: code, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s %s data: %w", method, path, err)
	}
	return nil
}
