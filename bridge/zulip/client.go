// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package zulip implements the subset of the Zulip server API the
// bridge needs: credential checks, event-queue registration, long-poll
// event retrieval, and a few read-only listings. All filtering happens
// on our side, so queues are always registered with an empty narrow.
package zulip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/errs2"
)

var mon = monkit.Package()

var (
	// Error is the default error class for the zulip package.
	Error = errs.Class("zulip")
	// ErrUnauthorized means the server rejected the account credentials.
	ErrUnauthorized = errs.Class("zulip unauthorized")
	// ErrExpiredQueue means the event queue is gone and the caller must
	// register a new one before polling again.
	ErrExpiredQueue = errs.Class("zulip event queue expired")
)

// expiredQueueCode is the server error code signalling a dead queue. It
// is pattern-matched from the response body because old servers omit
// the structured code field.
const expiredQueueCode = "BAD_EVENT_QUEUE_ID"

const (
	apiPrefix          = "/api/v1"
	connectTimeout     = 10 * time.Second
	pollDeadlineMargin = 5 * time.Second
)

// Credentials identify one account on one Zulip server.
type Credentials struct {
	ServerURL string `json:"serverUrl"`
	Email     string `json:"email"`
	APIKey    string `json:"apiKey"`
}

// Validate checks that the credentials are complete enough to dial with.
func (creds Credentials) Validate() error {
	if creds.ServerURL == "" {
		return Error.New("server url is required")
	}
	base, err := url.Parse(creds.ServerURL)
	if err != nil {
		return Error.New("invalid server url: %v", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return Error.New("server url must be http or https")
	}
	if creds.Email == "" {
		return Error.New("email is required")
	}
	if creds.APIKey == "" {
		return Error.New("api key is required")
	}
	return nil
}

// Client talks to one Zulip server on behalf of one account.
type Client struct {
	log    *zap.Logger
	base   string
	email  string
	apiKey string
	http   *http.Client
}

// NewClient creates a client for the given account. The underlying HTTP
// client carries no overall timeout so long polls can run their course;
// callers bound individual requests through their context.
func NewClient(log *zap.Logger, creds Credentials) (*Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		log:    log,
		base:   strings.TrimRight(creds.ServerURL, "/"),
		email:  creds.Email,
		apiKey: creds.APIKey,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}, nil
}

// User describes the authenticated account.
type User struct {
	UserID   int64  `json:"user_id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// CurrentUser fetches the authenticated account and doubles as the
// credential check: bad credentials surface as ErrUnauthorized.
func (client *Client) CurrentUser(ctx context.Context) (_ *User, err error) {
	defer mon.Task()(&ctx)(&err)

	var resp User
	if err := client.do(ctx, http.MethodGet, "/users/me", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterQueue registers a new event queue limited to message events
// with an empty narrow.
func (client *Client) RegisterQueue(ctx context.Context) (_ QueueHandle, err error) {
	defer mon.Task()(&ctx)(&err)

	form := url.Values{}
	form.Set("event_types", `["message"]`)
	form.Set("narrow", `[]`)
	form.Set("apply_markdown", "false")
	form.Set("client_gravatar", "false")

	var resp struct {
		QueueID     string `json:"queue_id"`
		LastEventID int64  `json:"last_event_id"`
	}
	if err := client.do(ctx, http.MethodPost, "/register", form, &resp); err != nil {
		return QueueHandle{}, err
	}
	if resp.QueueID == "" {
		return QueueHandle{}, Error.New("server returned no queue id")
	}

	mon.Counter("zulip_queue_registered").Inc(1)
	return QueueHandle{QueueID: resp.QueueID, LastEventID: resp.LastEventID}, nil
}

// EventsOptions controls a single poll.
type EventsOptions struct {
	// BlockingTimeout asks the server to hold the request open for up to
	// this long. Zero requests an immediate, non-blocking answer.
	BlockingTimeout time.Duration
}

// Events drains the queue past handle.LastEventID. It returns the batch
// and the advanced handle; the handle's LastEventID moves to the highest
// event id in the response no matter what kinds of events arrived.
//
// When the request is cut short by the caller (context canceled or the
// client-side poll deadline firing) the result is an empty batch and the
// unchanged handle, not an error, so poll loops can restart cleanly. A
// dead queue surfaces as ErrExpiredQueue and the caller must register a
// fresh queue before polling again.
func (client *Client) Events(ctx context.Context, handle QueueHandle, opts EventsOptions) (_ *EventBatch, _ QueueHandle, err error) {
	defer mon.Task()(&ctx)(&err)

	if !handle.Registered() {
		return nil, handle, Error.New("no event queue registered")
	}

	form := url.Values{}
	form.Set("queue_id", handle.QueueID)
	form.Set("last_event_id", strconv.FormatInt(handle.LastEventID, 10))
	if opts.BlockingTimeout > 0 {
		// the client-side deadline stays strictly above the server's
		// blocking timeout so the server answers first in the common case
		form.Set("blocking_timeout", strconv.FormatInt(int64(opts.BlockingTimeout/time.Second), 10))
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.BlockingTimeout+pollDeadlineMargin)
		defer cancel()
	} else {
		form.Set("dont_block", "true")
	}

	var resp struct {
		Events []Event `json:"events"`
	}
	if err := client.do(ctx, http.MethodGet, "/events", form, &resp); err != nil {
		if errs2.IsCanceled(err) || errors.Is(err, context.DeadlineExceeded) {
			return newEventBatch(nil), handle, nil
		}
		if ErrExpiredQueue.Has(err) {
			mon.Counter("zulip_queue_expired").Inc(1)
		}
		return nil, handle, err
	}

	batch := newEventBatch(resp.Events)
	if batch.MaxEventID > handle.LastEventID {
		handle.LastEventID = batch.MaxEventID
	}
	mon.Counter("zulip_events_received").Inc(int64(len(resp.Events)))
	return batch, handle, nil
}

// DeleteQueue deletes an event queue. Disconnecting callers treat
// failures as best-effort; the error is returned for logging.
func (client *Client) DeleteQueue(ctx context.Context, queueID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	form := url.Values{}
	form.Set("queue_id", queueID)
	return client.do(ctx, http.MethodDelete, "/events", form, nil)
}

// RecentMessages fetches up to numBefore of the newest messages, used
// for unread catch-up when a device session starts fresh.
func (client *Client) RecentMessages(ctx context.Context, numBefore int) (_ []Message, err error) {
	defer mon.Task()(&ctx)(&err)

	form := url.Values{}
	form.Set("anchor", "newest")
	form.Set("num_before", strconv.Itoa(numBefore))
	form.Set("num_after", "0")
	form.Set("narrow", `[]`)
	form.Set("apply_markdown", "false")

	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := client.do(ctx, http.MethodGet, "/messages", form, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Stream is one stream the account is subscribed to.
type Stream struct {
	StreamID    int64  `json:"stream_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Subscriptions lists the account's subscribed streams.
func (client *Client) Subscriptions(ctx context.Context) (_ []Stream, err error) {
	defer mon.Task()(&ctx)(&err)

	var resp struct {
		Subscriptions []Stream `json:"subscriptions"`
	}
	if err := client.do(ctx, http.MethodGet, "/users/me/subscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Topic is a recently active topic within a stream.
type Topic struct {
	Name  string `json:"name"`
	MaxID int64  `json:"max_id"`
}

// Topics lists the recent topics of one stream.
func (client *Client) Topics(ctx context.Context, streamID int64) (_ []Topic, err error) {
	defer mon.Task()(&ctx)(&err)

	path := "/users/me/" + strconv.FormatInt(streamID, 10) + "/topics"
	var resp struct {
		Topics []Topic `json:"topics"`
	}
	if err := client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Topics, nil
}

// apiResult is the envelope every Zulip response carries.
type apiResult struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
	Code   string `json:"code"`
}

// do performs one API request. GET and DELETE parameters travel in the
// query string, POST parameters as a form body; out, when non-nil,
// receives the decoded 2xx response.
func (client *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) (err error) {
	endpoint := client.base + apiPrefix + path

	var body io.Reader
	if form != nil {
		if method == http.MethodPost {
			body = strings.NewReader(form.Encode())
		} else {
			endpoint += "?" + form.Encode()
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return Error.Wrap(err)
	}
	req.SetBasicAuth(client.email, client.apiKey)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Error.Wrap(err)
	}

	var status apiResult
	_ = json.Unmarshal(raw, &status)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized.New("status %d: %s", resp.StatusCode, status.Msg)
	case isExpiredQueue(status, raw):
		return ErrExpiredQueue.New("%s", status.Msg)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Error.New("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	case status.Result == "error":
		return Error.New("api error: %s", status.Msg)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return Error.New("malformed response: %v", err)
		}
	}
	return nil
}

// isExpiredQueue detects the dead-queue signature, preferring the
// structured code and falling back to a raw body match.
func isExpiredQueue(status apiResult, raw []byte) bool {
	if status.Code == expiredQueueCode {
		return true
	}
	return status.Result == "error" && bytes.Contains(raw, []byte(expiredQueueCode))
}
