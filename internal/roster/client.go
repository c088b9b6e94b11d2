package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/flant/roster-sync/internal/types"
)

const (
	DefaultTokenURL = "https://oauth.wildapricot.org/auth/token"
	DefaultBaseURL  = "https://api.wildapricot.org/v2.2"

	// PageSize is the offset step of a full retrieval.
	PageSize = 100

	userAgent          = "roster-sync"
	defaultMaxAttempts = 5
	defaultRetryDelay  = time.Second
	defaultPollDelay   = 5 * time.Second
)

type Config struct {
	APIKey    string
	AccountID string
	TokenURL  string
	BaseURL   string

	MaxAttempts int
	RetryDelay  time.Duration
	PollDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.PollDelay <= 0 {
		c.PollDelay = defaultPollDelay
	}
	return c
}

// Batch is the result of one retrieval. A Partial batch must not advance
// the sync checkpoint.
type Batch struct {
	Records []types.RosterRecord
	Partial bool
}

type Client struct {
	cfg    Config
	base   *http.Client
	logger hclog.Logger

	mu        sync.Mutex
	http      *http.Client
	accountID string
}

func NewClient(cfg Config, logger hclog.Logger) *Client {
	base := cleanhttp.DefaultPooledClient()
	base.Transport = &userAgentTransport{next: base.Transport}

	return &Client{
		cfg:    cfg.withDefaults(),
		base:   base,
		logger: logger.Named("roster"),
	}
}

type userAgentTransport struct {
	next http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", userAgent)
	return t.next.RoundTrip(req)
}

// session exchanges the API key for a bearer token once and remembers the
// account the key belongs to.
func (c *Client) session(ctx context.Context) (*http.Client, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.http != nil {
		return c.http, c.accountID, nil
	}

	cc := clientcredentials.Config{
		ClientID:     "APIKEY",
		ClientSecret: c.cfg.APIKey,
		TokenURL:     c.cfg.TokenURL,
		Scopes:       []string{"auto"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// the exchange obeys the caller, refreshes outlive it
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, c.base)
	sourceCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.base)

	var token *oauth2.Token
	err := c.retry(ctx, "token exchange", func() error {
		var err error
		token, err = cc.Token(exchangeCtx)
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.Response != nil && isPermanentStatus(rErr.Response.StatusCode) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, "", err
	}

	accountID := c.cfg.AccountID
	if accountID == "" {
		accountID = accountFromPermissions(token.Extra("Permissions"))
	}
	if accountID == "" {
		return nil, "", fmt.Errorf("%w: token carries no account id", ErrRetrievalFailed)
	}

	c.http = oauth2.NewClient(sourceCtx, oauth2.ReuseTokenSource(token, cc.TokenSource(sourceCtx)))
	c.accountID = accountID

	return c.http, c.accountID, nil
}

func accountFromPermissions(v interface{}) string {
	perms, ok := v.([]interface{})
	if !ok || len(perms) == 0 {
		return ""
	}
	perm, ok := perms[0].(map[string]interface{})
	if !ok {
		return ""
	}
	switch id := perm["AccountId"].(type) {
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case string:
		return id
	}
	return ""
}

// FetchFull pages through every contact. When the service stops answering
// after the first page the collected part is returned marked Partial.
func (c *Client) FetchFull(ctx context.Context) (Batch, error) {
	hc, accountID, err := c.session(ctx)
	if err != nil {
		return Batch{}, err
	}

	var batch Batch
	for skip := 0; ; skip += PageSize {
		q := url.Values{}
		q.Set("$async", "false")
		q.Set("$skip", strconv.Itoa(skip))
		q.Set("$top", strconv.Itoa(PageSize))

		var page []types.RosterRecord
		err := c.retry(ctx, fmt.Sprintf("contacts page at offset %d", skip), func() error {
			env, err := c.getEnvelope(ctx, hc, c.contactsURL(accountID, q))
			if err != nil {
				return err
			}
			if !env.HasContacts {
				return fmt.Errorf("page at offset %d has no contacts", skip)
			}
			page = env.Contacts
			return nil
		})
		if err != nil {
			if skip == 0 {
				return Batch{}, err
			}
			c.logger.Warn(fmt.Sprintf("stopping full retrieval at offset %d", skip), "collected", len(batch.Records), "error", err)
			batch.Partial = true
			return batch, nil
		}

		batch.Records = append(batch.Records, page...)
		if len(page) < PageSize {
			return batch, nil
		}
	}
}

// FetchDelta requests an export of contacts whose profile changed on or
// after since and waits for it to complete.
func (c *Client) FetchDelta(ctx context.Context, since time.Time) (Batch, error) {
	hc, accountID, err := c.session(ctx)
	if err != nil {
		return Batch{}, err
	}

	q := url.Values{}
	q.Set("$async", "true")
	q.Set("$filter", fmt.Sprintf("'Profile last updated' ge '%s'", since.Format("2006-01-02")))

	var export contactsEnvelope
	err = c.retry(ctx, "contacts export request", func() error {
		var err error
		export, err = c.getEnvelope(ctx, hc, c.contactsURL(accountID, q))
		return err
	})
	if err != nil {
		return Batch{}, err
	}
	if export.HasContacts {
		return Batch{Records: export.Contacts}, nil
	}
	if export.ResultURL == "" {
		return Batch{}, fmt.Errorf("%w: export response has no result url", ErrRetrievalFailed)
	}

	c.logger.Debug(fmt.Sprintf("waiting %s for export %s", c.cfg.PollDelay, export.ResultURL))
	if err := sleep(ctx, c.cfg.PollDelay); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}

	var records []types.RosterRecord
	err = c.retry(ctx, "contacts export result", func() error {
		res, err := c.getEnvelope(ctx, hc, export.ResultURL)
		if err != nil {
			return err
		}
		switch res.State {
		case stateWaiting, stateProcessing:
			return ErrNotReady
		case stateFailed:
			return backoff.Permanent(errJobFailed)
		}
		if !res.HasContacts && res.State != stateComplete {
			return fmt.Errorf("export result in state %q has no contacts", res.State)
		}
		records = res.Contacts
		return nil
	})
	if err != nil {
		return Batch{}, err
	}

	return Batch{Records: records}, nil
}

// PutContactPassword sets the roster-side password of a contact.
func (c *Client) PutContactPassword(ctx context.Context, contactID int64, password string) error {
	hc, accountID, err := c.session(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(struct {
		ID       int64  `json:"Id"`
		Password string `json:"Password"`
	}{ID: contactID, Password: password})
	if err != nil {
		return err
	}

	target := fmt.Sprintf("%s/accounts/%s/contacts/%d", c.cfg.BaseURL, url.PathEscape(accountID), contactID)
	return c.retry(ctx, fmt.Sprintf("password update of contact %d", contactID), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		_, err = c.do(hc, req)
		return err
	})
}

func (c *Client) contactsURL(accountID string, q url.Values) string {
	return fmt.Sprintf("%s/accounts/%s/contacts?%s", c.cfg.BaseURL, url.PathEscape(accountID), q.Encode())
}

func (c *Client) getEnvelope(ctx context.Context, hc *http.Client, target string) (contactsEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return contactsEnvelope{}, backoff.Permanent(err)
	}

	body, err := c.do(hc, req)
	if err != nil {
		return contactsEnvelope{}, err
	}
	// an empty body shows up while the service is overloaded
	if len(bytes.TrimSpace(body)) == 0 {
		return contactsEnvelope{}, errEmptyBody
	}

	return decodeEnvelope(body)
}

func (c *Client) do(hc *http.Client, req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
		if isPermanentStatus(resp.StatusCode) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	return buf.Bytes(), nil
}

func (c *Client) retry(ctx context.Context, what string, op func() error) error {
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(c.cfg.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		attempt++
		return op()
	}, b, func(err error, _ time.Duration) {
		if errors.Is(err, ErrNotReady) {
			c.logger.Debug(fmt.Sprintf("%s: not ready on attempt %d of %d", what, attempt, c.cfg.MaxAttempts))
			return
		}
		c.logger.Warn(fmt.Sprintf("%s failed on attempt %d of %d", what, attempt, c.cfg.MaxAttempts), "error", err)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRetrievalFailed, what, err)
	}

	return nil
}

func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
