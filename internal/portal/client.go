// Package portal downloads transaction-history statements from the ClipperWeb
// customer portal.
package portal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/logger"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const (
	loginPath     = "/ClipperWeb/login.html"
	sessionPath   = "/ClipperWeb/account"
	accountPath   = "/ClipperWeb/account.html"
	statementPath = "/ClipperWeb/view/transactionHistory.pdf"

	maxPageBytes      = 2 << 20
	maxStatementBytes = 32 << 20

	// portalDateLayout matches the portal's date picker, e.g. "March 1, 2025".
	portalDateLayout = "January 2, 2006"
)

// Config tunes a Client. Zero values fall back to the defaults noted.
type Config struct {
	BaseURL   string        // default https://www.clippercard.com
	UserAgent string        // default transit-tracker/0.1
	Attempts  int           // default 3
	BaseDelay time.Duration // default 1s, doubled per retry
	MaxDelay  time.Duration // default 30s
	LoginRate float64       // logins per second across all fetches, default 1
	Timeout   time.Duration // per request, default 60s

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Client fetches statements. Each Fetch uses its own cookie jar, so no session
// or credential outlives the call.
type Client struct {
	baseURL   string
	userAgent string
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	timeout   time.Duration
	transport http.RoundTripper
	logins    *rate.Limiter
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		attempts:  cfg.Attempts,
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
		timeout:   cfg.Timeout,
		transport: cfg.Transport,
	}
	if c.baseURL == "" {
		c.baseURL = "https://www.clippercard.com"
	}
	if c.userAgent == "" {
		c.userAgent = "transit-tracker/0.1"
	}
	if c.attempts < 1 {
		c.attempts = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = time.Second
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = 30 * time.Second
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	loginRate := cfg.LoginRate
	if loginRate <= 0 {
		loginRate = 1
	}
	c.logins = rate.NewLimiter(rate.Limit(loginRate), 1)
	return c
}

// Fetch logs in with cred and downloads the statement of card for r.
// Transient failures are retried with jittered exponential backoff (see
// retryDelays); AuthFailed
// and RangeUnavailable are returned on first occurrence.
func (c *Client) Fetch(ctx context.Context, cred domain.Credential, card domain.Card, r domain.DateRange) ([]domain.RawDocument, error) {
	log := logger.FromContext(ctx)
	delays := newRetryDelays(c.baseDelay, c.maxDelay)

	for attempt := 1; ; attempt++ {
		docs, err := c.fetchOnce(ctx, cred, card, r)
		if err == nil {
			return docs, nil
		}

		fe, ok := err.(*FetchError)
		if !ok {
			fe = &FetchError{Kind: TransientNetworkError, Op: "fetch", Err: err}
		}
		if !fe.Retryable() || attempt >= c.attempts {
			return nil, fe
		}

		delay := delays.next()
		log.Warn().
			Err(fe).
			Int("attempt", attempt).
			Int("max_attempts", c.attempts).
			Dur("backoff", delay).
			Msg("Statement fetch failed, retrying")
		if err := gax.Sleep(ctx, delay); err != nil {
			return nil, &FetchError{Kind: TransientNetworkError, Op: "backoff", Err: err}
		}
	}
}

// retryDelays yields delays in (d/2, d], where d starts at base and doubles
// per call up to ceiling. The lower half is fixed and the upper half is the
// jitter from gax.Backoff.
type retryDelays struct {
	floor   time.Duration
	ceiling time.Duration
	jitter  gax.Backoff
}

func newRetryDelays(base, ceiling time.Duration) *retryDelays {
	half := max(base/2, time.Nanosecond)
	ceilHalf := max(ceiling/2, half)
	return &retryDelays{
		floor:   half,
		ceiling: ceilHalf,
		jitter:  gax.Backoff{Initial: half, Max: ceilHalf, Multiplier: 2},
	}
}

func (r *retryDelays) next() time.Duration {
	d := r.floor + r.jitter.Pause()
	r.floor = min(r.floor*2, r.ceiling)
	return d
}

func (c *Client) fetchOnce(ctx context.Context, cred domain.Credential, card domain.Card, r domain.DateRange) ([]domain.RawDocument, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, &FetchError{Kind: TransientNetworkError, Op: "session", Err: err}
	}
	hc := &http.Client{Jar: jar, Transport: c.transport, Timeout: c.timeout}

	if err := c.logins.Wait(ctx); err != nil {
		return nil, &FetchError{Kind: TransientNetworkError, Op: "login", Err: err}
	}
	if err := c.login(ctx, hc, cred); err != nil {
		return nil, err
	}

	account, err := c.getPage(ctx, hc, "account", accountPath)
	if err != nil {
		return nil, err
	}
	if account.PasswordField {
		return nil, newFetchError(AuthFailed, "account", "session was redirected to the login form")
	}

	nickname := card.Nickname
	found := false
	for _, ac := range account.Cards {
		if ac.Serial == card.Serial {
			found = true
			if ac.Nickname != "" {
				nickname = ac.Nickname
			}
			break
		}
	}
	if !found {
		return nil, newFetchError(RangeUnavailable, "account", "card %s is not listed on the account", card.Serial)
	}

	data, contentType, err := c.downloadStatement(ctx, hc, account.CSRF, card.Serial, nickname, r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		log := logger.FromContext(ctx)
		log.Info().Str("range", r.String()).Msg("Portal returned an empty statement")
		return nil, nil
	}

	return []domain.RawDocument{{
		CardSerial:  card.Serial,
		Nickname:    nickname,
		ContentType: contentType,
		Data:        data,
	}}, nil
}

func (c *Client) login(ctx context.Context, hc *http.Client, cred domain.Credential) error {
	loginPage, err := c.getPage(ctx, hc, "login", loginPath)
	if err != nil {
		return err
	}
	if loginPage.CSRF == "" {
		return newFetchError(TransientNetworkError, "login", "CSRF token not found on login page")
	}

	form := url.Values{
		"_csrf":    {loginPage.CSRF},
		"email":    {cred.Username},
		"password": {cred.Password},
	}
	resp, err := c.postForm(ctx, hc, sessionPath, form, loginPath, "")
	if err != nil {
		return &FetchError{Kind: TransientNetworkError, Op: "login", Err: err}
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusFound:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return newFetchError(TransientNetworkError, "login", "status %d", resp.StatusCode)
	default:
		return newFetchError(AuthFailed, "login", "status %d", resp.StatusCode)
	}
}

func (c *Client) getPage(ctx context.Context, hc *http.Client, op, path string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &FetchError{Kind: TransientNetworkError, Op: op, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: TransientNetworkError, Op: op, Err: err}
	}
	defer drain(resp)

	if err := classifyStatus(op, resp.StatusCode); err != nil {
		return nil, err
	}

	p, err := parsePage(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, &FetchError{Kind: TransientNetworkError, Op: op, Err: fmt.Errorf("parsing html: %w", err)}
	}
	return p, nil
}

func (c *Client) downloadStatement(ctx context.Context, hc *http.Client, csrf, serial, nickname string, r domain.DateRange) ([]byte, string, error) {
	start := r.Start.In(time.UTC).Format(portalDateLayout)
	end := r.End.In(time.UTC).Format(portalDateLayout)
	form := url.Values{
		"_csrf":          {csrf},
		"cardNumber":     {serial},
		"cardNickName":   {nickname},
		"rhStartDate":    {start},
		"startDateValue": {start},
		"startDate":      {start},
		"rhEndDate":      {end},
		"endDateValue":   {end},
		"endDate":        {end},
	}

	resp, err := c.postForm(ctx, hc, statementPath, form, accountPath, "application/pdf")
	if err != nil {
		return nil, "", &FetchError{Kind: TransientNetworkError, Op: "statement", Err: err}
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return nil, "", newFetchError(RangeUnavailable, "statement", "status %d for %s", resp.StatusCode, r)
	default:
		if err := classifyStatus("statement", resp.StatusCode); err != nil {
			return nil, "", err
		}
		return nil, "", newFetchError(RangeUnavailable, "statement", "status %d for %s", resp.StatusCode, r)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxStatementBytes))
	if err != nil {
		return nil, "", &FetchError{Kind: TransientNetworkError, Op: "statement", Err: err}
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && !bytes.HasPrefix(trimmed, []byte("%PDF")) {
		return nil, "", newFetchError(RangeUnavailable, "statement",
			"response is not a PDF (content type %q)", resp.Header.Get("Content-Type"))
	}
	return data, "application/pdf", nil
}

func (c *Client) postForm(ctx context.Context, hc *http.Client, path string, form url.Values, referer, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.baseURL+referer)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return hc.Do(req)
}

func classifyStatus(op string, status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return newFetchError(AuthFailed, op, "status %d", status)
	case status == http.StatusTooManyRequests, status >= 500:
		return newFetchError(TransientNetworkError, op, "status %d", status)
	default:
		return newFetchError(TransientNetworkError, op, "unexpected status %d", status)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageBytes))
	resp.Body.Close()
}
