package core

import (
	"bytes"
	"context"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"amzorders/lib/restyutil"
	"amzorders/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	browser "github.com/EDDYCJY/fake-useragent"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("scrapers/amazon/core")

const (
	signinPath = "/gp/sign-in.html"
	probePath  = "/gp/css/homepage.html"
)

type ClientOptions struct {
	BaseUrl     string
	Credentials Credentials
	// Solver answers captcha challenges. Leaving it nil makes any
	// captcha challenge terminal.
	Solver CaptchaSolver

	// CaptchaAttempts bounds how many solver guesses are submitted
	// before giving up. Defaults to 3.
	CaptchaAttempts int
	// ApprovalPollInterval is the fixed delay between approval-status
	// polls. Defaults to 5s.
	ApprovalPollInterval time.Duration
	// ApprovalDeadline bounds the whole approval wait. Defaults to 2m.
	ApprovalDeadline time.Duration
	// SessionMaxAge is the freshness threshold past which a session is
	// re-validated or re-established before use. Defaults to 1h.
	SessionMaxAge time.Duration
	// Timeout applies per http request. Defaults to 30s.
	Timeout time.Duration
	// RetryCount is the transport-level retry budget for failed
	// requests. Defaults to 2.
	RetryCount int

	// InstrumentOutput, when set, dumps every http exchange for
	// offline debugging.
	InstrumentOutput restyutil.InstrumentOutput
}

func (o *ClientOptions) fillDefaults() {
	if o.CaptchaAttempts == 0 {
		o.CaptchaAttempts = 3
	}
	if o.ApprovalPollInterval == 0 {
		o.ApprovalPollInterval = time.Second * 5
	}
	if o.ApprovalDeadline == 0 {
		o.ApprovalDeadline = time.Minute * 2
	}
	if o.SessionMaxAge == 0 {
		o.SessionMaxAge = time.Hour
	}
	if o.Timeout == 0 {
		o.Timeout = time.Second * 30
	}
	if o.RetryCount == 0 {
		o.RetryCount = 2
	}
}

// Client owns one logical session against the storefront. The cookie
// jar is shared mutable state with exactly one writer at a time; all
// use-or-refresh access is serialized through mu.
type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client

	opts  ClientOptions
	creds Credentials

	mu      sync.Mutex
	session *Session
}

func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	opts.fillDefaults()

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", browser.Chrome())
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	client.SetTimeout(opts.Timeout)
	client.SetRetryCount(opts.RetryCount)
	client.SetRetryWaitTime(time.Millisecond * 500)

	telemetry.InstrumentResty(client, "scrapers/amazon/http")
	restyutil.InstrumentClient(client, opts.InstrumentOutput)

	c := &Client{
		BaseUrl: baseUrl,
		Http:    client,
		opts:    opts,
		creds:   opts.Credentials,
	}
	return c, nil
}

// Session returns a copy of the current session, or nil when none has
// been established.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	copied := *c.session
	return &copied
}

func (c *Client) getDoc(ctx context.Context, pageUrl string) (*goquery.Document, *resty.Response, error) {
	res, err := c.Http.R().
		SetContext(ctx).
		Get(pageUrl)
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse html from %s: %w", pageUrl, err)
	}
	return doc, res, nil
}

func (c *Client) submitForm(ctx context.Context, sub FormSubmission) (*goquery.Document, *resty.Response, error) {
	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(sub.Fields).
		Post(sub.Action)
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse html from %s: %w", sub.Action, err)
	}
	return doc, res, nil
}

func (c *Client) fetchImage(ctx context.Context, imageUrl string) ([]byte, error) {
	res, err := c.Http.R().
		SetContext(ctx).
		Get(imageUrl)
	if err != nil {
		return nil, err
	}
	return res.Body(), nil
}
