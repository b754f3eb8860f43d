package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/codes"
)

// isSigninPage detects the "please sign in again" bounce that shows up
// mid-pipeline when the server stops honoring the session cookies.
func isSigninPage(finalPath string, doc *goquery.Document) bool {
	if strings.Contains(finalPath, "/ap/signin") || strings.Contains(finalPath, "/gp/sign-in") {
		return true
	}
	form := doc.Find("form[name=signIn]")
	return form.Length() > 0 && form.Find("input[type=password]").Length() > 0
}

// GetPage fetches a page with session awareness: a stale session is
// refreshed up front, and a sign-in bounce triggers one transparent
// re-authentication. Callers only ever see a document or a terminal
// error; mid-fetch re-authentication is invisible except as latency.
func (c *Client) GetPage(ctx context.Context, pageUrl string) (*goquery.Document, error) {
	return c.fetchPage(ctx, pageUrl, nil)
}

// PostPage is GetPage for form-driven pagination endpoints.
func (c *Client) PostPage(ctx context.Context, pageUrl string, fields map[string]string) (*goquery.Document, error) {
	return c.fetchPage(ctx, pageUrl, fields)
}

func (c *Client) fetchPage(ctx context.Context, pageUrl string, formData map[string]string) (*goquery.Document, error) {
	ctx, span := tracer.Start(ctx, "client:fetchPage")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.State != SessionAuthenticated ||
		!c.session.Fresh(c.opts.SessionMaxAge, time.Now()) {
		if c.session != nil {
			c.session.State = SessionExpired
		}
		_, err := c.authenticate(ctx)
		if err != nil {
			span.SetStatus(codes.Error, "up-front authentication failed")
			return nil, err
		}
	}

	doc, res, err := c.request(ctx, pageUrl, formData)
	if err != nil {
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}

	if !isSigninPage(res.RawResponse.Request.URL.Path, doc) {
		return doc, nil
	}

	// the session died under us; re-authenticate at most once per
	// fetch so a misbehaving server cannot loop us forever
	span.AddEvent("session expired mid-fetch")
	c.session.State = SessionExpired
	_, err = c.authenticate(ctx)
	if err != nil {
		span.SetStatus(codes.Error, ErrSessionUnrecoverable.Error())
		return nil, fmt.Errorf("%w: re-authentication failed: %v", ErrSessionUnrecoverable, err)
	}

	doc, res, err = c.request(ctx, pageUrl, formData)
	if err != nil {
		span.SetStatus(codes.Error, "request failed after re-authentication")
		return nil, err
	}
	if isSigninPage(res.RawResponse.Request.URL.Path, doc) {
		span.SetStatus(codes.Error, ErrSessionUnrecoverable.Error())
		return nil, fmt.Errorf("%w: still redirected to sign-in after re-authentication", ErrSessionUnrecoverable)
	}
	return doc, nil
}

func (c *Client) request(ctx context.Context, pageUrl string, formData map[string]string) (*goquery.Document, *resty.Response, error) {
	if formData == nil {
		return c.getDoc(ctx, pageUrl)
	}
	return c.submitForm(ctx, FormSubmission{Action: pageUrl, Fields: formData})
}
