package core

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"amzorders/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	cleanup := telemetry.SetupForTesting("scrapers/amazon/core")
	defer cleanup()
	m.Run()
}

const (
	testEmail    = "bob@email.com"
	testPassword = "hunter2"
	// base32 seed from the rfc 6238 test vectors
	testOtpSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
)

const signinFormPage = `<html><body>
<form name="signIn" action="/ap/signin" method="post">
	<input type="hidden" name="appActionToken" value="tok123"/>
	<input type="email" name="email"/>
	<input type="password" name="password"/>
</form>
</body></html>`

const authedPage = `<html><body>
<div id="nav-link-accountList"><span class="nav-line-1">Hello, Bob</span></div>
<div id="nav-orders">Returns &amp; Orders</div>
<div class="page-body">storefront</div>
</body></html>`

const badCredsPage = `<html><body>
<div id="auth-error-message-box">There was a problem. Your password is incorrect</div>
` + signinFormPage + `
</body></html>`

const captchaPageTemplate = `<html><body>
<form action="/errors/validateCaptcha" method="get">
	<input type="hidden" name="amzn" value="%s"/>
	<img src="/captcha.jpg"/>
</form>
</body></html>`

const mfaPage = `<html><body>
<form id="auth-mfa-form" action="/ap/mfa" method="post">
	<input type="hidden" name="mfaToken" value="mtok"/>
	<input name="otpCode"/>
</form>
</body></html>`

const approvalPage = `<html><body>
<div id="channelDetails">Approve the notification sent to your device.</div>
<form id="pollingForm" action="/ap/cvf/approval/poll"></form>
</body></html>`

const unknownPage = `<html><head><title>Something went wrong</title></head><body>
<div class="weird-new-interstitial">Please hold.</div>
</body></html>`

// site is a fake storefront whose login flow can be configured with
// obstacles per test.
type site struct {
	t *testing.T

	mu         sync.Mutex
	validToken string
	tokenSeq   int

	challenge string // "", "captcha", "otp", "approval"

	captchaAcceptOn    int // attempt number that succeeds; 0 = never
	captchaTries       int
	captchaSeq         int
	captchaToken       string
	otpAccept          bool
	otpSubmissions     int
	submittedOtp       string
	pollsUntilApproved int // -1 = never
	polls              int
	probes             int
	logins             int
}

func (s *site) grant(w http.ResponseWriter) {
	s.tokenSeq++
	s.validToken = fmt.Sprintf("token-%d", s.tokenSeq)
	http.SetCookie(w, &http.Cookie{Name: "session-token", Value: s.validToken, Path: "/"})
	fmt.Fprint(w, authedPage)
}

func (s *site) authorized(r *http.Request) bool {
	cookie, err := r.Cookie("session-token")
	return err == nil && s.validToken != "" && cookie.Value == s.validToken
}

// renderCaptcha serves the captcha form with a freshly rotated
// flow-state token, the way the real flow invalidates stale tokens
// between renders.
func (s *site) renderCaptcha(w http.ResponseWriter) {
	s.captchaSeq++
	s.captchaToken = fmt.Sprintf("ctok-%d", s.captchaSeq)
	fmt.Fprintf(w, captchaPageTemplate, s.captchaToken)
}

// afterCredentials renders whatever stands between a correct password
// and the session grant.
func (s *site) afterCredentials(w http.ResponseWriter) {
	switch s.challenge {
	case "captcha":
		s.renderCaptcha(w)
	case "otp":
		fmt.Fprint(w, mfaPage)
	case "approval":
		fmt.Fprint(w, approvalPage)
	default:
		s.grant(w)
	}
}

func newSite(t *testing.T) (*site, *httptest.Server) {
	s := &site{t: t, pollsUntilApproved: -1}
	mux := http.NewServeMux()

	mux.HandleFunc("/gp/sign-in.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, signinFormPage)
	})
	mux.HandleFunc("/ap/signin", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.logins++
		require.Equal(t, "tok123", r.PostFormValue("appActionToken"))
		if r.PostFormValue("email") != testEmail || r.PostFormValue("password") != testPassword {
			fmt.Fprint(w, badCredsPage)
			return
		}
		s.afterCredentials(w)
	})
	mux.HandleFunc("/captcha.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not really a jpeg"))
	})
	mux.HandleFunc("/errors/validateCaptcha", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.captchaTries++
		// a guess posted with a stale flow-state token would be
		// rejected outright by the real flow
		require.Equal(t, s.captchaToken, r.FormValue("amzn"))
		require.NotEmpty(t, r.FormValue("field-keywords"))
		if s.captchaAcceptOn != 0 && s.captchaTries >= s.captchaAcceptOn {
			s.grant(w)
			return
		}
		s.renderCaptcha(w)
	})
	mux.HandleFunc("/ap/mfa", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.otpSubmissions++
		s.submittedOtp = r.PostFormValue("otpCode")
		require.Equal(t, "mtok", r.PostFormValue("mfaToken"))
		if s.otpAccept {
			s.grant(w)
			return
		}
		fmt.Fprint(w, mfaPage)
	})
	mux.HandleFunc("/ap/cvf/approval/poll", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.polls++
		status := "TransactionPending"
		if s.pollsUntilApproved >= 0 && s.polls > s.pollsUntilApproved {
			status = "TransactionCompleted"
			s.tokenSeq++
			s.validToken = fmt.Sprintf("token-%d", s.tokenSeq)
			http.SetCookie(w, &http.Cookie{Name: "session-token", Value: s.validToken, Path: "/"})
		}
		fmt.Fprintf(w, `<html><body><input name="transactionApprovalStatus" value=%q/></body></html>`, status)
	})
	mux.HandleFunc("/gp/css/homepage.html", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.probes++
		if s.authorized(r) {
			fmt.Fprint(w, authedPage)
			return
		}
		fmt.Fprint(w, signinFormPage)
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.authorized(r) {
			fmt.Fprint(w, `<html><body><div id="nav-orders"></div><div class="order-list">orders here</div></body></html>`)
			return
		}
		fmt.Fprint(w, signinFormPage)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, unknownPage)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return s, server
}

type fixedSolver struct {
	guess string
}

func (f fixedSolver) Solve(ctx context.Context, image []byte) (string, error) {
	return f.guess, nil
}

func newTestClient(t *testing.T, server *httptest.Server, opts ClientOptions) *Client {
	opts.BaseUrl = server.URL
	if opts.Credentials == (Credentials{}) {
		opts.Credentials = Credentials{Username: testEmail, Password: testPassword}
	}
	client, err := NewClient(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func TestAuthenticateHappyPath(t *testing.T) {
	s, server := newSite(t)
	client := newTestClient(t, server, ClientOptions{})

	session, err := client.Authenticate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, SessionAuthenticated, session.State)
	require.Equal(t, "Bob", session.CustomerID)
	require.NotEmpty(t, session.Cookies)
	require.Equal(t, 1, s.logins)
}

func TestAuthenticateBadCredentials(t *testing.T) {
	_, server := newSite(t)
	client := newTestClient(t, server, ClientOptions{
		Credentials: Credentials{Username: testEmail, Password: "wrong"},
	})

	_, err := client.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrBadCredentials)
	require.Nil(t, client.Session())
}

func TestAuthenticateCaptchaSolved(t *testing.T) {
	s, server := newSite(t)
	s.challenge = "captcha"
	s.captchaAcceptOn = 2

	client := newTestClient(t, server, ClientOptions{
		Solver: fixedSolver{guess: "ANSWER"},
	})
	session, err := client.Authenticate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, SessionAuthenticated, session.State)
	require.Equal(t, 2, s.captchaTries)
	// the retry answered the re-rendered form, not the first one
	require.Equal(t, 2, s.captchaSeq)
}

func TestAuthenticateCaptchaExhausted(t *testing.T) {
	s, server := newSite(t)
	s.challenge = "captcha"

	client := newTestClient(t, server, ClientOptions{
		Solver:          fixedSolver{guess: "ANSWER"},
		CaptchaAttempts: 2,
	})
	_, err := client.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrCaptchaExhausted)
	require.Equal(t, 2, s.captchaTries)
}

func TestAuthenticateCaptchaWithoutSolver(t *testing.T) {
	s, server := newSite(t)
	s.challenge = "captcha"

	client := newTestClient(t, server, ClientOptions{})
	_, err := client.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrCaptchaExhausted)
	require.Equal(t, 0, s.captchaTries)
}

var otpCodeRegex = regexp.MustCompile(`^\d{6}$`)

func TestAuthenticateOtpFromSecret(t *testing.T) {
	s, server := newSite(t)
	s.challenge = "otp"
	s.otpAccept = true

	client := newTestClient(t, server, ClientOptions{
		Credentials: Credentials{Username: testEmail, Password: testPassword, OtpSecret: testOtpSecret},
	})
	session, err := client.Authenticate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, SessionAuthenticated, session.State)
	require.Equal(t, 1, s.otpSubmissions)
	require.True(t, otpCodeRegex.MatchString(s.submittedOtp), "submitted otp %q", s.submittedOtp)
}

func TestAuthenticateOtpRejectedOnce(t *testing.T) {
	s, server := newSite(t)
	s.challenge = "otp"
	s.otpAccept = false

	client := newTestClient(t, server, ClientOptions{
		Credentials: Credentials{Username: testEmail, Password: testPassword, OtpCode: "123456"},
	})
	_, err := client.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrOtpRejected)
	// a rejected one-time code must never be resubmitted
	require.Equal(t, 1, s.otpSubmissions)
}

func TestAuthenticateOtpUnavailable(t *testing.T) {
	s, server := newSite(t)
	s.challenge = "otp"

	client := newTestClient(t, server, ClientOptions{})
	_, err := client.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrOtpUnavailable)
	require.Equal(t, 0, s.otpSubmissions)
}

func TestAuthenticateApproval(t *testing.T) {
	s, server := newSite(t)
	s.challenge = "approval"
	s.pollsUntilApproved = 2

	client := newTestClient(t, server, ClientOptions{
		ApprovalPollInterval: 10 * time.Millisecond,
		ApprovalDeadline:     time.Second * 5,
	})
	session, err := client.Authenticate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, SessionAuthenticated, session.State)
	require.GreaterOrEqual(t, s.polls, 3)
}

func TestAuthenticateApprovalTimeout(t *testing.T) {
	s, server := newSite(t)
	s.challenge = "approval"

	client := newTestClient(t, server, ClientOptions{
		ApprovalPollInterval: 10 * time.Millisecond,
		ApprovalDeadline:     80 * time.Millisecond,
	})
	_, err := client.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrApprovalTimeout)
	require.Greater(t, s.polls, 0)
}

func TestAuthenticateApprovalDenied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gp/sign-in.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, signinFormPage)
	})
	mux.HandleFunc("/ap/signin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, approvalPage)
	})
	mux.HandleFunc("/ap/cvf/approval/poll", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><input name="transactionApprovalStatus" value="TransactionRejected"/></body></html>`)
	})
	denyServer := httptest.NewServer(mux)
	t.Cleanup(denyServer.Close)

	client := newTestClient(t, denyServer, ClientOptions{
		ApprovalPollInterval: 10 * time.Millisecond,
	})
	_, err := client.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrApprovalDenied)
}

func TestAuthenticateUnknownChallenge(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gp/sign-in.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, signinFormPage)
	})
	mux.HandleFunc("/ap/signin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, unknownPage)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := newTestClient(t, server, ClientOptions{})
	_, err := client.Authenticate(context.Background())

	var unknown *UnknownChallengeError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "Something went wrong", unknown.Title)
}

func TestSessionBlobRoundTrip(t *testing.T) {
	s, server := newSite(t)
	client := newTestClient(t, server, ClientOptions{})

	_, err := client.Authenticate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	blob, err := client.Session().Blob()
	if err != nil {
		t.Fatal(err)
	}

	restored := newTestClient(t, server, ClientOptions{})
	ok, err := restored.RestoreSession(context.Background(), blob)
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, ok)
	require.Equal(t, 1, s.probes)

	session := restored.Session()
	require.NotNil(t, session)
	require.Equal(t, SessionAuthenticated, session.State)
	require.Equal(t, "Bob", session.CustomerID)
}

func TestRestoreStaleSessionSkipsProbe(t *testing.T) {
	s, server := newSite(t)
	client := newTestClient(t, server, ClientOptions{})

	stale := &Session{AuthenticatedAt: time.Now().Add(-2 * time.Hour)}
	blob, err := stale.Blob()
	if err != nil {
		t.Fatal(err)
	}

	ok, err := client.RestoreSession(context.Background(), blob)
	if err != nil {
		t.Fatal(err)
	}
	require.False(t, ok)
	// a session past its max age is discarded outright, not probed
	require.Equal(t, 0, s.probes)
	require.Nil(t, client.Session())
}

func TestRestoreRejectedSession(t *testing.T) {
	s, server := newSite(t)
	client := newTestClient(t, server, ClientOptions{})

	// plausible-looking cookies the server never issued
	rejected := &Session{
		AuthenticatedAt: time.Now(),
		Cookies:         []*http.Cookie{{Name: "session-token", Value: "forged"}},
	}
	blob, err := rejected.Blob()
	if err != nil {
		t.Fatal(err)
	}

	ok, err := client.RestoreSession(context.Background(), blob)
	if err != nil {
		t.Fatal(err)
	}
	require.False(t, ok)
	require.Equal(t, 1, s.probes)
	require.Nil(t, client.Session())
}

const signedOutChromePage = `<html><head><title>Amazon.com</title></head><body>
<div id="nav-link-accountList"><span class="nav-line-1">Hello, sign in</span></div>
<div id="nav-orders">Returns &amp; Orders</div>
</body></html>`

func TestRestoreRejectsSignedOutChrome(t *testing.T) {
	// the storefront renders the account chrome for signed-out visitors
	// too, greeting them with "sign in"; the probe must not mistake
	// that page for a live session
	mux := http.NewServeMux()
	mux.HandleFunc("/gp/css/homepage.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, signedOutChromePage)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := newTestClient(t, server, ClientOptions{})
	stale := &Session{
		AuthenticatedAt: time.Now(),
		Cookies:         []*http.Cookie{{Name: "session-token", Value: "stale"}},
	}
	blob, err := stale.Blob()
	if err != nil {
		t.Fatal(err)
	}

	ok, err := client.RestoreSession(context.Background(), blob)
	if err != nil {
		t.Fatal(err)
	}
	require.False(t, ok)
	require.Nil(t, client.Session())
}

func TestGetPageAuthenticatesUpFront(t *testing.T) {
	s, server := newSite(t)
	client := newTestClient(t, server, ClientOptions{})

	doc, err := client.GetPage(context.Background(), "/orders")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 1, s.logins)
	require.Equal(t, 1, doc.Find(".order-list").Length())
}

func TestGetPageReauthenticatesOnBounce(t *testing.T) {
	s, server := newSite(t)
	client := newTestClient(t, server, ClientOptions{})

	_, err := client.GetPage(context.Background(), "/orders")
	if err != nil {
		t.Fatal(err)
	}

	// the server revokes the session behind our back
	s.mu.Lock()
	s.validToken = "revoked"
	s.mu.Unlock()

	doc, err := client.GetPage(context.Background(), "/orders")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 2, s.logins)
	require.Equal(t, 1, doc.Find(".order-list").Length())
}

func TestGetPageUnrecoverableSession(t *testing.T) {
	mux := http.NewServeMux()
	logins := 0
	mux.HandleFunc("/gp/sign-in.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, signinFormPage)
	})
	mux.HandleFunc("/ap/signin", func(w http.ResponseWriter, r *http.Request) {
		logins++
		fmt.Fprint(w, authedPage)
	})
	// the server claims login succeeded but keeps bouncing the page we
	// actually want
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, signinFormPage)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := newTestClient(t, server, ClientOptions{})
	_, err := client.GetPage(context.Background(), "/orders")
	require.ErrorIs(t, err, ErrSessionUnrecoverable)
	// exactly one transparent re-authentication, then give up
	require.Equal(t, 2, logins)
}

func TestSessionStateString(t *testing.T) {
	require.Equal(t, "unauthenticated", SessionUnauthenticated.String())
	require.Equal(t, "authenticated", SessionAuthenticated.String())
	require.Equal(t, "expired", SessionExpired.String())
}

func TestCredentialsRedactedInLogs(t *testing.T) {
	creds := Credentials{Username: testEmail, Password: testPassword}
	for _, attr := range creds.LogValue().Group() {
		require.NotContains(t, attr.Value.String(), testPassword)
	}
}
