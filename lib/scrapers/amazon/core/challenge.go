package core

import (
	"strings"

	"amzorders/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// Challenge is an authentication obstacle the server inserted between
// credential submission and session grant, parsed out of a login-flow
// response. Challenges are ephemeral; they only exist within one
// authentication attempt.
type Challenge interface {
	isChallenge()
}

// CaptchaChallenge asks for the text in a distorted image.
type CaptchaChallenge struct {
	ImageURL string
	Action   string
	Field    string
	Hidden   map[string]string
}

// CaptchaRetryLoginChallenge is a captcha bolted onto the sign-in form
// itself: credentials must be re-submitted together with the guess.
type CaptchaRetryLoginChallenge struct {
	ImageURL string
	Action   string
	Field    string
	Hidden   map[string]string
}

// OtpChallenge asks for a one-time password.
type OtpChallenge struct {
	Action string
	Field  string
	Hidden map[string]string
}

// ApprovalChallenge asks the user to approve the sign-in on another
// device; the flow polls PollURL until the prompt resolves.
type ApprovalChallenge struct {
	PollURL string
}

func (CaptchaChallenge) isChallenge()           {}
func (CaptchaRetryLoginChallenge) isChallenge() {}
func (OtpChallenge) isChallenge()               {}
func (ApprovalChallenge) isChallenge()          {}

type loginState int

const (
	stateUnknown loginState = iota
	stateAuthenticated
	stateBadCredentials
	stateSigninForm
	stateChallenge
)

type loginOutcome struct {
	state      loginState
	challenge  Challenge
	customerID string
	// errorText carries the server's own wording for terminal
	// failures, for diagnostics.
	errorText string
}

// classifyLoginResponse decides what kind of page a login-flow response
// is by inspecting its structure. The server returns 200 for success
// and for every obstacle alike, so the status code is useless here.
// Predicates run in priority order; a page matching none of them is an
// unknown challenge, never a default branch.
func classifyLoginResponse(doc *goquery.Document) loginOutcome {
	// explicit credential rejection box
	if alert := doc.Find("#auth-error-message-box"); alert.Length() > 0 {
		text := strings.ToLower(htmlutil.Text(alert))
		if strings.Contains(text, "password") || strings.Contains(text, "email") ||
			strings.Contains(text, "cannot find an account") {
			return loginOutcome{state: stateBadCredentials, errorText: htmlutil.Text(alert)}
		}
	}

	// captcha rendered inside the sign-in form: credentials have to be
	// posted again alongside the guess
	if form := doc.Find("form[name=signIn]"); form.Length() > 0 {
		if img := form.Find("img#auth-captcha-image"); img.Length() > 0 {
			return loginOutcome{state: stateChallenge, challenge: CaptchaRetryLoginChallenge{
				ImageURL: img.AttrOr("src", ""),
				Action:   form.AttrOr("action", ""),
				Field:    "guess",
				Hidden:   htmlutil.HiddenInputs(form),
			}}
		}
		if form.Find("input[type=password]").Length() > 0 {
			return loginOutcome{state: stateSigninForm}
		}
	}

	// standalone captcha interstitial
	if form := doc.Find("form[action*='validateCaptcha']"); form.Length() > 0 {
		img := form.Find("img")
		if img.Length() == 0 {
			img = doc.Find("img[src*='captcha']")
		}
		return loginOutcome{state: stateChallenge, challenge: CaptchaChallenge{
			ImageURL: img.AttrOr("src", ""),
			Action:   form.AttrOr("action", ""),
			Field:    "field-keywords",
			Hidden:   htmlutil.HiddenInputs(form),
		}}
	}

	// one-time password prompt
	if form := doc.Find("form#auth-mfa-form"); form.Length() > 0 {
		return loginOutcome{state: stateChallenge, challenge: OtpChallenge{
			Action: form.AttrOr("action", ""),
			Field:  "otpCode",
			Hidden: htmlutil.HiddenInputs(form),
		}}
	}

	// "approve the notification on your device" interstitial
	if details := doc.Find("#channelDetails"); details.Length() > 0 {
		poll := doc.Find("form#pollingForm").AttrOr("action", "")
		return loginOutcome{state: stateChallenge, challenge: ApprovalChallenge{
			PollURL: poll,
		}}
	}

	// success markers. the account chrome renders for signed-out
	// visitors too, with a "Hello, sign in" greeting, so the greeting
	// has to name an actual customer before the page counts as
	// authenticated.
	if account := doc.Find("#nav-link-accountList"); account.Length() > 0 {
		greeting := htmlutil.Text(account.Find(".nav-line-1"))
		greeting = strings.TrimSpace(strings.TrimPrefix(greeting, "Hello,"))
		if greeting != "" && !strings.EqualFold(greeting, "sign in") {
			return loginOutcome{state: stateAuthenticated, customerID: greeting}
		}
		return loginOutcome{state: stateUnknown, errorText: htmlutil.Text(doc.Find("title"))}
	}
	if doc.Find("#nav-orders").Length() > 0 {
		return loginOutcome{state: stateAuthenticated}
	}

	title := htmlutil.Text(doc.Find("title"))
	return loginOutcome{state: stateUnknown, errorText: title}
}

type approvalStatus int

const (
	approvalPending approvalStatus = iota
	approvalApproved
	approvalDenied
)

// classifyApprovalPoll reads the status marker out of an approval
// polling response.
func classifyApprovalPoll(doc *goquery.Document) approvalStatus {
	status := doc.Find("input[name=transactionApprovalStatus]").AttrOr("value", "")
	switch status {
	case "TransactionCompleted":
		return approvalApproved
	case "TransactionRejected":
		return approvalDenied
	default:
		return approvalPending
	}
}

func pageSnippet(doc *goquery.Document) string {
	text := htmlutil.Text(doc.Find("body"))
	if len(text) > 240 {
		text = text[:240]
	}
	return text
}
