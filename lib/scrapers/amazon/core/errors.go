package core

import (
	"errors"
	"fmt"
)

var (
	// ErrBadCredentials means the server explicitly rejected the
	// username/password pair. Retrying with the same pair risks a
	// lockout, so the flow stops here.
	ErrBadCredentials = errors.New("the provided credentials were rejected")

	// ErrCaptchaExhausted means every captcha guess within the attempt
	// budget was rejected.
	ErrCaptchaExhausted = errors.New("captcha attempt budget exhausted")

	// ErrOtpRejected means the submitted one-time code was not
	// accepted. Codes are never re-submitted: a stale code will not
	// become valid.
	ErrOtpRejected = errors.New("one-time password was rejected")

	// ErrOtpUnavailable means the flow demanded a one-time code but
	// neither a TOTP secret nor a pre-supplied code was configured.
	ErrOtpUnavailable = errors.New("an otp challenge was presented but no otp secret or code is configured")

	// ErrApprovalTimeout means the "approve on another device" prompt
	// was not acted on before the polling deadline.
	ErrApprovalTimeout = errors.New("device approval was not granted before the deadline")

	// ErrApprovalDenied means the approval prompt was explicitly
	// rejected on the other device.
	ErrApprovalDenied = errors.New("device approval was denied")

	// ErrSessionUnrecoverable means a request bounced to the sign-in
	// page and a transparent re-authentication could not restore a
	// usable session.
	ErrSessionUnrecoverable = errors.New("session expired and could not be re-established")
)

// UnknownChallengeError is returned when a login-flow response matches
// none of the known page shapes. Guessing at an unfamiliar challenge
// risks locking the account, so classification failures are terminal.
type UnknownChallengeError struct {
	// Title of the offending page, when one could be parsed.
	Title string
	// Snippet holds the beginning of the page text for diagnostics.
	Snippet string
}

func (e *UnknownChallengeError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("unrecognized login challenge: %q", e.Title)
	}
	return "unrecognized login challenge"
}
