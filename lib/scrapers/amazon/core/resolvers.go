package core

import (
	"context"
	"time"

	"amzorders/lib/totp"
)

// CaptchaSolver turns a challenge image into a best-guess text answer.
// Implementations may be wrong; the authenticator's retry budget
// absorbs that uncertainty, not the solver.
type CaptchaSolver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// FormSubmission is the answer to a challenge: a form action plus the
// fields to post, hidden flow-state tokens included.
type FormSubmission struct {
	Action string
	Fields map[string]string
}

func resolveCaptcha(ctx context.Context, solver CaptchaSolver, image []byte, action, field string, hidden map[string]string) (FormSubmission, error) {
	guess, err := solver.Solve(ctx, image)
	if err != nil {
		return FormSubmission{}, err
	}

	fields := map[string]string{}
	for k, v := range hidden {
		fields[k] = v
	}
	fields[field] = guess
	return FormSubmission{Action: action, Fields: fields}, nil
}

func resolveCaptchaRetryLogin(ctx context.Context, solver CaptchaSolver, image []byte, ch CaptchaRetryLoginChallenge, creds Credentials) (FormSubmission, error) {
	sub, err := resolveCaptcha(ctx, solver, image, ch.Action, ch.Field, ch.Hidden)
	if err != nil {
		return FormSubmission{}, err
	}
	sub.Fields["email"] = creds.Username
	sub.Fields["password"] = creds.Password
	return sub, nil
}

func resolveOtp(ch OtpChallenge, creds Credentials, now time.Time) (FormSubmission, error) {
	var code string
	switch {
	case creds.OtpSecret != "":
		derived, err := totp.GenerateCode(creds.OtpSecret, now)
		if err != nil {
			return FormSubmission{}, err
		}
		code = derived
	case creds.OtpCode != "":
		code = creds.OtpCode
	default:
		return FormSubmission{}, ErrOtpUnavailable
	}

	fields := map[string]string{}
	for k, v := range ch.Hidden {
		fields[k] = v
	}
	fields[ch.Field] = code
	return FormSubmission{Action: ch.Action, Fields: fields}, nil
}
