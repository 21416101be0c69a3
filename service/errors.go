package service

import (
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

// UpstreamError marks a failure talking to the tenant's mail server
// (connect, TLS, auth, command round-trip). The control plane reports these
// as client-visible 400s rather than internal errors.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func upstream(op string, err error) error {
	return &UpstreamError{Op: op, Err: err}
}

// isSMTPAuthError reports whether err is a structured SMTP authentication
// rejection (535 and friends), as opposed to a transport failure.
func isSMTPAuthError(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code == 535 || smtpErr.Code == 530 || smtpErr.Code == 534
	}
	return false
}
