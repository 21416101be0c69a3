package service

import (
	"context"

	"github.com/quanteckio/omni-email/models"
)

// MailTester checks both halves of a Secret: SMTP authentication and an
// IMAP login against the inbox server.
type MailTester struct {
	sender  *SenderService
	mailbox *MailboxService
}

// NewMailTester creates the composite tester used by account creation and
// the test endpoint.
func NewMailTester(sender *SenderService, mailbox *MailboxService) *MailTester {
	return &MailTester{sender: sender, mailbox: mailbox}
}

func (t *MailTester) Test(ctx context.Context, secret models.Secret) error {
	if err := t.mailbox.VerifyIMAP(ctx, secret); err != nil {
		return err
	}
	return t.sender.Verify(ctx, secret)
}
