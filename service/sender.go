package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quanteckio/omni-email/models"
)

const smtpCommandTimeout = 30 * time.Second

// SenderService assembles transient SMTP clients from decrypted credentials
// to verify connectivity or submit outbound mail. No connection outlives a
// single operation.
//
// The From address on outbound mail is always secret.smtp.username, not
// primaryEmail. Submission servers commonly reject mismatched senders, and
// the two fields are allowed to differ.
type SenderService struct {
	logger zerolog.Logger
}

// NewSenderService creates a new SenderService.
func NewSenderService(logger zerolog.Logger) *SenderService {
	return &SenderService{logger: logger}
}

// dial connects to the SMTP server in the mode the settings demand. STARTTLS
// is a mandatory upgrade; a server that does not offer it fails the dial.
func (s *SenderService) dial(settings models.ServerSettings) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	tlsConfig := &tls.Config{ServerName: settings.Host}

	var client *smtp.Client
	var err error
	switch settings.Connection {
	case models.ConnectionTLS:
		client, err = smtp.DialTLS(addr, tlsConfig)
		if err != nil {
			return nil, upstream("connect with TLS", err)
		}
	case models.ConnectionStartTLS:
		client, err = smtp.DialStartTLS(addr, tlsConfig)
		if err != nil {
			return nil, upstream("connect with STARTTLS", err)
		}
	default:
		return nil, fmt.Errorf("unsupported connection mode %q", settings.Connection)
	}

	client.CommandTimeout = smtpCommandTimeout
	return client, nil
}

// auth runs SASL PLAIN authentication.
func (s *SenderService) auth(client *smtp.Client, settings models.ServerSettings) error {
	if err := client.Auth(sasl.NewPlainClient("", settings.Username, settings.Password)); err != nil {
		if isSMTPAuthError(err) {
			return upstream("smtp authentication rejected", err)
		}
		return upstream("smtp authentication", err)
	}
	return nil
}

// Verify completes SMTP authentication and disconnects. Used by the account
// creation connectivity test and the test endpoint.
func (s *SenderService) Verify(ctx context.Context, secret models.Secret) error {
	client, err := s.dial(secret.SMTP)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := s.auth(client, secret.SMTP); err != nil {
		return err
	}
	if err := client.Quit(); err != nil {
		s.logger.Debug().Err(err).Msg("smtp quit after verify failed")
	}
	return nil
}

// Send submits one message. Recipients rejected at RCPT time are reported in
// the response; the send still succeeds as long as at least one recipient
// was accepted and the message body was taken.
func (s *SenderService) Send(ctx context.Context, secret models.Secret, req *models.SendRequest) (*models.SendResponse, error) {
	from := secret.SMTP.Username
	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), messageIDDomain(from))

	body, err := buildMessage(from, messageID, req)
	if err != nil {
		return nil, err
	}

	client, err := s.dial(secret.SMTP)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := s.auth(client, secret.SMTP); err != nil {
		return nil, err
	}

	if err := client.Mail(from, nil); err != nil {
		return nil, upstream("smtp mail from", err)
	}

	var accepted, rejected []string
	for _, rcpt := range allRecipients(req) {
		if err := client.Rcpt(rcpt, nil); err != nil {
			s.logger.Warn().Str("recipient", rcpt).Err(err).Msg("recipient rejected")
			rejected = append(rejected, rcpt)
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return nil, upstream("smtp rcpt to", fmt.Errorf("all %d recipients rejected", len(rejected)))
	}

	wc, err := client.Data()
	if err != nil {
		return nil, upstream("smtp data", err)
	}
	if _, err := wc.Write(body); err != nil {
		wc.Close()
		return nil, upstream("smtp data write", err)
	}
	if err := wc.Close(); err != nil {
		return nil, upstream("smtp data close", err)
	}
	if err := client.Quit(); err != nil {
		s.logger.Debug().Err(err).Msg("smtp quit after send failed")
	}

	s.logger.Info().
		Str("message_id", messageID).
		Int("accepted", len(accepted)).
		Int("rejected", len(rejected)).
		Msg("message submitted")

	return &models.SendResponse{
		MessageID: messageID,
		Accepted:  accepted,
		Rejected:  rejected,
	}, nil
}

func allRecipients(req *models.SendRequest) []string {
	recipients := make([]string, 0, len(req.To)+len(req.CC)+len(req.BCC))
	recipients = append(recipients, req.To...)
	recipients = append(recipients, req.CC...)
	recipients = append(recipients, req.BCC...)
	return recipients
}

func messageIDDomain(from string) string {
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		return from[at+1:]
	}
	return "localhost"
}

// buildMessage renders the RFC 5322 source: text and html as
// multipart/alternative, attachments appended as multipart/mixed parts.
// Bcc recipients appear only on the SMTP envelope, never in headers.
func buildMessage(from, messageID string, req *models.SendRequest) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetMessageID(messageID)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", toAddressList(req.To))
	if len(req.CC) > 0 {
		h.SetAddressList("Cc", toAddressList(req.CC))
	}
	if req.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: req.ReplyTo}})
	}
	h.SetSubject(req.Subject)

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create body writer: %w", err)
	}
	if req.Text != "" || req.HTML == "" {
		var th mail.InlineHeader
		th.Set("Content-Type", "text/plain; charset=utf-8")
		pw, err := iw.CreatePart(th)
		if err != nil {
			return nil, fmt.Errorf("create text part: %w", err)
		}
		io.WriteString(pw, req.Text)
		pw.Close()
	}
	if req.HTML != "" {
		var hh mail.InlineHeader
		hh.Set("Content-Type", "text/html; charset=utf-8")
		pw, err := iw.CreatePart(hh)
		if err != nil {
			return nil, fmt.Errorf("create html part: %w", err)
		}
		io.WriteString(pw, req.HTML)
		pw.Close()
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("close body writer: %w", err)
	}

	for _, att := range req.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.ContentBase64)
		if err != nil {
			return nil, fmt.Errorf("attachment %q is not valid base64: %w", att.Filename, err)
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", contentType)
		ah.SetFilename(att.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := aw.Write(content); err != nil {
			aw.Close()
			return nil, fmt.Errorf("write attachment: %w", err)
		}
		aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func toAddressList(addrs []string) []*mail.Address {
	list := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		list[i] = &mail.Address{Address: a}
	}
	return list
}
