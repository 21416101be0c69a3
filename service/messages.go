package service

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"github.com/quanteckio/omni-email/imapconn"
	"github.com/quanteckio/omni-email/models"
)

const (
	listFetchTimeout   = 45 * time.Second
	singleFetchTimeout = 30 * time.Second

	// listSearchWindow is how many UIDs per requested message the fallback
	// range scans when no since date is given.
	listSearchWindow = 5

	maxMessageSize = 25 * 1024 * 1024
)

// ErrMessageNotFound is returned when a UID does not exist in the inbox.
var ErrMessageNotFound = errors.New("message not found")

// MailboxService performs short-lived IMAP reads against an account's inbox.
// Every operation opens its own connection and closes it before returning,
// whatever the outcome.
type MailboxService struct {
	logger zerolog.Logger
}

// NewMailboxService creates a new MailboxService.
func NewMailboxService(logger zerolog.Logger) *MailboxService {
	return &MailboxService{logger: logger}
}

// VerifyIMAP authenticates against the IMAP server and disconnects.
func (s *MailboxService) VerifyIMAP(ctx context.Context, secret models.Secret) error {
	client, err := imapconn.Dial(secret.IMAP, nil, 0)
	if err != nil {
		return upstream("imap connect", err)
	}
	closeQuietly(client, s.logger)
	return nil
}

// ListRecent returns envelope metadata for the newest messages in the inbox,
// either everything SINCE a date or a UID window scaled to the limit.
func (s *MailboxService) ListRecent(ctx context.Context, secret models.Secret, limit int, since *time.Time) ([]models.MsgMeta, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	client, err := imapconn.Dial(secret.IMAP, nil, listFetchTimeout)
	if err != nil {
		return nil, upstream("imap connect", err)
	}
	defer closeQuietly(client, s.logger)

	selectData, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		return nil, upstream("select inbox", err)
	}
	uidNext := uint32(selectData.UIDNext)

	var uidSet imap.UIDSet
	if since != nil {
		searchData, err := client.UIDSearch(&imap.SearchCriteria{Since: *since}, nil).Wait()
		if err != nil {
			return nil, upstream("search inbox", err)
		}
		uids := searchData.AllUIDs()
		if len(uids) == 0 {
			return []models.MsgMeta{}, nil
		}
		if len(uids) > limit {
			uids = uids[len(uids)-limit:]
		}
		for _, uid := range uids {
			uidSet.AddNum(uid)
		}
	} else {
		if uidNext <= 1 {
			return []models.MsgMeta{}, nil
		}
		hi := uidNext - 1
		lo := uint32(1)
		if window := uint32(limit * listSearchWindow); hi > window {
			lo = hi - window
		}
		uidSet.AddRange(imap.UID(lo), imap.UID(hi))
	}

	metas, err := fetchEnvelopes(client, uidSet)
	if err != nil {
		return nil, upstream("fetch envelopes", err)
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].UID < metas[j].UID })
	if len(metas) > limit {
		metas = metas[len(metas)-limit:]
	}
	return metas, nil
}

// FetchOne returns one message with parsed body content and, when requested,
// its raw RFC822 source.
func (s *MailboxService) FetchOne(ctx context.Context, secret models.Secret, uid uint32, includeRaw bool) (*models.MessageDetail, error) {
	client, err := imapconn.Dial(secret.IMAP, nil, singleFetchTimeout)
	if err != nil {
		return nil, upstream("imap connect", err)
	}
	defer closeQuietly(client, s.logger)

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, upstream("select inbox", err)
	}

	var uidSet imap.UIDSet
	uidSet.AddNum(imap.UID(uid))

	fetchOptions := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		Flags:        true,
		InternalDate: true,
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierNone, Peek: true},
		},
	}

	fetchCmd := client.Fetch(uidSet, fetchOptions)
	msg := fetchCmd.Next()
	if msg == nil {
		fetchCmd.Close()
		return nil, ErrMessageNotFound
	}

	var meta models.MsgMeta
	var raw []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			meta.UID = uint32(data.UID)
		case imapclient.FetchItemDataEnvelope:
			applyEnvelope(&meta, data.Envelope)
		case imapclient.FetchItemDataFlags:
			meta.Flags = flagStrings(data.Flags)
		case imapclient.FetchItemDataInternalDate:
			if meta.Date.IsZero() {
				meta.Date = data.Time
			}
		case imapclient.FetchItemDataBodySection:
			if data.Literal != nil {
				raw, err = io.ReadAll(io.LimitReader(data.Literal, maxMessageSize))
				if err != nil {
					fetchCmd.Close()
					return nil, upstream("read message body", err)
				}
			}
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, upstream("fetch message", err)
	}
	if meta.UID == 0 && len(raw) == 0 {
		return nil, ErrMessageNotFound
	}
	if meta.UID == 0 {
		meta.UID = uid
	}

	detail := &models.MessageDetail{
		MsgMeta: meta,
		Parsed:  parseMessage(raw, s.logger),
	}
	if includeRaw {
		detail.RFC822 = string(raw)
	}
	return detail, nil
}

// fetchEnvelopes streams envelope metadata for a UID set. Streaming Next()
// loops keep a hung connection from blocking a Collect() forever.
func fetchEnvelopes(client *imapclient.Client, uidSet imap.UIDSet) ([]models.MsgMeta, error) {
	fetchOptions := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		Flags:        true,
		InternalDate: true,
	}

	fetchCmd := client.Fetch(uidSet, fetchOptions)
	var metas []models.MsgMeta
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var meta models.MsgMeta
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				meta.UID = uint32(data.UID)
			case imapclient.FetchItemDataEnvelope:
				applyEnvelope(&meta, data.Envelope)
			case imapclient.FetchItemDataFlags:
				meta.Flags = flagStrings(data.Flags)
			case imapclient.FetchItemDataInternalDate:
				if meta.Date.IsZero() {
					meta.Date = data.Time
				}
			}
		}
		if meta.UID == 0 {
			continue
		}
		metas = append(metas, meta)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, err
	}
	return metas, nil
}

func applyEnvelope(meta *models.MsgMeta, envelope *imap.Envelope) {
	if envelope == nil {
		return
	}
	meta.Subject = envelope.Subject
	if !envelope.Date.IsZero() {
		meta.Date = envelope.Date.UTC()
	}
	meta.From = addressStrings(envelope.From)
	meta.To = addressStrings(envelope.To)
}

func addressStrings(addrs []imap.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Addr())
	}
	return out
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}

// parseMessage decodes a raw RFC822 body into text, html, and attachment
// metadata. Parse failures degrade to an empty parsed view; the raw source
// is still available to the caller.
func parseMessage(raw []byte, logger zerolog.Logger) models.ParsedMessage {
	var parsed models.ParsedMessage
	if len(raw) == 0 {
		return parsed
	}

	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		logger.Debug().Err(err).Msg("failed to open message for parsing")
		return parsed
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Debug().Err(err).Msg("failed to read message part")
			break
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := header.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.EqualFold(ct, "text/plain") && parsed.Text == "":
				parsed.Text = string(body)
			case strings.EqualFold(ct, "text/html") && parsed.HTML == "":
				parsed.HTML = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			ct, _, _ := header.ContentType()
			size, _ := io.Copy(io.Discard, part.Body)
			parsed.Attachments = append(parsed.Attachments, models.AttachmentMeta{
				Filename:    filename,
				ContentType: ct,
				Size:        int(size),
			})
		}
	}
	return parsed
}

// closeQuietly logs out and closes; transient teardown errors are not worth
// surfacing past a completed operation.
func closeQuietly(client *imapclient.Client, logger zerolog.Logger) {
	if err := client.Logout().Wait(); err != nil {
		logger.Debug().Err(err).Msg("imap logout failed, closing anyway")
	}
	client.Close()
}
