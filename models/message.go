package models

import "time"

// MsgMeta is the envelope-level view of one inbox message.
type MsgMeta struct {
	UID     uint32    `json:"uid"`
	Subject string    `json:"subject"`
	From    []string  `json:"from"`
	To      []string  `json:"to"`
	Date    time.Time `json:"date"`
	Flags   []string  `json:"flags"`
}

// AttachmentMeta describes one attachment discovered during MIME parsing.
// Content is not included; only shape and size.
type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// ParsedMessage is the decoded view of a fetched message body.
type ParsedMessage struct {
	Text        string           `json:"text,omitempty"`
	HTML        string           `json:"html,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
}

// MessageDetail is the response of GET /mailbox/accounts/{id}/messages/{uid}.
type MessageDetail struct {
	MsgMeta
	Parsed ParsedMessage `json:"parsed"`
	RFC822 string        `json:"rfc822,omitempty"` // raw source, when includeRaw
}
