package mail

import (
	"strings"
	"time"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "google"
	ProviderMicrosoft ProviderName = "microsoft"
)

// Valid reports whether p is a supported provider
func (p ProviderName) Valid() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// Account is a mailbox registered for synchronization
type Account struct {
	ID        string       `json:"id"`
	OwnerID   string       `json:"owner_id"`
	Provider  ProviderName `json:"provider"`
	Email     string       `json:"email"`
	CreatedAt time.Time    `json:"created_at"`
}

// Header is one raw message header
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PartKind discriminates MessagePart variants
type PartKind int

const (
	PartOther PartKind = iota
	PartText
	PartHTML
	PartMultipart
	PartAttachment
)

func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartHTML:
		return "html"
	case PartMultipart:
		return "multipart"
	case PartAttachment:
		return "attachment"
	default:
		return "other"
	}
}

// MessagePart is one node of a provider message's MIME tree.
// Data holds inline base64url content and may arrive without padding
type MessagePart struct {
	PartID       string
	MimeType     string
	Filename     string
	Headers      []Header
	Data         string
	AttachmentID string
	Size         int64
	Parts        []MessagePart
}

// Kind classifies the part. A declared filename always makes it an attachment
func (p *MessagePart) Kind() PartKind {
	if p.Filename != "" {
		return PartAttachment
	}
	mt := strings.ToLower(strings.TrimSpace(p.MimeType))
	switch {
	case mt == "text/plain":
		return PartText
	case mt == "text/html":
		return PartHTML
	case strings.HasPrefix(mt, "multipart/"):
		return PartMultipart
	default:
		return PartOther
	}
}

// RawMessage is the provider payload for one message. It is never persisted
type RawMessage struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Headers      []Header
	Payload      MessagePart
	InternalDate time.Time
	SizeEstimate int64
}

// AttachmentDescriptor references attachment bytes that are fetched on demand
type AttachmentDescriptor struct {
	PartID       string `json:"part_id,omitempty"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachment_id"`
}

// DecodedEmail is the normalized form of a provider message
type DecodedEmail struct {
	AccountID         string                 `json:"account_id"`
	ProviderMessageID string                 `json:"provider_message_id"`
	ThreadID          string                 `json:"thread_id"`
	Subject           string                 `json:"subject"`
	From              string                 `json:"from"`
	To                string                 `json:"to"`
	Body              string                 `json:"body"`
	HTMLBody          string                 `json:"html_body"`
	Attachments       []AttachmentDescriptor `json:"attachments"`
	Labels            []string               `json:"labels"`
	ReceivedAt        time.Time              `json:"received_at"`
	Size              int64                  `json:"size"`
	Headers           map[string]string      `json:"headers"`
}

// Attachment returns the descriptor with the given attachment id
func (e *DecodedEmail) Attachment(attachmentID string) (AttachmentDescriptor, bool) {
	for _, a := range e.Attachments {
		if a.AttachmentID == attachmentID {
			return a, true
		}
	}
	return AttachmentDescriptor{}, false
}

// StoredEmail is a persisted DecodedEmail
type StoredEmail struct {
	ID int64 `json:"id"`
	DecodedEmail
	CreatedAt time.Time `json:"created_at"`
	LastSync  time.Time `json:"last_sync"`
}

// ApplyLabelDiff returns current plus add minus remove. Existing order is kept and
// new labels follow in the order given
func ApplyLabelDiff(current, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, l := range remove {
		drop[l] = true
	}

	seen := make(map[string]bool, len(current)+len(add))
	out := make([]string, 0, len(current)+len(add))
	for _, set := range [][]string{current, add} {
		for _, l := range set {
			if l == "" || drop[l] || seen[l] {
				continue
			}
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}
