package gmail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/FeiNiaoBF/MailMind/internal/mail"
	"github.com/FeiNiaoBF/MailMind/internal/providers"
	"github.com/FeiNiaoBF/MailMind/internal/sync"
)

const defaultPageSize = 100

// Options configures a Gmail adapter
type Options struct {
	PageSize int64
	Policy   providers.Options
}

// Adapter implements sync.ProviderClient for one Gmail mailbox
type Adapter struct {
	svc      *gmail.Service
	user     string
	pageSize int64
	policy   *providers.Policy
}

// New creates a new Gmail adapter authorized with tok
func New(ctx context.Context, tok *oauth2.Token, opts Options) (*Adapter, error) {
	config := &oauth2.Config{
		Scopes: []string{gmail.GmailModifyScope},
	}

	httpClient := config.Client(ctx, tok)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return NewWithService(svc, opts), nil
}

// NewWithService wraps an existing Gmail service
func NewWithService(svc *gmail.Service, opts Options) *Adapter {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Policy.Name == "" {
		opts.Policy.Name = "gmail-api"
	}
	return &Adapter{
		svc:      svc,
		user:     "me",
		pageSize: opts.PageSize,
		policy:   providers.NewPolicy(opts.Policy, classify),
	}
}

// ListMessageIDs lists one page of message ids, newest first. A non-zero since
// restricts the listing to messages received after it
func (a *Adapter) ListMessageIDs(ctx context.Context, since time.Time, pageToken string) (sync.Page, error) {
	call := a.svc.Users.Messages.List(a.user).IncludeSpamTrash(false).MaxResults(a.pageSize)
	if !since.IsZero() {
		call = call.Q(fmt.Sprintf("after:%d", since.Unix()))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	var resp *gmail.ListMessagesResponse
	err := a.policy.Do(ctx, "gmail list messages", func(ctx context.Context) error {
		var err error
		resp, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		return sync.Page{}, err
	}

	page := sync.Page{
		IDs:           make([]string, 0, len(resp.Messages)),
		NextPageToken: resp.NextPageToken,
	}
	for _, m := range resp.Messages {
		if m != nil && m.Id != "" {
			page.IDs = append(page.IDs, m.Id)
		}
	}
	return page, nil
}

// FetchMessage fetches the full MIME tree of one message
func (a *Adapter) FetchMessage(ctx context.Context, id string) (*mail.RawMessage, error) {
	var msg *gmail.Message
	err := a.policy.Do(ctx, "gmail get message "+id, func(ctx context.Context) error {
		var err error
		msg, err = a.svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertMessage(msg), nil
}

// ModifyLabels adds and removes label ids on a message
func (a *Adapter) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	return a.policy.Do(ctx, "gmail modify labels "+id, func(ctx context.Context) error {
		_, err := a.svc.Users.Messages.Modify(a.user, id, req).Context(ctx).Do()
		return err
	})
}

// FetchAttachment downloads and decodes one attachment body
func (a *Adapter) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var body *gmail.MessagePartBody
	err := a.policy.Do(ctx, "gmail get attachment "+attachmentID, func(ctx context.Context) error {
		var err error
		body, err = a.svc.Users.Messages.Attachments.Get(a.user, messageID, attachmentID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	data, err := mail.DecodeBase64URL(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

// classify maps googleapi errors onto mail kinds
func classify(err error) mail.Kind {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return mail.KindUnknown
	}
	return providers.ClassifyStatus(gerr.Code, isRateLimited(gerr))
}

func isRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

// convertMessage converts a Gmail message to the provider-neutral form
func convertMessage(m *gmail.Message) *mail.RawMessage {
	raw := &mail.RawMessage{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		LabelIDs:     m.LabelIds,
		SizeEstimate: m.SizeEstimate,
	}
	if m.InternalDate > 0 {
		raw.InternalDate = time.UnixMilli(m.InternalDate)
	}
	if m.Payload != nil {
		raw.Payload = convertPart(m.Payload, 0)
		raw.Headers = raw.Payload.Headers
	}
	return raw
}

func convertPart(p *gmail.MessagePart, depth int) mail.MessagePart {
	part := mail.MessagePart{
		PartID:   p.PartId,
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		if h != nil {
			part.Headers = append(part.Headers, mail.Header{Name: h.Name, Value: h.Value})
		}
	}
	if p.Body != nil {
		part.Data = p.Body.Data
		part.AttachmentID = p.Body.AttachmentId
		part.Size = p.Body.Size
	}
	if depth >= mail.MaxPartDepth {
		return part
	}
	for _, c := range p.Parts {
		if c != nil {
			part.Parts = append(part.Parts, convertPart(c, depth+1))
		}
	}
	return part
}
