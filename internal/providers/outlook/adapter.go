package outlook

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/FeiNiaoBF/MailMind/internal/mail"
	"github.com/FeiNiaoBF/MailMind/internal/providers"
	"github.com/FeiNiaoBF/MailMind/internal/sync"
)

const defaultPageSize = 50

var messageFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "body",
	"receivedDateTime", "categories", "internetMessageHeaders", "hasAttachments",
}

// Options configures an Outlook adapter
type Options struct {
	// UserID selects another mailbox; empty means the signed-in user
	UserID   string
	PageSize int32
	Policy   providers.Options
}

// Adapter implements sync.ProviderClient for Outlook/Microsoft Graph
type Adapter struct {
	client   *msgraphsdk.GraphServiceClient
	userID   string
	pageSize int32
	policy   *providers.Policy
}

// New creates a new Outlook adapter
func New(ctx context.Context, tok *oauth2.Token, opts Options) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Policy.Name == "" {
		opts.Policy.Name = "microsoft-graph"
	}
	return &Adapter{
		client:   client,
		userID:   opts.UserID,
		pageSize: opts.PageSize,
		policy:   providers.NewPolicy(opts.Policy, classify),
	}, nil
}

func (a *Adapter) messages() *users.ItemMessagesRequestBuilder {
	if a.userID != "" {
		return a.client.Users().ByUserId(a.userID).Messages()
	}
	return a.client.Me().Messages()
}

// ListMessageIDs lists one page of message ids, newest first. The page token
// is the odata next link of the previous page
func (a *Adapter) ListMessageIDs(ctx context.Context, since time.Time, pageToken string) (sync.Page, error) {
	builder := a.messages()
	var requestConfig *users.ItemMessagesRequestBuilderGetRequestConfiguration

	if pageToken != "" {
		// the next link already carries the filter and paging state
		builder = builder.WithUrl(pageToken)
	} else {
		params := &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     Int32Ptr(a.pageSize),
			Select:  []string{"id"},
			Orderby: []string{"receivedDateTime desc"},
		}
		if f := sinceFilter(since); f != "" {
			params.Filter = &f
		}
		requestConfig = &users.ItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: params}
	}

	var result models.MessageCollectionResponseable
	err := a.policy.Do(ctx, "graph list messages", func(ctx context.Context) error {
		var err error
		result, err = builder.Get(ctx, requestConfig)
		return err
	})
	if err != nil {
		return sync.Page{}, err
	}

	page := sync.Page{}
	for _, msg := range result.GetValue() {
		if msg == nil {
			continue
		}
		if id := msg.GetId(); id != nil && *id != "" {
			page.IDs = append(page.IDs, *id)
		}
	}
	if next := result.GetOdataNextLink(); next != nil {
		page.NextPageToken = *next
	}
	return page, nil
}

func sinceFilter(since time.Time) string {
	if since.IsZero() {
		return ""
	}
	return "receivedDateTime ge " + since.UTC().Format(time.RFC3339)
}

// FetchMessage fetches a message with its body and attachment metadata
func (a *Adapter) FetchMessage(ctx context.Context, id string) (*mail.RawMessage, error) {
	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: messageFields,
			Expand: []string{"attachments($select=id,name,contentType,size)"},
		},
	}

	var msg models.Messageable
	err := a.policy.Do(ctx, "graph get message "+id, func(ctx context.Context) error {
		var err error
		msg, err = a.messages().ByMessageId(id).Get(ctx, requestConfig)
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertMessage(msg), nil
}

// ModifyLabels maps labels onto Outlook categories
func (a *Adapter) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	var current models.Messageable
	err := a.policy.Do(ctx, "graph get categories "+id, func(ctx context.Context) error {
		var err error
		current, err = a.messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
				Select: []string{"categories"},
			},
		})
		return err
	})
	if err != nil {
		return err
	}

	patch := models.NewMessage()
	patch.SetCategories(mail.ApplyLabelDiff(current.GetCategories(), add, remove))

	return a.policy.Do(ctx, "graph update categories "+id, func(ctx context.Context) error {
		_, err := a.messages().ByMessageId(id).Patch(ctx, patch, nil)
		return err
	})
}

// FetchAttachment downloads the content of a file attachment
func (a *Adapter) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var att models.Attachmentable
	err := a.policy.Do(ctx, "graph get attachment "+attachmentID, func(ctx context.Context) error {
		var err error
		att, err = a.messages().ByMessageId(messageID).Attachments().ByAttachmentId(attachmentID).Get(ctx, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	file, ok := att.(models.FileAttachmentable)
	if !ok {
		return nil, mail.NotFound("graph get attachment", fmt.Errorf("attachment %s has no file content", attachmentID))
	}
	return file.GetContentBytes(), nil
}

// classify maps Graph errors onto mail kinds
func classify(err error) mail.Kind {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		return providers.ClassifyStatus(oerr.ResponseStatusCode, isThrottled(oerr))
	}
	var apiErr *abstractions.ApiError
	if errors.As(err, &apiErr) {
		return providers.ClassifyStatus(apiErr.ResponseStatusCode, false)
	}
	return mail.KindUnknown
}

func isThrottled(oerr *odataerrors.ODataError) bool {
	inner := oerr.GetErrorEscaped()
	if inner == nil || inner.GetCode() == nil {
		return false
	}
	switch *inner.GetCode() {
	case "ApplicationThrottled", "TooManyRequests", "ErrorTooManyObjectsOpened":
		return true
	}
	return false
}

// convertMessage shapes a Graph message as a MIME tree: a multipart/mixed root
// holding the body part followed by one part per attachment
func convertMessage(m models.Messageable) *mail.RawMessage {
	raw := &mail.RawMessage{
		ID:       deref(m.GetId()),
		ThreadID: deref(m.GetConversationId()),
		LabelIDs: m.GetCategories(),
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.InternalDate = *rcvd
	}

	var headers []mail.Header
	for _, h := range m.GetInternetMessageHeaders() {
		if h == nil || h.GetName() == nil {
			continue
		}
		headers = append(headers, mail.Header{Name: *h.GetName(), Value: deref(h.GetValue())})
	}
	// internetMessageHeaders is absent for drafts and sent items
	headers = append(headers,
		mail.Header{Name: "Subject", Value: deref(m.GetSubject())},
		mail.Header{Name: "From", Value: formatRecipient(m.GetFrom())},
		mail.Header{Name: "To", Value: formatRecipients(m.GetToRecipients())},
	)
	if !raw.InternalDate.IsZero() {
		headers = append(headers, mail.Header{Name: "Date", Value: raw.InternalDate.Format(time.RFC1123Z)})
	}

	root := mail.MessagePart{
		PartID:   "",
		MimeType: "multipart/mixed",
		Headers:  headers,
	}

	if body := m.GetBody(); body != nil {
		content := deref(body.GetContent())
		mimeType := "text/plain"
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			mimeType = "text/html"
		}
		root.Parts = append(root.Parts, mail.MessagePart{
			PartID:   "0",
			MimeType: mimeType,
			Headers:  []mail.Header{{Name: "Content-Type", Value: mimeType + "; charset=utf-8"}},
			Data:     base64.URLEncoding.EncodeToString([]byte(content)),
			Size:     int64(len(content)),
		})
		raw.SizeEstimate += int64(len(content))
	}

	for i, att := range m.GetAttachments() {
		if att == nil {
			continue
		}
		part := mail.MessagePart{
			PartID:       strconv.Itoa(i + 1),
			MimeType:     deref(att.GetContentType()),
			Filename:     deref(att.GetName()),
			AttachmentID: deref(att.GetId()),
		}
		if part.MimeType == "" {
			part.MimeType = "application/octet-stream"
		}
		if size := att.GetSize(); size != nil {
			part.Size = int64(*size)
		}
		if part.Filename == "" {
			part.Filename = "attachment-" + part.PartID
		}
		raw.SizeEstimate += part.Size
		root.Parts = append(root.Parts, part)
	}

	raw.Headers = root.Headers
	raw.Payload = root
	return raw
}

func formatRecipient(r models.Recipientable) string {
	if r == nil || r.GetEmailAddress() == nil {
		return ""
	}
	addr := deref(r.GetEmailAddress().GetAddress())
	if name := deref(r.GetEmailAddress().GetName()); name != "" && name != addr {
		return fmt.Sprintf("%s <%s>", name, addr)
	}
	return addr
}

func formatRecipients(recipients []models.Recipientable) string {
	out := ""
	for _, r := range recipients {
		s := formatRecipient(r)
		if s == "" {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += s
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiresOn := c.expiry
	if expiresOn.IsZero() {
		expiresOn = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: expiresOn,
	}, nil
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}
