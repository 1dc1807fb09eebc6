package sync

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/FeiNiaoBF/MailMind/internal/mail"
)

// Page is one page of a provider message listing
type Page struct {
	IDs           []string
	NextPageToken string
}

// ProviderClient is an account-bound client for one remote mailbox
type ProviderClient interface {
	// ListMessageIDs lists message ids received after since (zero means all)
	ListMessageIDs(ctx context.Context, since time.Time, pageToken string) (Page, error)

	// FetchMessage fetches one full message
	FetchMessage(ctx context.Context, id string) (*mail.RawMessage, error)

	// ModifyLabels adds and removes labels on one message
	ModifyLabels(ctx context.Context, id string, add, remove []string) error

	// FetchAttachment downloads attachment bytes on demand
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// ProviderFactory creates a ProviderClient for an account
type ProviderFactory func(ctx context.Context, token *oauth2.Token, account mail.Account) (ProviderClient, error)

// CredentialProvider supplies a valid, already refreshed token for an account
type CredentialProvider interface {
	Token(ctx context.Context, account mail.Account) (*oauth2.Token, error)
}

// Repository persists decoded emails keyed by (account, provider message id)
type Repository interface {
	Upsert(ctx context.Context, email *mail.DecodedEmail) (*mail.StoredEmail, error)
	UpdateLabels(ctx context.Context, accountID, messageID string, add, remove []string) error
	FindByProviderID(ctx context.Context, accountID, messageID string) (*mail.StoredEmail, error)
}

// AccountLookup resolves account ids
type AccountLookup interface {
	GetAccount(ctx context.Context, id string) (*mail.Account, error)
}
