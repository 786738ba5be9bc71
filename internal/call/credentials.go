package call

import (
	"context"
	"errors"
	"time"

	"github.com/sebas/meshcall/internal/identity"
	"github.com/sebas/meshcall/internal/signaling"
	"github.com/sebas/meshcall/internal/store"
)

// Credential fetch failures. Each maps to a distinct call failure reason so
// the UI can tell an expired session apart from a network problem.
var (
	ErrBadServerSession  = errors.New("server session invalid")
	ErrServerUnreachable = errors.New("server unreachable")
	ErrCallsNotSupported = errors.New("calls not supported by server")
	ErrPermissionDenied  = errors.New("calls not permitted for this identity")
)

// Credentials holds one TURN allocation: the caller keeps the first pair
// and hands the second to each recipient inside the start message.
type Credentials struct {
	CallerUsername    string
	CallerPassword    string
	RecipientUsername string
	RecipientPassword string
	Servers           []string
	FetchedAt         time.Time
}

// Recipient extracts the pair forwarded to peers over signaling.
func (c Credentials) Recipient() signaling.TurnCredentials {
	return signaling.TurnCredentials{
		Username: c.RecipientUsername,
		Password: c.RecipientPassword,
		Servers:  c.Servers,
	}
}

// Caller extracts the pair the local device authenticates with.
func (c Credentials) Caller() signaling.TurnCredentials {
	return signaling.TurnCredentials{
		Username: c.CallerUsername,
		Password: c.CallerPassword,
		Servers:  c.Servers,
	}
}

// CredentialsService fetches TURN credentials for an owned identity.
type CredentialsService interface {
	GetTurnCredentials(ctx context.Context, owned identity.Identity) (*Credentials, error)
}

const credentialsTTL = 12 * time.Hour

// credentialsCache wraps a CredentialsService with a per-identity cache.
// Entries live 12 hours; Invalidate drops an entry early when a call
// gathers zero relay candidates, which usually means the allocation died
// server side before its nominal expiry.
type credentialsCache struct {
	service CredentialsService
	entries *store.TTLStore[identity.Identity, *Credentials]
}

func newCredentialsCache(service CredentialsService) *credentialsCache {
	return &credentialsCache{
		service: service,
		entries: store.New[identity.Identity, *Credentials](time.Hour),
	}
}

func (c *credentialsCache) Get(ctx context.Context, owned identity.Identity) (*Credentials, error) {
	if creds, ok := c.entries.Get(owned); ok {
		return creds, nil
	}
	creds, err := c.service.GetTurnCredentials(ctx, owned)
	if err != nil {
		return nil, err
	}
	c.entries.Set(owned, creds, credentialsTTL)
	return creds, nil
}

func (c *credentialsCache) Invalidate(owned identity.Identity) {
	c.entries.Delete(owned)
}

func (c *credentialsCache) Close() {
	c.entries.Close()
}

// failureForCredentialsError maps a fetch error to the call failure reason
// reported to observers.
func failureForCredentialsError(err error) FailureReason {
	switch {
	case errors.Is(err, ErrBadServerSession):
		return FailureAuthentication
	case errors.Is(err, ErrCallsNotSupported):
		return FailureCallInitiationNotSupported
	case errors.Is(err, ErrPermissionDenied):
		return FailurePermissionDenied
	default:
		return FailureServerUnreachable
	}
}
