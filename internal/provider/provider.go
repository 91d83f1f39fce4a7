package provider

import (
	"context"
	"errors"
	"io"
)

// ErrUnavailable marks a provider failure caused by an unreachable or
// timed out backend. Wrap it to get a serverUnavailable error result
// instead of a runtimeError.
var ErrUnavailable = errors.New("provider backend unavailable")

// Provider is the common part of every provider role.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
}

// Outcome is the verdict of one authentication step.
type Outcome int

const (
	// OutcomeContinue means this provider does not decide; try the next one.
	OutcomeContinue Outcome = iota
	// OutcomeSuccess means the factor was verified.
	OutcomeSuccess
	// OutcomeAbort stops the chain; the attempt fails.
	OutcomeAbort
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAbort:
		return "abort"
	default:
		return "continue"
	}
}

// AuthResult is the tagged result of AuthProvider.Authenticate.
// Identity is set only for OutcomeSuccess, Reason only for OutcomeAbort.
type AuthResult struct {
	Outcome  Outcome
	Identity *Identity
	Reason   string
}

// Success reports a verified factor for id.
func Success(id *Identity) AuthResult {
	return AuthResult{Outcome: OutcomeSuccess, Identity: id}
}

// Continue defers the decision to the next provider.
func Continue() AuthResult {
	return AuthResult{Outcome: OutcomeContinue}
}

// Abort fails the attempt without consulting further providers.
func Abort(reason string) AuthResult {
	return AuthResult{Outcome: OutcomeAbort, Reason: reason}
}

// AuthRequest is one factor submitted by a client.
type AuthRequest struct {
	// Username is the login name recorded when the attempt started.
	Username string
	// Type is the chosen AuthMethod type, e.g. "password".
	Type  string
	Value string
	// Data is the full decoded request body, for providers that need
	// fields beyond type and value.
	Data map[string]any
	// Identity is the identity established by an earlier factor of the
	// same attempt, or nil on the first factor.
	Identity   *Identity
	RemoteAddr string
}

// AuthProvider verifies login factors.
type AuthProvider interface {
	Provider
	AuthMethods() []AuthMethod
	// Authenticate verifies one factor. A non-nil error is a backend
	// failure; the gateway logs it and moves on to the next provider.
	Authenticate(ctx context.Context, req AuthRequest) (AuthResult, error)
}

// AccountLister is implemented by providers that contribute accounts.
type AccountLister interface {
	Accounts(ctx context.Context, id *Identity) ([]Account, error)
}

// Call is one JMAP command as seen by a CommandProvider.
type Call struct {
	Method   string
	Args     map[string]any
	CallID   string
	Identity *Identity
	// Prior holds the results produced for this command by providers
	// that ran earlier in the chain.
	Prior []Invocation
}

// CommandProvider serves JMAP methods.
type CommandProvider interface {
	Provider
	AccountLister
	// Methods lists the JMAP method names this provider serves.
	Methods() []string
	// Services lists the services backed by this provider, e.g. "Mail".
	// Each one turns on the matching has<Service> flag of its accounts.
	Services() []string
	// Invoke runs one command and returns zero or more results.
	// Call ids of the returned invocations are overwritten by the caller.
	Invoke(ctx context.Context, call Call) ([]Invocation, error)
}

// Blob is a downloadable binary object.
type Blob struct {
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// BlobProvider is implemented by command providers that serve downloads.
type BlobProvider interface {
	Download(ctx context.Context, id *Identity, blobID, name string) (*Blob, error)
}

// ErrBlobNotFound is returned by BlobProvider.Download for unknown blobs.
var ErrBlobNotFound = errors.New("blob not found")
