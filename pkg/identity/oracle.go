package identity

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned by an Oracle when the credential does not
// resolve to a live session. Transport failures are deliberately folded
// into the same error by callers (fail-closed).
var ErrUnauthenticated = errors.New("unauthenticated")

// SecondFactorError signals that credential verification succeeded but a
// second factor is still required. TempToken is carried to the challenge
// step so the flow can resume afterwards.
type SecondFactorError struct {
	TempToken string
}

func (e *SecondFactorError) Error() string {
	return "second factor required"
}

// Oracle resolves an opaque credential (session cookie value) to the
// current authenticated identity. Implementations must return
// ErrUnauthenticated for unknown or expired credentials.
type Oracle interface {
	CurrentIdentity(ctx context.Context, credential string) (*Identity, error)
}

// Verifier checks primary credentials and opens a session. A
// *SecondFactorError return means the session is not open yet and the
// caller must drive the user through a challenge first.
type Verifier interface {
	VerifyCredentials(ctx context.Context, username, password string) (sessionID string, id *Identity, err error)
	CompleteSecondFactor(ctx context.Context, tempToken, code string) (sessionID string, id *Identity, err error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, credential string) (*Identity, error)

// CurrentIdentity implements Oracle.
func (f OracleFunc) CurrentIdentity(ctx context.Context, credential string) (*Identity, error) {
	return f(ctx, credential)
}

// StaticOracle is an Oracle over a fixed credential->identity table,
// useful in tests and local development.
type StaticOracle map[string]*Identity

// CurrentIdentity implements Oracle.
func (o StaticOracle) CurrentIdentity(_ context.Context, credential string) (*Identity, error) {
	id, ok := o[credential]
	if !ok {
		return nil, fmt.Errorf("unknown credential: %w", ErrUnauthenticated)
	}
	return id, nil
}
