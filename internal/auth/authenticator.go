// Package auth performs the credential handshake against the external
// credential authority and validates the signed credentials it issues.
//
// Credentials are PASETO v4.public tokens signed by the authority's
// Ed25519 key. The authority's internal logic is out of scope; only its
// request/response contract is consumed here, and every accepted token is
// verified locally (signature, issuer, expiry, session binding) before
// the session trusts it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for authentication failures. Only ErrAuthorityUnreachable
// is retryable, and retries are the caller's responsibility -- bounded and
// explicit, never silent.
var (
	// ErrAuthorityUnreachable indicates the authority exchange failed at
	// the transport level (dial, write, read, timeout).
	ErrAuthorityUnreachable = errors.New("credential authority unreachable")

	// ErrInvalidClaim indicates the authority rejected the identity
	// claim. Fatal for the session.
	ErrInvalidClaim = errors.New("identity claim rejected")

	// ErrExpiredOrMalformed indicates the authority's response did not
	// verify locally: bad signature, wrong issuer, expired token, or a
	// session-binding mismatch. Fatal for the session.
	ErrExpiredOrMalformed = errors.New("credential expired or malformed")
)

// Claim keys inside the credential token.
const (
	claimUserID    = "uid"
	claimSessionID = "sid"
)

// Authority response status codes (first byte of the response payload).
const (
	authorityStatusOK       = 0
	authorityStatusRejected = 1
)

// -------------------------------------------------------------------------
// Credential
// -------------------------------------------------------------------------

// Credential is the short-lived token pair issued by the authority:
// the identity claim's resolution (UserID) plus the signed proof (Token).
// A credential is bound 1:1 to its session for the session's lifetime and
// is never persisted beyond it.
type Credential struct {
	// UserID is the authority-resolved identity.
	UserID string

	// SessionID is the session the credential is bound to.
	SessionID string

	// Token is the signed PASETO token, presented verbatim as proof of
	// continued identity during reconnection.
	Token []byte

	// ExpiresAt is the token's expiry. Proof presented after this
	// instant does not verify.
	ExpiresAt time.Time
}

// -------------------------------------------------------------------------
// AuthorityClient
// -------------------------------------------------------------------------

// AuthorityClient performs one claim/response exchange with the external
// credential authority. The TLS implementation lives in this package;
// tests substitute fakes.
type AuthorityClient interface {
	// Exchange sends the opaque claim and returns the authority's raw
	// response payload: one status byte followed by the signed token.
	Exchange(ctx context.Context, claim []byte) ([]byte, error)
}

// -------------------------------------------------------------------------
// Authenticator
// -------------------------------------------------------------------------

// Config holds the Authenticator's verification parameters.
type Config struct {
	// Issuer is the expected token issuer.
	Issuer string

	// PublicKey is the authority's Ed25519 public key.
	PublicKey paseto.V4AsymmetricPublicKey

	// Timeout bounds one authority exchange.
	Timeout time.Duration
}

// Authenticator exchanges identity claims with the credential authority
// and verifies the issued credentials locally. Safe for concurrent use by
// many session goroutines.
type Authenticator struct {
	client  AuthorityClient
	issuer  string
	pub     paseto.V4AsymmetricPublicKey
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an Authenticator using client for authority exchanges.
func New(client AuthorityClient, cfg Config, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		client:  client,
		issuer:  cfg.Issuer,
		pub:     cfg.PublicKey,
		timeout: cfg.Timeout,
		logger:  logger.With(slog.String("component", "auth")),
	}
}

// Authenticate forwards the identity claim to the authority and validates
// the signed response. Exactly one attempt: any failure aborts session
// establishment instead of retrying here.
func (a *Authenticator) Authenticate(ctx context.Context, claim []byte, sid string) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.Exchange(ctx, claim)
	if err != nil {
		return Credential{}, fmt.Errorf("authority exchange: %w: %w", ErrAuthorityUnreachable, err)
	}
	if len(resp) < 1 {
		return Credential{}, fmt.Errorf("authority response empty: %w", ErrExpiredOrMalformed)
	}

	switch resp[0] {
	case authorityStatusOK:
		return a.verify(resp[1:], sid)
	case authorityStatusRejected:
		return Credential{}, fmt.Errorf("authority verdict: %w", ErrInvalidClaim)
	default:
		return Credential{}, fmt.Errorf("authority status %d: %w", resp[0], ErrExpiredOrMalformed)
	}
}

// VerifyProof re-validates a previously issued credential presented as
// proof of continued identity during reconnection. No authority round
// trip: signature, issuer, expiry, and session binding are all local.
func (a *Authenticator) VerifyProof(token []byte, sid string) (Credential, error) {
	return a.verify(token, sid)
}

// verify checks a signed token against the authority's public key and the
// session it must be bound to.
func (a *Authenticator) verify(token []byte, sid string) (Credential, error) {
	parser := paseto.NewParserWithoutExpiryCheck()
	parser.AddRule(paseto.IssuedBy(a.issuer), paseto.NotExpired())

	tok, err := parser.ParseV4Public(a.pub, string(token), nil)
	if err != nil {
		return Credential{}, fmt.Errorf("parse credential: %w: %w", ErrExpiredOrMalformed, err)
	}

	uid, err := tok.GetString(claimUserID)
	if err != nil {
		return Credential{}, fmt.Errorf("credential missing %q: %w", claimUserID, ErrExpiredOrMalformed)
	}
	tokenSID, err := tok.GetString(claimSessionID)
	if err != nil {
		return Credential{}, fmt.Errorf("credential missing %q: %w", claimSessionID, ErrExpiredOrMalformed)
	}
	if tokenSID != sid {
		return Credential{}, fmt.Errorf("credential bound to session %q, presented for %q: %w",
			tokenSID, sid, ErrExpiredOrMalformed)
	}

	exp, err := tok.GetExpiration()
	if err != nil {
		return Credential{}, fmt.Errorf("credential missing expiry: %w", ErrExpiredOrMalformed)
	}

	cred := Credential{
		UserID:    uid,
		SessionID: sid,
		Token:     append([]byte(nil), token...),
		ExpiresAt: exp,
	}

	a.logger.Debug("credential verified",
		slog.String("user", uid),
		slog.String("session", sid),
		slog.Time("expires", exp),
	)

	return cred, nil
}
