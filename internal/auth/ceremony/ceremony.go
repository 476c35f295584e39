// Package ceremony coordinates WebAuthn registration and authentication
// flows: each flow is a start call that issues options and stashes verifier
// state, and a finish call that consumes that state exactly once and
// verifies the client response.
package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/louisbranch/passkeys.space/internal/auth/session"
	"github.com/louisbranch/passkeys.space/internal/auth/storage"
	"github.com/louisbranch/passkeys.space/internal/auth/user"
	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
	"github.com/louisbranch/passkeys.space/internal/platform/id"
)

// ErrUnknownCredential indicates an asserted credential id that no user has
// registered.
var ErrUnknownCredential = apperrors.New(apperrors.CodeUnknownCredential, "unknown credential")

type passkeyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type passkeyParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultPasskeyParser struct{}

func (defaultPasskeyParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultPasskeyParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// StartResult is the outcome of a start call: the session now holding the
// pending state and the options for the client-side credential API.
type StartResult struct {
	SessionID   string
	OptionsJSON json.RawMessage
}

// FinishResult is the outcome of a successful finish call.
type FinishResult struct {
	UserID       string
	Username     string
	CredentialID string
	// SessionExpiry is the session lifetime granted by the sign-in, used
	// for the informative client cookie.
	SessionExpiry time.Time
}

// Coordinator drives both ceremonies over a credential store and a session
// manager.
type Coordinator struct {
	provider    passkeyProvider
	parser      passkeyParser
	credentials storage.CredentialStore
	sessions    *session.Manager
	config      Config
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewCoordinator builds the WebAuthn relying party from config and wires the
// coordinator over the given stores.
func NewCoordinator(credentials storage.CredentialStore, sessions *session.Manager, config Config) (*Coordinator, error) {
	provider, err := webauthn.New(&webauthn.Config{
		RPDisplayName: config.RPDisplayName,
		RPID:          config.RPID,
		RPOrigins:     config.RPOrigins,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "configure webauthn relying party", err)
	}
	return &Coordinator{
		provider:    provider,
		parser:      defaultPasskeyParser{},
		credentials: credentials,
		sessions:    sessions,
		config:      config,
		clock:       time.Now,
		idGenerator: id.NewID,
	}, nil
}

func (c *Coordinator) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now()
}

// ceremonyUser adapts a stored user to the webauthn.User interface. For a
// first registration the user row does not exist yet; the candidate id and
// username stand in until the finish call verifies the attestation.
type ceremonyUser struct {
	id          string
	username    string
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte { return []byte(u.id) }

func (u *ceremonyUser) WebAuthnName() string { return u.username }

func (u *ceremonyUser) WebAuthnDisplayName() string { return u.username }

func (u *ceremonyUser) WebAuthnIcon() string { return "" }

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// BeginRegistration issues credential creation options for username. When
// the username already belongs to a user, their registered credentials are
// sent as exclusions so intending a second device does not re-register an
// existing one. The user row itself is only created by FinishRegistration.
func (c *Coordinator) BeginRegistration(ctx context.Context, sessionID string, username string) (StartResult, error) {
	normalized, err := user.NormalizeUsername(username)
	if err != nil {
		return StartResult{}, err
	}

	candidate := &ceremonyUser{username: normalized}
	existing, err := c.credentials.FindUserByUsername(ctx, normalized)
	switch {
	case err == nil:
		candidate.id = existing.ID
		candidate.credentials, err = c.loadCredentials(ctx, existing.ID)
		if err != nil {
			return StartResult{}, err
		}
	case apperrors.CodeOf(err) == apperrors.CodeNotFound:
		fresh, newErr := user.New(normalized, c.clock, c.idGenerator)
		if newErr != nil {
			return StartResult{}, newErr
		}
		candidate.id = fresh.ID
	default:
		return StartResult{}, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(candidate.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(candidate.credentials).CredentialDescriptors()))
	}

	creation, sessionData, err := c.provider.BeginRegistration(candidate, options...)
	if err != nil {
		return StartResult{}, apperrors.Wrap(apperrors.CodeUnknown, "begin registration", err)
	}

	newSessionID, err := c.stashCeremony(ctx, sessionID, session.Ceremony{
		Kind:              session.CeremonyKindRegistration,
		CreatedAt:         c.now(),
		CandidateUserID:   candidate.id,
		CandidateUsername: normalized,
	}, sessionData)
	if err != nil {
		return StartResult{}, err
	}

	optionsJSON, err := json.Marshal(creation)
	if err != nil {
		return StartResult{}, apperrors.Wrap(apperrors.CodeUnknown, "encode creation options", err)
	}
	return StartResult{SessionID: newSessionID, OptionsJSON: optionsJSON}, nil
}

// FinishRegistration verifies the attestation response against the pending
// state, creates the user row when this is their first credential, stores
// the authenticator, and signs the session in. Racing finish calls for the
// same session resolve to exactly one winner; the rest see expired state.
func (c *Coordinator) FinishRegistration(ctx context.Context, sessionID string, response []byte, userAgentShort string) (FinishResult, error) {
	parsed, err := c.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return FinishResult{}, apperrors.Wrap(apperrors.CodeValidation, "parse credential creation response", err)
	}

	pending, err := c.sessions.ConsumeCeremony(ctx, sessionID, session.CeremonyKindRegistration, c.config.CeremonyTTL)
	if err != nil {
		return FinishResult{}, err
	}
	sessionData, err := decodeSessionData(pending.WebAuthn)
	if err != nil {
		return FinishResult{}, err
	}

	candidate := &ceremonyUser{id: pending.CandidateUserID, username: pending.CandidateUsername}
	credential, err := c.provider.CreateCredential(candidate, sessionData, parsed)
	if err != nil {
		return FinishResult{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "verify attestation response", err)
	}

	now := c.now()
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return FinishResult{}, apperrors.Wrap(apperrors.CodeUnknown, "encode credential", err)
	}
	credentialID := encodeCredentialID(credential.ID)
	authenticator := storage.Authenticator{
		CredentialID:   credentialID,
		UserID:         candidate.id,
		CredentialJSON: string(credentialJSON),
		SignCount:      credential.Authenticator.SignCount,
		UserAgentShort: userAgentShort,
		CreatedAt:      now,
	}

	_, err = c.credentials.FindUserByID(ctx, candidate.id)
	switch {
	case err == nil:
		if err := c.credentials.AddAuthenticator(ctx, authenticator); err != nil {
			return FinishResult{}, err
		}
	case apperrors.CodeOf(err) == apperrors.CodeNotFound:
		// First credential. The user row and the authenticator land in one
		// transaction, so a rejected credential or a racing registration for
		// the same username leaves no orphan user behind.
		err := c.credentials.CreateUserWithAuthenticator(ctx, user.User{
			ID:        candidate.id,
			Username:  candidate.username,
			CreatedAt: now,
		}, authenticator)
		if err != nil {
			return FinishResult{}, err
		}
	default:
		return FinishResult{}, err
	}

	expiry, err := c.sessions.MarkAuthenticated(ctx, sessionID, candidate.id)
	if err != nil {
		return FinishResult{}, err
	}
	return FinishResult{
		UserID:        candidate.id,
		Username:      candidate.username,
		CredentialID:  credentialID,
		SessionExpiry: expiry,
	}, nil
}

// BeginAuthentication issues discoverable assertion options. No username is
// taken; the authenticator picks the credential and the user handle inside
// the assertion identifies the account.
func (c *Coordinator) BeginAuthentication(ctx context.Context, sessionID string) (StartResult, error) {
	assertion, sessionData, err := c.provider.BeginDiscoverableLogin()
	if err != nil {
		return StartResult{}, apperrors.Wrap(apperrors.CodeUnknown, "begin authentication", err)
	}

	newSessionID, err := c.stashCeremony(ctx, sessionID, session.Ceremony{
		Kind:      session.CeremonyKindAuthentication,
		CreatedAt: c.now(),
	}, sessionData)
	if err != nil {
		return StartResult{}, err
	}

	optionsJSON, err := json.Marshal(assertion)
	if err != nil {
		return StartResult{}, apperrors.Wrap(apperrors.CodeUnknown, "encode assertion options", err)
	}
	return StartResult{SessionID: newSessionID, OptionsJSON: optionsJSON}, nil
}

// FinishAuthentication verifies the assertion response, enforces the
// signature counter, and signs the session in.
func (c *Coordinator) FinishAuthentication(ctx context.Context, sessionID string, response []byte) (FinishResult, error) {
	parsed, err := c.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return FinishResult{}, apperrors.Wrap(apperrors.CodeValidation, "parse credential assertion response", err)
	}

	pending, err := c.sessions.ConsumeCeremony(ctx, sessionID, session.CeremonyKindAuthentication, c.config.CeremonyTTL)
	if err != nil {
		return FinishResult{}, err
	}
	sessionData, err := decodeSessionData(pending.WebAuthn)
	if err != nil {
		return FinishResult{}, err
	}

	credentialID := encodeCredentialID(parsed.RawID)
	if _, err := c.credentials.FindAuthenticatorByCredentialID(ctx, credentialID); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return FinishResult{}, ErrUnknownCredential
		}
		return FinishResult{}, err
	}

	validatedUser, validatedCredential, err := c.provider.ValidatePasskeyLogin(c.discoverableUserHandler(ctx), sessionData, parsed)
	if err != nil {
		return FinishResult{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "verify assertion response", err)
	}
	resolved, ok := validatedUser.(*ceremonyUser)
	if !ok {
		return FinishResult{}, apperrors.New(apperrors.CodeUnknown, "unexpected user type from verifier")
	}

	credentialJSON, err := json.Marshal(validatedCredential)
	if err != nil {
		return FinishResult{}, apperrors.Wrap(apperrors.CodeUnknown, "encode credential", err)
	}
	err = c.credentials.BumpSignatureCounter(ctx, credentialID, validatedCredential.Authenticator.SignCount, string(credentialJSON))
	if err != nil {
		return FinishResult{}, err
	}

	expiry, err := c.sessions.MarkAuthenticated(ctx, sessionID, resolved.id)
	if err != nil {
		return FinishResult{}, err
	}
	return FinishResult{
		UserID:        resolved.id,
		Username:      resolved.username,
		CredentialID:  credentialID,
		SessionExpiry: expiry,
	}, nil
}

func (c *Coordinator) stashCeremony(ctx context.Context, sessionID string, pending session.Ceremony, sessionData *webauthn.SessionData) (string, error) {
	if sessionData == nil {
		return "", apperrors.New(apperrors.CodeUnknown, "missing webauthn session data")
	}
	raw, err := json.Marshal(sessionData)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnknown, "encode webauthn session data", err)
	}
	pending.WebAuthn = raw
	return c.sessions.StartCeremony(ctx, sessionID, pending)
}

func (c *Coordinator) discoverableUserHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID := string(userHandle)
		if userID == "" {
			return nil, apperrors.New(apperrors.CodeVerificationFailed, "missing user handle")
		}
		record, err := c.credentials.FindUserByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		credentials, err := c.loadCredentials(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		return &ceremonyUser{id: record.ID, username: record.Username, credentials: credentials}, nil
	}
}

func (c *Coordinator) loadCredentials(ctx context.Context, userID string) ([]webauthn.Credential, error) {
	records, err := c.credentials.ListAuthenticatorsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorage, "decode credential "+record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return credentials, nil
}

func decodeSessionData(raw json.RawMessage) (webauthn.SessionData, error) {
	var sessionData webauthn.SessionData
	if err := json.Unmarshal(raw, &sessionData); err != nil {
		return webauthn.SessionData{}, session.ErrCeremonyExpired
	}
	return sessionData, nil
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
