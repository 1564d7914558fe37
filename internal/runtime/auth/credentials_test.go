package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOTPMatchesRFC6238Vector(t *testing.T) {
	// ASCII "12345678901234567890", the RFC 6238 SHA-1 seed.
	secret := "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	code, err := TOTPCode(secret, time.Unix(59, 0))
	require.NoError(t, err)
	assert.Equal(t, "287082", code)

	now := time.Unix(1111111109, 0)
	code, err = TOTPCode(secret, now)
	require.NoError(t, err)
	assert.Equal(t, "081804", code)

	assert.True(t, VerifyTOTP(secret, code, now.Add(30*time.Second)))
	assert.False(t, VerifyTOTP(secret, code, now.Add(90*time.Second)))
	assert.False(t, VerifyTOTP(secret, "12345", now))
}

func TestAPIKeysVerifyExpireAndRevoke(t *testing.T) {
	keys := NewAPIKeys()
	plain, key, err := keys.Create("alice", "backup", 0)
	require.NoError(t, err)
	assert.Contains(t, plain, "1-")

	got, err := keys.Verify(plain)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)

	_, err = keys.Verify(plain + "x")
	assert.ErrorIs(t, err, ErrAPIKeyInvalid)
	_, err = keys.Verify("nonsense")
	assert.ErrorIs(t, err, ErrAPIKeyInvalid)

	require.True(t, keys.Revoke(key.ID))
	_, err = keys.Verify(plain)
	assert.ErrorIs(t, err, ErrAPIKeyRevoked)

	short, _, err := keys.Create("alice", "short", time.Minute)
	require.NoError(t, err)
	keys.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = keys.Verify(short)
	assert.ErrorIs(t, err, ErrAPIKeyExpired)

	assert.Len(t, keys.List("alice"), 2)
	assert.Empty(t, keys.List("bob"))
}

func newTokenFixture(t *testing.T) (*TokenService, *Session) {
	t.Helper()
	tokens := NewTokenService([]byte("0123456789abcdef0123456789abcdef"), "middlewared", 10*time.Minute)
	parent := &Session{
		ID:             "S1",
		Identity:       &Identity{Username: "alice"},
		CredentialType: CredentialPassword,
		Origin:         RemoteOrigin(TransportWebSocket, "10.0.0.5:51000", true),
	}
	return tokens, parent
}

func TestTokensCarryAncestry(t *testing.T) {
	tokens, parent := newTokenFixture(t)
	tok, _, err := tokens.Issue(parent, TokenOptions{})
	require.NoError(t, err)

	claims, err := tokens.Validate(tok, parent.Origin)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, []CredentialType{CredentialPassword}, claims.Chain)

	child := &Session{ID: "S2", Identity: parent.Identity, CredentialType: CredentialToken, Chain: claims.Chain}
	tok2, claims2, err := tokens.Issue(child, TokenOptions{})
	require.NoError(t, err)
	assert.Equal(t, []CredentialType{CredentialToken, CredentialPassword}, claims2.Chain)
	assert.Equal(t, CredentialPassword, child.RootCredential())
	_, err = tokens.Validate(tok2, parent.Origin)
	assert.NoError(t, err)
}

func TestTokenValidationRejections(t *testing.T) {
	tokens, parent := newTokenFixture(t)

	single, _, err := tokens.Issue(parent, TokenOptions{SingleUse: true})
	require.NoError(t, err)
	_, err = tokens.Validate(single, parent.Origin)
	require.NoError(t, err)
	_, err = tokens.Validate(single, parent.Origin)
	assert.ErrorIs(t, err, ErrTokenRedeemed)

	pinned, _, err := tokens.Issue(parent, TokenOptions{MatchOrigin: true})
	require.NoError(t, err)
	_, err = tokens.Validate(pinned, RemoteOrigin(TransportWebSocket, "10.0.0.5:60000", true))
	assert.NoError(t, err, "ports do not matter")
	_, err = tokens.Validate(pinned, RemoteOrigin(TransportWebSocket, "10.0.0.9:51000", true))
	assert.ErrorIs(t, err, ErrTokenOrigin)

	short, _, err := tokens.Issue(parent, TokenOptions{TTL: time.Second})
	require.NoError(t, err)
	tokens.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, err = tokens.Validate(short, parent.Origin)
	assert.ErrorIs(t, err, ErrTokenExpired)
	tokens.now = time.Now

	revoked, _, err := tokens.Issue(parent, TokenOptions{})
	require.NoError(t, err)
	tokens.RevokeSession(parent.ID)
	_, err = tokens.Validate(revoked, parent.Origin)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, err = tokens.Validate("not-a-jwt", parent.Origin)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewTokenService([]byte("another-signing-key-of-enough-size"), "middlewared", time.Minute)
	forged, _, err := other.Issue(parent, TokenOptions{})
	require.NoError(t, err)
	_, err = tokens.Validate(forged, parent.Origin)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionTableListsCopiesAndRunsTerminateHooks(t *testing.T) {
	table := NewSessionTable()
	var terminated []string
	table.OnTerminate(func(s *Session) { terminated = append(terminated, s.ID) })

	a := table.Open(&Identity{Username: "alice"}, CredentialPassword, nil, RemoteOrigin(TransportWebSocket, "10.0.0.1:1", true), 0, "")
	b := table.Open(&Identity{Username: "bob"}, CredentialAPIKey, nil, RemoteOrigin(TransportREST, "10.0.0.2:1", false), 0, "")
	c := table.Open(&Identity{Username: "carol"}, CredentialToken, []CredentialType{CredentialPassword}, UnixOrigin(1000), 0, "")

	list := table.List(a.ID)
	require.Len(t, list, 3)
	for _, s := range list {
		assert.Equal(t, s.ID == a.ID, s.Current)
	}
	list[0].Identity.Username = "mallory"
	got, ok := table.Get(list[0].ID)
	require.True(t, ok)
	assert.NotEqual(t, "mallory", got.Identity.Username)

	assert.Error(t, table.Terminate(a.ID, a.ID))
	require.NoError(t, table.Terminate(b.ID, a.ID))
	assert.Equal(t, []string{b.ID}, terminated)
	assert.Error(t, table.Terminate(b.ID, a.ID))

	assert.Equal(t, 1, table.TerminateOthers(a.ID))
	assert.Equal(t, []string{b.ID, c.ID}, terminated)
	assert.Len(t, table.List(""), 1)
}

func TestLimiterBucketsPerMethodAndOrigin(t *testing.T) {
	lim := NewLimiter(LimiterOptions{Burst: 2, Interval: time.Hour, MaxEntries: 2})
	o1 := RemoteOrigin(TransportWebSocket, "10.0.0.1:1000", false)
	o2 := RemoteOrigin(TransportWebSocket, "10.0.0.2:1000", false)

	assert.True(t, lim.Allow("auth.login_ex", o1))
	assert.True(t, lim.Allow("auth.login_ex", o1))
	assert.False(t, lim.Allow("auth.login_ex", o1))
	assert.True(t, lim.Allow("auth.login_ex", o2))
	assert.False(t, lim.Allow("core.ping", o1), "table is full")

	lim.Clear(o1)
	assert.Equal(t, 1, lim.Entries())
	assert.True(t, lim.Allow("auth.login_ex", o1))
}

func TestLoginExTwoFactorFlow(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	dir := NewMemoryDirectory(
		&User{Username: "alice", UID: 1000, PasswordHash: hash, TOTPSecret: secret},
		&User{Username: "bob", UID: 1001, PasswordHash: hash, PasswordExpired: true},
	)
	authn := NewAuthenticator(AuthenticatorOptions{Directory: dir})
	origin := RemoteOrigin(TransportWebSocket, "10.0.0.1:1", true)
	ctx := context.Background()
	state := &LoginState{}

	res := authn.LoginEx(ctx, state, LoginRequest{Mechanism: MechPasswordPlain, Username: "alice", Password: "s3cret"}, origin)
	assert.Equal(t, ResponseOTPRequired, res.Response)
	pending, ok := state.Pending()
	assert.True(t, ok)
	assert.Equal(t, "alice", pending)

	code, err := TOTPCode(secret, time.Now())
	require.NoError(t, err)
	res = authn.LoginEx(ctx, state, LoginRequest{Mechanism: MechOTPToken, OTPToken: code}, origin)
	require.Equal(t, ResponseSuccess, res.Response)
	assert.Equal(t, CredentialTwoFactor, res.Resolution.Type)

	res = authn.LoginEx(ctx, state, LoginRequest{Mechanism: MechOTPToken, OTPToken: code}, origin)
	assert.Equal(t, ResponseAuthErr, res.Response, "the pending login is consumed")

	res = authn.LoginEx(ctx, state, LoginRequest{Mechanism: MechPasswordPlain, Username: "alice", Password: "wrong"}, origin)
	assert.Equal(t, ResponseAuthErr, res.Response)

	res = authn.LoginEx(ctx, state, LoginRequest{Mechanism: MechPasswordPlain, Username: "bob", Password: "s3cret"}, origin)
	assert.Equal(t, ResponseExpired, res.Response)

	authn.SetRedirect(true)
	res = authn.LoginEx(ctx, state, LoginRequest{Mechanism: MechPasswordPlain, Username: "bob", Password: "s3cret"}, origin)
	assert.Equal(t, ResponseRedirect, res.Response)
}

func TestOneTimePasswordIsConsumed(t *testing.T) {
	otp, err := HashPassword("temp-123")
	require.NoError(t, err)
	dir := NewMemoryDirectory(&User{Username: "dave", UID: 1002, OneTimePasswordHash: otp})
	authn := NewAuthenticator(AuthenticatorOptions{Directory: dir})
	ctx := context.Background()

	res, err := authn.Resolve(ctx, PasswordCredential("dave", "temp-123"), InternalOrigin())
	require.NoError(t, err)
	assert.Equal(t, CredentialOneTime, res.Type)

	_, err = authn.Resolve(ctx, PasswordCredential("dave", "temp-123"), InternalOrigin())
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUnixPeerAndNodeCredentials(t *testing.T) {
	authn := NewAuthenticator(AuthenticatorOptions{Nodes: []string{"controller-b"}})
	ctx := context.Background()

	res, err := authn.Resolve(ctx, UnixPeerCredential(0), UnixOrigin(0))
	require.NoError(t, err)
	assert.True(t, res.Identity.HasRole(RoleFullAdmin))

	_, err = authn.Resolve(ctx, UnixPeerCredential(0), UnixOrigin(1000))
	assert.ErrorIs(t, err, ErrInvalidCredentials, "peer uid must match the socket")

	res, err = authn.Resolve(ctx, NodeCredential("controller-b"), RemoteOrigin(TransportWebSocket, "169.254.10.2:6000", true))
	require.NoError(t, err)
	assert.True(t, res.Identity.System)

	_, err = authn.Resolve(ctx, NodeCredential("controller-b"), RemoteOrigin(TransportWebSocket, "169.254.10.2:6000", false))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestOriginHelpers(t *testing.T) {
	remote := RemoteOrigin(TransportREST, "192.168.1.10:443", true)
	assert.True(t, remote.External())
	assert.Equal(t, "192.168.1.10", remote.Address())
	assert.Equal(t, "192.168.1.10", remote.Key())

	unix := UnixOrigin(1000)
	assert.False(t, unix.External())
	assert.Equal(t, "127.0.0.1", unix.Address())
	assert.False(t, unix.Match(UnixOrigin(0)))
	assert.True(t, unix.Match(UnixOrigin(1000)))

	assert.Equal(t, "abc", ExtractBearerToken("Bearer abc"))
	assert.Empty(t, ExtractBearerToken("Basic abc"))
}
