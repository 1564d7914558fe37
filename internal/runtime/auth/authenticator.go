package auth

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrOTPRequired        = errors.New("one-time password required")
	ErrPasswordExpired    = errors.New("password expired")
	ErrUserNotFound       = errors.New("user not found")
)

// Credential is a tagged credential value. Only the fields relevant to Type
// are read.
type Credential struct {
	Type     CredentialType
	Username string
	Password string
	OTP      string
	APIKey   string
	Token    string
	PeerUID  int
	NodeID   string
}

func PasswordCredential(username, password string) Credential {
	return Credential{Type: CredentialPassword, Username: username, Password: password}
}

func TwoFactorCredential(username, password, otp string) Credential {
	return Credential{Type: CredentialTwoFactor, Username: username, Password: password, OTP: otp}
}

func APIKeyCredential(username, key string) Credential {
	return Credential{Type: CredentialAPIKey, Username: username, APIKey: key}
}

func TokenCredential(token string) Credential {
	return Credential{Type: CredentialToken, Token: token}
}

func UnixPeerCredential(uid int) Credential {
	return Credential{Type: CredentialUnixSocket, PeerUID: uid}
}

func NodeCredential(nodeID string) Credential {
	return Credential{Type: CredentialNodeToNode, NodeID: nodeID}
}

// User is a directory account.
type User struct {
	Username        string
	UID             int
	Groups          []int
	DirectoryGroups []string
	// Roles are granted to the user directly in addition to privileges.
	Roles               []string
	PasswordHash        string
	OneTimePasswordHash string
	TOTPSecret          string
	Locked              bool
	PasswordExpired     bool
}

// Directory looks up accounts. Implementations must be safe for concurrent use.
type Directory interface {
	UserByName(ctx context.Context, username string) (*User, error)
	UserByUID(ctx context.Context, uid int) (*User, error)
	// ClearOneTimePassword consumes a user's one-time password.
	ClearOneTimePassword(ctx context.Context, username string) error
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewMemoryDirectory(users ...*User) *MemoryDirectory {
	d := &MemoryDirectory{users: map[string]*User{}}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put adds or replaces a user.
func (d *MemoryDirectory) Put(u *User) {
	cp := *u
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.Username] = &cp
}

func (d *MemoryDirectory) UserByName(_ context.Context, username string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *MemoryDirectory) UserByUID(_ context.Context, uid int) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.users))
	for name := range d.users {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if d.users[name].UID == uid {
			cp := *d.users[name]
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (d *MemoryDirectory) ClearOneTimePassword(_ context.Context, username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.OneTimePasswordHash = ""
	return nil
}

// Resolution is the outcome of a successful credential check.
type Resolution struct {
	Identity *Identity
	Type     CredentialType
	// Chain is the credential ancestry of a token, nearest first.
	Chain  []CredentialType
	Claims *Claims
	APIKey *APIKey
}

// AuthenticatorOptions wires the credential stores.
type AuthenticatorOptions struct {
	Directory  Directory
	Privileges *Privileges
	APIKeys    *APIKeys
	Tokens     *TokenService
	// Nodes lists the peers accepted for node-to-node credentials.
	Nodes []string
}

// Authenticator resolves credentials into identities.
type Authenticator struct {
	dir        Directory
	privileges *Privileges
	keys       *APIKeys
	tokens     *TokenService
	nodes      []string
	redirect   atomic.Bool
	now        func() time.Time
}

func NewAuthenticator(opts AuthenticatorOptions) *Authenticator {
	if opts.APIKeys == nil {
		opts.APIKeys = NewAPIKeys()
	}
	if opts.Privileges == nil {
		opts.Privileges = &Privileges{}
	}
	return &Authenticator{
		dir:        opts.Directory,
		privileges: opts.Privileges,
		keys:       opts.APIKeys,
		tokens:     opts.Tokens,
		nodes:      slices.Clone(opts.Nodes),
		now:        time.Now,
	}
}

// Tokens returns the token service, which may be nil.
func (a *Authenticator) Tokens() *TokenService { return a.tokens }

// APIKeys returns the API key store.
func (a *Authenticator) APIKeys() *APIKeys { return a.keys }

// SetRedirect makes interactive logins answer REDIRECT, as a standby
// controller does.
func (a *Authenticator) SetRedirect(on bool) { a.redirect.Store(on) }

// Resolve checks a credential presented from origin.
func (a *Authenticator) Resolve(ctx context.Context, cred Credential, origin Origin) (*Resolution, error) {
	switch cred.Type {
	case CredentialInternal:
		if origin.Transport != TransportInternal {
			return nil, ErrInvalidCredentials
		}
		return &Resolution{Identity: SystemIdentity(), Type: CredentialInternal}, nil
	case CredentialUnixSocket:
		return a.resolveUnix(ctx, cred, origin)
	case CredentialPassword, CredentialTwoFactor:
		return a.resolvePassword(ctx, cred)
	case CredentialAPIKey:
		return a.resolveAPIKey(ctx, cred)
	case CredentialToken:
		return a.resolveToken(ctx, cred, origin)
	case CredentialNodeToNode:
		if !origin.SecureTransport || !slices.Contains(a.nodes, cred.NodeID) {
			return nil, ErrInvalidCredentials
		}
		id := SystemIdentity()
		id.Username = "node:" + cred.NodeID
		return &Resolution{Identity: id, Type: CredentialNodeToNode}, nil
	}
	return nil, ErrInvalidCredentials
}

func (a *Authenticator) resolveUnix(ctx context.Context, cred Credential, origin Origin) (*Resolution, error) {
	if origin.Transport != TransportUnix || origin.PeerUID != cred.PeerUID {
		return nil, ErrInvalidCredentials
	}
	if a.dir != nil {
		if user, err := a.dir.UserByUID(ctx, cred.PeerUID); err == nil {
			return &Resolution{Identity: a.compose(user), Type: CredentialUnixSocket}, nil
		}
	}
	if cred.PeerUID != 0 {
		return nil, ErrInvalidCredentials
	}
	return &Resolution{
		Identity: &Identity{Username: "root", UID: 0, Roles: []string{RoleFullAdmin}},
		Type:     CredentialUnixSocket,
	}, nil
}

func (a *Authenticator) resolvePassword(ctx context.Context, cred Credential) (*Resolution, error) {
	user, err := a.lookup(ctx, cred.Username)
	if err != nil {
		return nil, err
	}
	ctype := CredentialPassword
	switch {
	case CheckPassword(cred.Password, user.PasswordHash):
	case CheckPassword(cred.Password, user.OneTimePasswordHash):
		ctype = CredentialOneTime
		if err := a.dir.ClearOneTimePassword(ctx, user.Username); err != nil {
			return nil, err
		}
		return &Resolution{Identity: a.compose(user), Type: ctype}, nil
	default:
		return nil, ErrInvalidCredentials
	}
	if user.PasswordExpired {
		return nil, ErrPasswordExpired
	}
	if user.TOTPSecret != "" {
		if cred.Type != CredentialTwoFactor {
			return nil, ErrOTPRequired
		}
		if !VerifyTOTP(user.TOTPSecret, cred.OTP, a.now()) {
			return nil, ErrInvalidCredentials
		}
		ctype = CredentialTwoFactor
	}
	return &Resolution{Identity: a.compose(user), Type: ctype}, nil
}

func (a *Authenticator) resolveAPIKey(ctx context.Context, cred Credential) (*Resolution, error) {
	key, err := a.keys.Verify(cred.APIKey)
	if err != nil {
		return nil, err
	}
	if cred.Username != "" && cred.Username != key.Username {
		return nil, ErrInvalidCredentials
	}
	user, err := a.lookup(ctx, key.Username)
	if err != nil {
		return nil, err
	}
	id := a.compose(user)
	id.APIKeyID = key.ID
	return &Resolution{Identity: id, Type: CredentialAPIKey, APIKey: &key}, nil
}

func (a *Authenticator) resolveToken(ctx context.Context, cred Credential, origin Origin) (*Resolution, error) {
	if a.tokens == nil {
		return nil, ErrInvalidToken
	}
	claims, err := a.tokens.Validate(cred.Token, origin)
	if err != nil {
		return nil, err
	}
	user, err := a.lookup(ctx, claims.Username)
	var id *Identity
	switch {
	case err == nil:
		id = a.compose(user)
	case claims.Username == "root":
		id = &Identity{Username: "root", Roles: []string{RoleFullAdmin}}
	default:
		return nil, err
	}
	return &Resolution{Identity: id, Type: CredentialToken, Chain: slices.Clone(claims.Chain), Claims: claims}, nil
}

func (a *Authenticator) lookup(ctx context.Context, username string) (*User, error) {
	if a.dir == nil || username == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := a.dir.UserByName(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Locked {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (a *Authenticator) compose(user *User) *Identity {
	return a.privileges.Compose(user)
}
