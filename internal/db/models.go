package db

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/veridian-auth/veridian/internal/apperr"
)

// base contains the common fields shared by all UUID-keyed models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering. CreatedAt and UpdatedAt are managed by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// RoleAdmin is the role that grants access to the admin API surface.
// It can be assigned manually or mapped from an upstream admin claim.
const RoleAdmin = "veridian_admin"

// User is a local or federated account. Password holds the Argon2id hash for
// local accounts (encrypted at rest) and is empty for federated users, which
// authenticate exclusively through their upstream provider.
//
// AuthProviderID and FederationUID are always set together: a user either has
// both (federated) or neither (local).
type User struct {
	base
	Email         string          `gorm:"uniqueIndex;not null"`
	GivenName     string          `gorm:"not null;default:''"`
	FamilyName    string          `gorm:"not null;default:''"`
	Password      EncryptedString `gorm:"type:text"`           // Argon2id hash, empty for federated users
	Roles         string          `gorm:"not null;default:''"` // comma-separated, semantically a set
	Groups        string          `gorm:"not null;default:''"`
	Enabled       bool            `gorm:"not null;default:true"`
	EmailVerified bool            `gorm:"not null;default:false"`
	Language      string          `gorm:"not null;default:'en'"`

	// WebauthnUserID is set once the user has registered at least one
	// passkey; its presence is what "has WebAuthn enabled" means.
	WebauthnUserID *string

	UserExpires *time.Time

	AuthProviderID *uuid.UUID `gorm:"type:text;index:idx_users_federation"`
	FederationUID  *string    `gorm:"index:idx_users_federation"`

	LastLogin           *time.Time
	LastFailedLogin     *time.Time
	FailedLoginAttempts int `gorm:"not null;default:0"`
}

// GetRoles splits the stored roles string into a slice, dropping empties.
func (u *User) GetRoles() []string {
	return splitCSV(u.Roles)
}

// SetRoles joins roles back into the stored representation.
func (u *User) SetRoles(roles []string) {
	u.Roles = strings.Join(roles, ",")
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.GetRoles() {
		if r == role {
			return true
		}
	}
	return false
}

// IsFederated reports whether the user is linked to an upstream provider.
func (u *User) IsFederated() bool {
	return u.AuthProviderID != nil && u.FederationUID != nil
}

// HasWebauthnEnabled reports whether the user has a registered passkey.
func (u *User) HasWebauthnEnabled() bool {
	return u.WebauthnUserID != nil && *u.WebauthnUserID != ""
}

// CheckEnabled fails with Forbidden when the account is disabled.
func (u *User) CheckEnabled() error {
	if !u.Enabled {
		return apperr.New(apperr.Forbidden, "user is disabled")
	}
	return nil
}

// CheckExpired fails with Forbidden when the account has an expiry in the past.
func (u *User) CheckExpired() error {
	if u.UserExpires != nil && time.Now().After(*u.UserExpires) {
		return apperr.New(apperr.Forbidden, "user has expired")
	}
	return nil
}

// UserValues is the side-table of optional profile values populated from
// upstream claims or the account page.
type UserValues struct {
	UserID    uuid.UUID `gorm:"type:text;primaryKey"`
	Birthdate *string
	Phone     *string
	Street    *string
	Zip       *string
	City      *string
	Country   *string
	UpdatedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Downstream clients
// -----------------------------------------------------------------------------

// Client is a downstream OIDC client allowed to request tokens.
// ID is the OAuth2 client_id and therefore a natural string key.
// Secret is only set for confidential clients and encrypted at rest.
//
// RedirectURIs, AllowedOrigins, FlowsEnabled and the scope fields are stored
// comma-separated; redirect comparison is exact match including any trailing
// slash.
type Client struct {
	ID        string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	Name         string          `gorm:"not null"`
	Enabled      bool            `gorm:"not null;default:true"`
	Confidential bool            `gorm:"not null;default:false"`
	Secret       EncryptedString `gorm:"type:text"`

	RedirectURIs   string `gorm:"column:redirect_uris;not null"`
	AllowedOrigins string `gorm:"not null;default:''"`
	FlowsEnabled   string `gorm:"not null;default:'authorization_code'"`

	AccessTokenAlg string `gorm:"not null;default:'EdDSA'"`
	IDTokenAlg     string `gorm:"not null;default:'RS256'"`

	AuthCodeLifetime    int `gorm:"not null;default:60"`   // seconds
	AccessTokenLifetime int `gorm:"not null;default:1800"` // seconds

	Scopes        string `gorm:"not null;default:'openid,email,profile'"`
	DefaultScopes string `gorm:"not null;default:'openid'"`

	ChallengeMethods string `gorm:"not null;default:'S256'"` // empty disables PKCE
	ForceMfa         bool   `gorm:"not null;default:false"`
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// GetRedirectURIs returns the allowed redirect URIs.
func (c *Client) GetRedirectURIs() []string { return splitCSV(c.RedirectURIs) }

// GetAllowedOrigins returns the allowed CORS origins.
func (c *Client) GetAllowedOrigins() []string { return splitCSV(c.AllowedOrigins) }

// GetScopes returns every scope the client may request.
func (c *Client) GetScopes() []string { return splitCSV(c.Scopes) }

// GetDefaultScopes returns the scopes applied when the request names none.
func (c *Client) GetDefaultScopes() []string { return splitCSV(c.DefaultScopes) }

// FlowEnabled reports whether the given grant type is allowed for the client.
func (c *Client) FlowEnabled(grant string) bool {
	for _, f := range splitCSV(c.FlowsEnabled) {
		if f == grant {
			return true
		}
	}
	return false
}

// PKCERequired reports whether the client must send a code challenge.
func (c *Client) PKCERequired() bool {
	return c.ChallengeMethods != ""
}

// ValidateRedirectURI fails with BadRequest unless uri exactly matches one of
// the registered redirect URIs.
func (c *Client) ValidateRedirectURI(uri string) error {
	for _, allowed := range c.GetRedirectURIs() {
		if allowed == uri {
			return nil
		}
	}
	return apperr.New(apperr.BadRequest, "invalid redirect_uri")
}

// ValidateCodeChallenge checks the challenge parameters against the client
// config. Only S256 is supported.
func (c *Client) ValidateCodeChallenge(challenge, method string) error {
	if !c.PKCERequired() {
		return nil
	}
	if challenge == "" {
		return apperr.New(apperr.BadRequest, "code_challenge is required for this client")
	}
	if method != "S256" {
		return apperr.New(apperr.BadRequest, "code_challenge_method must be S256")
	}
	return nil
}

// ValidateOrigin checks a browser Origin header against the allowed origins.
// An empty origin (non-CORS request) is always accepted. On success with a
// cross-origin request, the matching origin is returned so the handler can
// set Access-Control-Allow-Origin.
func (c *Client) ValidateOrigin(origin string) (string, error) {
	if origin == "" {
		return "", nil
	}
	for _, allowed := range c.GetAllowedOrigins() {
		if allowed == origin {
			return origin, nil
		}
	}
	return "", apperr.New(apperr.Forbidden, "origin not allowed for this client")
}

// SanitizeLoginScopes intersects the requested scopes with the client config.
// Unknown scopes are dropped rather than rejected; an empty request (or one
// with no surviving scope) falls back to the client's default scopes.
func (c *Client) SanitizeLoginScopes(requested []string) []string {
	if len(requested) == 0 {
		return c.GetDefaultScopes()
	}
	allowed := c.GetScopes()
	var out []string
	for _, s := range requested {
		for _, a := range allowed {
			if s == a {
				out = append(out, s)
				break
			}
		}
	}
	if len(out) == 0 {
		return c.GetDefaultScopes()
	}
	return out
}

// -----------------------------------------------------------------------------
// Upstream auth providers
// -----------------------------------------------------------------------------

// Auth provider type tags.
const (
	ProviderTypeCustom = "custom"
	ProviderTypeGithub = "github"
	ProviderTypeGoogle = "google"
	ProviderTypeOIDC   = "oidc"
)

// AuthProvider is an upstream identity provider used for federated logins.
// ClientSecret is encrypted at rest; a provider without a secret is treated
// as a public client. AdminClaimPath/MfaClaimPath are JSONPath expressions
// evaluated against the raw upstream claim JSON; a path without its value is
// a misconfiguration.
type AuthProvider struct {
	base
	Name    string `gorm:"not null"`
	Enabled bool   `gorm:"not null;default:true"`
	Type    string `gorm:"not null;default:'oidc'"`

	Issuer                string `gorm:"not null"`
	AuthorizationEndpoint string `gorm:"not null"`
	TokenEndpoint         string `gorm:"not null"`
	UserinfoEndpoint      string `gorm:"not null"`

	ClientID     string          `gorm:"not null"`
	ClientSecret EncryptedString `gorm:"type:text"`
	Scope        string          `gorm:"not null;default:'openid email profile'"`

	AdminClaimPath  *string
	AdminClaimValue *string
	MfaClaimPath    *string
	MfaClaimValue   *string

	AllowInsecureRequests bool `gorm:"not null;default:false"`
	UsePKCE               bool `gorm:"column:use_pkce;not null;default:true"`

	RootPEM *string `gorm:"column:root_pem;type:text"`
}

// Validate checks the claim-path invariants.
func (p *AuthProvider) Validate() error {
	if p.AdminClaimPath != nil && p.AdminClaimValue == nil {
		return apperr.New(apperr.BadRequest, "admin_claim_path requires admin_claim_value")
	}
	if p.MfaClaimPath != nil && p.MfaClaimValue == nil {
		return apperr.New(apperr.BadRequest, "mfa_claim_path requires mfa_claim_value")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// Session lifecycle states.
const (
	SessionStateInit    = "init"
	SessionStateAuth    = "auth"
	SessionStateAuthMfa = "auth_mfa"
)

// Session is a browser session. UserID is nil while the session is in the
// Init state. Exp is the absolute expiry; LastSeen drives the idle timeout.
// The id is set as a cookie; the CSRF token is only ever handed out through
// an authenticated API and echoed back in a header.
type Session struct {
	ID        string `gorm:"primaryKey"`
	CsrfToken string `gorm:"not null"`

	UserID *uuid.UUID `gorm:"type:text;index"`
	Roles  string     `gorm:"not null;default:''"`
	Groups string     `gorm:"not null;default:''"`

	State string `gorm:"not null;default:'init'"`
	IsMfa bool   `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null"`
	LastSeen  int64     `gorm:"not null"`
	Exp       int64     `gorm:"not null;index"`

	RemoteIP string `gorm:"not null;default:''"`
}

// IsAuthenticated reports whether the session has passed credential checks.
func (s *Session) IsAuthenticated() bool {
	return s.State == SessionStateAuth || s.State == SessionStateAuthMfa
}

// IsValid reports whether the session is neither expired nor idle-timed-out.
func (s *Session) IsValid(idleTimeout time.Duration) bool {
	now := time.Now().Unix()
	if now > s.Exp {
		return false
	}
	if idleTimeout > 0 && now > s.LastSeen+int64(idleTimeout.Seconds()) {
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// JWKs
// -----------------------------------------------------------------------------

// Jwk is a persisted signing key pair. Encrypted holds the PKCS#8 DER bytes
// of the private key sealed under the master key named by EncKeyID. The
// public JWKS view is derived from these records, never stored separately.
type Jwk struct {
	Kid       string `gorm:"primaryKey"`
	CreatedAt int64  `gorm:"not null;index"`
	Alg       string `gorm:"not null;index"`
	EncKeyID  string `gorm:"not null"`
	Encrypted []byte `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Refresh tokens
// -----------------------------------------------------------------------------

// RefreshToken records an issued refresh token for revocation checks.
// Only the SHA-256 hash of the raw token is stored. Tokens are rotated on
// every use: redemption deletes the old record before the new set is issued.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	ClientID  string    `gorm:"not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	IsMfa     bool      `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// API keys
// -----------------------------------------------------------------------------

// ApiKey is a machine credential for admin operations. The raw secret is
// shown once on creation; only its SHA-256 hash is stored. Access holds the
// JSON-encoded access matrix evaluated by the request principal.
type ApiKey struct {
	base
	Name       string `gorm:"uniqueIndex;not null"`
	SecretHash string `gorm:"not null"`
	Enabled    bool   `gorm:"not null;default:true"`
	ExpiresAt  *time.Time
	Access     string `gorm:"type:text;not null;default:'[]'"`
}
