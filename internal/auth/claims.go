package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/goccy/go-json"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/db"
	"github.com/veridian-auth/veridian/internal/repository"
)

// upstreamClaims is the identity payload extracted from an upstream ID token
// or userinfo response. Sub/ID/UID stay raw because providers send strings
// or numbers interchangeably; the raw JSON is kept for claim-path mapping.
type upstreamClaims struct {
	Sub json.RawMessage `json:"sub"`
	ID  json.RawMessage `json:"id"`
	UID json.RawMessage `json:"uid"`

	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`

	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`

	Address   *upstreamAddressClaims `json:"address"`
	Birthdate string                 `json:"birthdate"`
	Locale    string                 `json:"locale"`
	Phone     string                 `json:"phone"`

	raw []byte
}

// upstreamAddressClaims is the optional OIDC address claim. The postal code
// stays raw because providers send strings or numbers interchangeably.
type upstreamAddressClaims struct {
	Formatted     string          `json:"formatted"`
	StreetAddress string          `json:"street_address"`
	Locality      string          `json:"locality"`
	PostalCode    json.RawMessage `json:"postal_code"`
	Country       string          `json:"country"`
}

// postalCode coerces the raw postal code to a string.
func (a *upstreamAddressClaims) postalCode() string {
	if len(a.PostalCode) == 0 || string(a.PostalCode) == "null" {
		return ""
	}
	var asString string
	if err := json.Unmarshal(a.PostalCode, &asString); err == nil {
		return asString
	}
	return strings.TrimSpace(string(a.PostalCode))
}

// parseUpstreamClaims decodes raw claim JSON, keeping the original bytes.
func parseUpstreamClaims(raw []byte) (*upstreamClaims, error) {
	var claims upstreamClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "decoding upstream claims", err)
	}
	claims.raw = raw
	return &claims, nil
}

// foreignUID derives the stable upstream user id from the first of
// sub | id | uid that is present. JSON numbers are coerced to their string
// rendering early — every downstream lookup uses strings.
func (c *upstreamClaims) foreignUID() (string, error) {
	for _, raw := range []json.RawMessage{c.Sub, c.ID, c.UID} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil {
			return asString, nil
		}
		// A number (or anything else): the raw JSON text is the id.
		return strings.TrimSpace(string(raw)), nil
	}
	return "", apperr.New(apperr.BadRequest, "cannot find any user id in the upstream response")
}

// givenName falls back to splitting name on the first whitespace, then "N/A".
func (c *upstreamClaims) givenName() string {
	if c.GivenName != "" {
		return c.GivenName
	}
	if c.Name != "" {
		if given, _, found := strings.Cut(c.Name, " "); found {
			return given
		}
	}
	return "N/A"
}

// familyName mirrors givenName for the second half of name.
func (c *upstreamClaims) familyName() string {
	if c.FamilyName != "" {
		return c.FamilyName
	}
	if c.Name != "" {
		if _, family, found := strings.Cut(c.Name, " "); found {
			return family
		}
	}
	return "N/A"
}

// matchClaimPath evaluates a JSONPath against the raw claims and reports
// whether any resulting node equals the configured value. evaluated is false
// when the path cannot be parsed or applied at all — the caller then leaves
// existing role assignments untouched.
//
// The comparison renders non-string nodes through their canonical JSON form
// and compares against the configured value as text, so numeric or boolean
// claims only match when the configured value is spelled the same way.
func matchClaimPath(raw []byte, path, value string) (matched, evaluated bool) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, false
	}

	result, err := jsonpath.Get(path, doc)
	if err != nil {
		return false, false
	}

	nodes, ok := result.([]any)
	if !ok {
		nodes = []any{result}
	}
	for _, node := range nodes {
		if claimNodeEquals(node, value) {
			return true, true
		}
	}
	return false, true
}

func claimNodeEquals(node any, value string) bool {
	if s, ok := node.(string); ok {
		return s == value
	}
	rendered, err := json.Marshal(node)
	if err != nil {
		return false
	}
	return string(rendered) == value
}

// reconcileClaims maps upstream claims onto a local user: lookup by
// (provider, foreign uid), the account-takeover guards, profile updates,
// role mapping, the MFA signal, and the optional side values. It returns
// the user together with whether the upstream login counts as MFA.
func (s *Service) reconcileClaims(ctx context.Context, provider *db.AuthProvider, claims *upstreamClaims) (*db.User, bool, error) {
	if claims.Email == "" {
		return nil, false, apperr.New(apperr.BadRequest, "no 'email' in upstream claims - this is a mandatory claim")
	}

	foreignUID, err := claims.foreignUID()
	if err != nil {
		return nil, false, err
	}

	// Role mapping from the admin claim. nil means "path not configured,
	// do not touch manual assignments".
	var shouldBeAdmin *bool
	if provider.AdminClaimPath != nil {
		if provider.AdminClaimValue == nil {
			return nil, false, apperr.New(apperr.Internal, "misconfigured provider: admin claim path without value")
		}
		if matched, evaluated := matchClaimPath(claims.raw, *provider.AdminClaimPath, *provider.AdminClaimValue); evaluated {
			shouldBeAdmin = &matched
		} else {
			s.logger.Error("admin claim path could not be evaluated")
		}
	}

	providerMfa := false
	if provider.MfaClaimPath != nil {
		if provider.MfaClaimValue == nil {
			return nil, false, apperr.New(apperr.Internal, "misconfigured provider: mfa claim path without value")
		}
		if matched, evaluated := matchClaimPath(claims.raw, *provider.MfaClaimPath, *provider.MfaClaimValue); evaluated && matched {
			providerMfa = true
		}
	}

	now := time.Now()

	existing, err := s.users.GetByFederation(ctx, provider.ID, foreignUID)
	switch {
	case err == nil:
		// The canonical federation-linked user. A mismatch on either link
		// field is a takeover attempt through a re-created upstream account.
		var forbidden string
		if existing.FederationUID == nil || *existing.FederationUID != foreignUID {
			forbidden = "non-federated user or ID mismatch"
		}
		if existing.AuthProviderID == nil || *existing.AuthProviderID != provider.ID {
			forbidden = "invalid login from wrong auth provider"
		}
		if forbidden != "" {
			existing.LastFailedLogin = &now
			existing.FailedLoginAttempts++
			if err := s.users.Update(ctx, existing); err != nil {
				s.logger.Warn("recording failed federation login failed")
			}
			return nil, false, apperr.New(apperr.Forbidden, forbidden)
		}

		existing.Email = claims.Email
		existing.GivenName = claims.givenName()
		existing.FamilyName = claims.familyName()
		applyAdminRole(existing, shouldBeAdmin)
		existing.LastLogin = &now
		existing.LastFailedLogin = nil
		existing.FailedLoginAttempts = 0

		if err := s.users.Update(ctx, existing); err != nil {
			return nil, false, err
		}
		if err := s.upsertClaimValues(ctx, existing, claims); err != nil {
			return nil, false, err
		}
		return existing, providerMfa, nil

	case errors.Is(err, repository.ErrNotFound):
		// No federation link. If the email already belongs to another user,
		// creating or linking would allow an account takeover through an
		// attacker-controlled upstream account.
		if _, emailErr := s.users.GetByEmail(ctx, claims.Email); emailErr == nil {
			return nil, false, apperr.Errorf(apperr.Forbidden,
				"user with email '%s' already exists but is not linked to this provider", claims.Email)
		} else if !errors.Is(emailErr, repository.ErrNotFound) {
			return nil, false, emailErr
		}

		language := "en"
		if claims.Locale != "" {
			language = normalizeLanguage(claims.Locale)
		}

		user := &db.User{
			Email:          claims.Email,
			GivenName:      claims.givenName(),
			FamilyName:     claims.familyName(),
			Enabled:        true,
			EmailVerified:  claims.EmailVerified,
			Language:       language,
			AuthProviderID: &provider.ID,
			FederationUID:  &foreignUID,
			LastLogin:      &now,
		}
		if shouldBeAdmin != nil && *shouldBeAdmin {
			user.Roles = db.RoleAdmin
		}

		if err := s.users.Create(ctx, user); err != nil {
			return nil, false, err
		}
		if err := s.upsertClaimValues(ctx, user, claims); err != nil {
			return nil, false, err
		}
		return user, providerMfa, nil

	default:
		return nil, false, err
	}
}

// applyAdminRole re-maps the admin role from the upstream claim. A nil
// decision leaves the roles untouched so manually assigned admins survive
// providers without a claim mapping.
func applyAdminRole(user *db.User, shouldBeAdmin *bool) {
	if shouldBeAdmin == nil {
		return
	}

	roles := user.GetRoles()
	has := user.HasRole(db.RoleAdmin)

	if *shouldBeAdmin && !has {
		user.SetRoles(append([]string{db.RoleAdmin}, roles...))
	} else if !*shouldBeAdmin && has {
		var kept []string
		for _, r := range roles {
			if r != db.RoleAdmin {
				kept = append(kept, r)
			}
		}
		user.SetRoles(kept)
	}
}

// upsertClaimValues stores the optional profile claims in the side table,
// merging with whatever is already there.
func (s *Service) upsertClaimValues(ctx context.Context, user *db.User, claims *upstreamClaims) error {
	if claims.Birthdate == "" && claims.Phone == "" && claims.Address == nil {
		return nil
	}

	values, err := s.users.GetValues(ctx, user.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		values = &db.UserValues{UserID: user.ID}
	}

	if claims.Birthdate != "" {
		values.Birthdate = &claims.Birthdate
	}
	if claims.Phone != "" {
		values.Phone = &claims.Phone
	}
	if addr := claims.Address; addr != nil {
		if addr.StreetAddress != "" {
			values.Street = &addr.StreetAddress
		}
		if zip := addr.postalCode(); zip != "" {
			values.Zip = &zip
		}
		if addr.Locality != "" {
			values.City = &addr.Locality
		}
		if addr.Country != "" {
			values.Country = &addr.Country
		}
	}
	values.UpdatedAt = time.Now()

	return s.users.UpsertValues(ctx, values)
}

// normalizeLanguage maps an upstream locale ("de-DE", "en_US") to the
// two-letter language tag the UI understands.
func normalizeLanguage(locale string) string {
	lang := strings.ToLower(locale)
	for _, sep := range []string{"-", "_"} {
		if i := strings.Index(lang, sep); i > 0 {
			lang = lang[:i]
		}
	}
	if len(lang) != 2 {
		return "en"
	}
	return lang
}
