package credential

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"idcore/internal/crypto"
	"idcore/internal/document"
	"idcore/internal/engine"
	"idcore/internal/event"
	"idcore/internal/identity"
	"idcore/internal/obs"
	"idcore/internal/role"
	"idcore/internal/store"
)

var (
	// ErrAccessDenied rejects reset/set attempts by anyone other than an
	// administrator, a system identity, or the subject themself.
	ErrAccessDenied = errors.New("credential: access denied")
	// ErrInvalidToken rejects a reset token that cannot be decoded or whose
	// claims are wrong.
	ErrInvalidToken = errors.New("credential: invalid token")
	// ErrTokenExpired rejects a reset token past its expiry.
	ErrTokenExpired = errors.New("credential: token expired")
	// ErrTooManyResets rejects reset requests beyond the per-membership
	// issuance rate.
	ErrTooManyResets = errors.New("credential: too many reset requests")
)

const tokenTypeReset = "reset_token"

// Reset issuance is limited per membership.
const (
	resetInterval = time.Minute
	resetBurst    = 5
)

type resetClaims struct {
	TokenType    string `json:"token_type"`
	MembershipID string `json:"membership_id"`
	jwt.RegisteredClaims
}

// ResetToken is the minted reset credential handed to the delivery consumer.
type ResetToken struct {
	Token     string
	ExpiresAt time.Time
	Link      string
}

// Service implements the credential lifecycle over the users engine.
type Service struct {
	users       *engine.Engine
	memberships identity.MembershipStore
	emitter     *event.Emitter
	log         *zap.SugaredLogger
	now         func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService wires the credential service over the users engine.
func NewService(users *engine.Engine, memberships identity.MembershipStore, emitter *event.Emitter, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = obs.NopLogger()
	}
	return &Service{
		users:       users,
		memberships: memberships,
		emitter:     emitter,
		log:         log,
		now:         time.Now,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// PrepareDocument is the users-engine hook that turns a plaintext "password"
// payload field into the stored hash. Creation requires a password; updates
// only re-hash when one is supplied.
func PrepareDocument(_ context.Context, m identity.Membership, doc, prior document.Document) error {
	raw, ok := doc["password"]
	if prior != nil && !ok {
		return nil
	}
	password, err := EnsurePassword(raw)
	if err != nil {
		return err
	}
	hash, err := Hash(m, password)
	if err != nil {
		return err
	}
	delete(doc, "password")
	doc[document.FieldPasswordHash] = hash
	return nil
}

// ChangePassword hashes the new password and writes it directly onto the
// stored user record, then emits a PasswordChanged event carrying the old
// and new snapshots without their hashes.
func (s *Service) ChangePassword(ctx context.Context, utz identity.Utilizer, membershipID, userID, newPassword string) (err error) {
	start := s.now()
	defer func() { obs.ObserveOperation("credentials", "change_password", start, err) }()

	m, err := s.memberships.Get(ctx, membershipID)
	if err != nil {
		return err
	}
	current, err := s.loadUser(ctx, membershipID, store.ByID(userID))
	if err != nil {
		return err
	}
	password, err := EnsurePassword(newPassword)
	if err != nil {
		return err
	}
	hash, err := Hash(m, password)
	if err != nil {
		return err
	}

	updated := document.Clone(current)
	updated[document.FieldPasswordHash] = hash
	updated[document.FieldSys] = identity.SysDocument(identity.SysFromDocument(current).Touch(utz, s.now().UTC()))

	if err = ctx.Err(); err != nil {
		return err
	}
	if err = s.users.Store().Replace(context.WithoutCancel(ctx), s.users.Collection(), userID, updated); err != nil {
		return err
	}
	s.emitter.Emit(context.WithoutCancel(ctx), event.Event{
		MembershipID: membershipID,
		Type:         event.PasswordChanged,
		Utilizer:     utz,
		Document:     sanitize(updated),
		Prior:        sanitize(current),
		At:           s.now().UTC(),
	})
	s.log.Infow("password changed", "membership_id", membershipID, "user_id", userID)
	return nil
}

// ResetPassword mints a signed reset token for the user matched by email or
// username and emits a PasswordReset event carrying the token and the
// encrypted redemption link for external delivery.
func (s *Service) ResetPassword(ctx context.Context, utz identity.Utilizer, membershipID, emailOrUsername string) (tok ResetToken, err error) {
	start := s.now()
	defer func() { obs.ObserveOperation("credentials", "reset_password", start, err) }()

	m, err := s.memberships.Get(ctx, membershipID)
	if err != nil {
		return ResetToken{}, err
	}
	user, err := s.loadUser(ctx, membershipID, identifierFilter(emailOrUsername))
	if err != nil {
		return ResetToken{}, err
	}
	userID := document.ID(user)
	if !authorized(utz, userID) {
		return ResetToken{}, ErrAccessDenied
	}
	if !s.limiter(membershipID).Allow() {
		return ResetToken{}, ErrTooManyResets
	}

	ttl := m.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := s.now().UTC()
	expiresAt := now.Add(ttl)
	claims := resetClaims{
		TokenType:    tokenTypeReset,
		MembershipID: membershipID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.SecretKey))
	if err != nil {
		return ResetToken{}, fmt.Errorf("sign token: %w", err)
	}
	link, err := buildResetLink(m.SecretKey, signed, userID, membershipID)
	if err != nil {
		return ResetToken{}, err
	}

	s.emitter.Emit(context.WithoutCancel(ctx), event.Event{
		MembershipID: membershipID,
		Type:         event.PasswordReset,
		Utilizer:     utz,
		Document:     sanitize(user),
		Extra: document.Document{
			"token":           signed,
			"link":            link,
			"membership_id":   m.ID,
			"membership_name": m.Name,
		},
		At: now,
	})
	s.log.Infow("password reset issued", "membership_id", membershipID, "user_id", userID)
	return ResetToken{Token: signed, ExpiresAt: expiresAt, Link: link}, nil
}

// SetPassword redeems a reset token: it re-checks the authorization gate,
// verifies the token signature and claims, then delegates to ChangePassword.
func (s *Service) SetPassword(ctx context.Context, utz identity.Utilizer, membershipID, token, emailOrUsername, newPassword string) (err error) {
	start := s.now()
	defer func() { obs.ObserveOperation("credentials", "set_password", start, err) }()

	m, err := s.memberships.Get(ctx, membershipID)
	if err != nil {
		return err
	}
	user, err := s.loadUser(ctx, membershipID, identifierFilter(emailOrUsername))
	if err != nil {
		return err
	}
	userID := document.ID(user)
	if !authorized(utz, userID) {
		return ErrAccessDenied
	}

	claims := &resetClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return []byte(m.SecretKey), nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrTokenExpired
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TokenType != tokenTypeReset || claims.Subject != userID || claims.MembershipID != membershipID {
		return ErrInvalidToken
	}
	return s.ChangePassword(ctx, utz, membershipID, userID, newPassword)
}

// CheckPassword verifies the utilizer's own password. An empty input is a
// plain false, not an error.
func (s *Service) CheckPassword(ctx context.Context, utz identity.Utilizer, password string) (ok bool, err error) {
	start := s.now()
	defer func() { obs.ObserveOperation("credentials", "check_password", start, err) }()

	if password == "" {
		return false, nil
	}
	if _, err = s.memberships.Get(ctx, utz.MembershipID); err != nil {
		return false, err
	}
	user, err := s.loadUser(ctx, utz.MembershipID, store.ByID(utz.ID))
	if err != nil {
		return false, err
	}
	hash, _ := document.GetString(user, document.FieldPasswordHash)
	return Verify(hash, password)
}

// loadUser fetches the raw user document, hash included.
func (s *Service) loadUser(ctx context.Context, membershipID string, f store.Filter) (document.Document, error) {
	doc, err := s.users.Store().FindOne(ctx, s.users.Collection(), store.InMembership(membershipID, f))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user", engine.ErrNotFound)
	}
	return doc, err
}

func (s *Service) limiter(membershipID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[membershipID]
	if !ok {
		l = rate.NewLimiter(rate.Every(resetInterval), resetBurst)
		s.limiters[membershipID] = l
	}
	return l
}

func authorized(utz identity.Utilizer, userID string) bool {
	return utz.IsSystem() || utz.Role == role.ReservedAdministrator || utz.ID == userID
}

func identifierFilter(emailOrUsername string) store.Filter {
	return store.Or(
		store.Eq("email", emailOrUsername),
		store.Eq("username", emailOrUsername),
	)
}

// buildResetLink seals the token and routing metadata with the membership
// secret. Sensitive fields are encrypted individually, the assembled field
// set is encrypted again, and the result is URL-encoded into the redemption
// link.
func buildResetLink(secret, token, userID, membershipID string) (string, error) {
	cipher, err := crypto.ForSecret(secret)
	if err != nil {
		return "", err
	}
	encToken, err := cipher.Encrypt(token)
	if err != nil {
		return "", err
	}
	encUser, err := cipher.Encrypt(userID)
	if err != nil {
		return "", err
	}
	assembled := url.Values{
		"token":      {encToken},
		"user":       {encUser},
		"membership": {membershipID},
	}
	sealed, err := cipher.Encrypt(assembled.Encode())
	if err != nil {
		return "", err
	}
	return "/password/reset?payload=" + url.QueryEscape(sealed), nil
}

func sanitize(doc document.Document) document.Document {
	out := document.Clone(doc)
	delete(out, document.FieldPasswordHash)
	return out
}
