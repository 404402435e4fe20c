// Package accesstoken obtains Google OAuth2 access tokens for a service account
// and caches them until shortly before they expire.
//
// The exchange follows the JWT bearer grant: an RS256 assertion signed with the
// service account's private key is posted to its token_uri and traded for a
// short-lived bearer token. Tokens are kept in process and, when a shared cache
// is configured, in Redis so every replica reuses the same token.
package accesstoken

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/imroc/req/v3"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	jwtBearerGrantType   = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	defaultTokenURI      = "https://oauth2.googleapis.com/token"
	assertionLifetime    = time.Hour
	defaultRefreshMargin = 5 * time.Minute
	exchangeTimeout      = 15 * time.Second
)

// Scopes needed to send FCM messages and write to the Realtime Database.
const (
	ScopeFirebaseMessaging = "https://www.googleapis.com/auth/firebase.messaging"
	ScopeFirebaseDatabase  = "https://www.googleapis.com/auth/firebase.database"
	ScopeUserInfoEmail     = "https://www.googleapis.com/auth/userinfo.email"
)

var (
	ErrNoCredentials = errors.New("no service account credentials configured")
	ErrExchange      = errors.New("access token exchange failed")
)

// ServiceAccountKey is the subset of a Google service account JSON key we need.
type ServiceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccountKey decodes and checks a JSON key.
func ParseServiceAccountKey(raw []byte) (ServiceAccountKey, error) {
	var key ServiceAccountKey
	if len(strings.TrimSpace(string(raw))) == 0 {
		return key, ErrNoCredentials
	}
	if err := json.Unmarshal(raw, &key); err != nil {
		return key, fmt.Errorf("service account key malformed: %w", err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return key, fmt.Errorf("service account key missing client_email or private_key")
	}
	if key.TokenURI == "" {
		key.TokenURI = defaultTokenURI
	}
	return key, nil
}

// LoadServiceAccountKey reads a key from inline JSON, falling back to a file path.
func LoadServiceAccountKey(inlineJSON, path string) (ServiceAccountKey, error) {
	if strings.TrimSpace(inlineJSON) != "" {
		return ParseServiceAccountKey([]byte(inlineJSON))
	}
	if path == "" {
		return ServiceAccountKey{}, ErrNoCredentials
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ServiceAccountKey{}, fmt.Errorf("failed to read service account key: %w", err)
	}
	return ParseServiceAccountKey(raw)
}

// SharedCache is the subset of the Redis client used to share tokens between replicas.
type SharedCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Option configures a Source.
type Option func(*Source)

// WithSharedCache stores tokens in a cache shared by all replicas.
func WithSharedCache(c SharedCache) Option {
	return func(s *Source) { s.shared = c }
}

// WithRefreshMargin sets how long before expiry a token is considered stale.
func WithRefreshMargin(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.margin = d
		}
	}
}

// WithHTTPClient replaces the client used for the token exchange.
func WithHTTPClient(c *req.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l.With("component", "AccessTokenSource") }
}

// Source hands out cached access tokens for one service account and scope set.
type Source struct {
	key    ServiceAccountKey
	scopes []string
	signer *rsa.PrivateKey

	client *req.Client
	shared SharedCache
	margin time.Duration
	now    func() time.Time
	logger *slog.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	current *oauth2.Token
}

// NewSource parses the private key and prepares the exchange client.
func NewSource(key ServiceAccountKey, scopes []string, opts ...Option) (*Source, error) {
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, ErrNoCredentials
	}
	signer, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account private key: %w", err)
	}
	if key.TokenURI == "" {
		key.TokenURI = defaultTokenURI
	}
	s := &Source{
		key:    key,
		scopes: scopes,
		signer: signer,
		client: req.C().SetTimeout(exchangeTimeout),
		margin: defaultRefreshMargin,
		now:    time.Now,
		logger: slog.Default().With("component", "AccessTokenSource"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ProjectID returns the project the service account belongs to.
func (s *Source) ProjectID() string {
	return s.key.ProjectID
}

// Token returns a bearer token that stays valid for at least the refresh margin.
func (s *Source) Token(ctx context.Context) (*oauth2.Token, error) {
	if tok := s.cached(); tok != nil {
		return tok, nil
	}

	// One exchange at a time; late arrivals share its result.
	v, err, _ := s.group.Do(s.cacheKey(), func() (interface{}, error) {
		if tok := s.cached(); tok != nil {
			return tok, nil
		}
		if tok := s.fromShared(ctx); tok != nil {
			s.store(tok)
			return tok, nil
		}
		tok, err := s.exchange(ctx)
		if err != nil {
			return nil, err
		}
		s.store(tok)
		s.toShared(ctx, tok)
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// Invalidate drops the cached token, forcing the next call to exchange again.
func (s *Source) Invalidate(ctx context.Context) {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	if s.shared != nil {
		if err := s.shared.Del(ctx, s.cacheKey()); err != nil {
			s.logger.Warn("Failed to drop shared access token", "err", err)
		}
	}
}

// TokenSource adapts the cache to oauth2.TokenSource for Google client libraries.
func (s *Source) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, src: s}
}

type tokenSource struct {
	ctx context.Context
	src *Source
}

func (t *tokenSource) Token() (*oauth2.Token, error) {
	return t.src.Token(t.ctx)
}

func (s *Source) fresh(tok *oauth2.Token) bool {
	return tok != nil && tok.AccessToken != "" && s.now().Add(s.margin).Before(tok.Expiry)
}

func (s *Source) cached() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fresh(s.current) {
		return s.current
	}
	return nil
}

func (s *Source) store(tok *oauth2.Token) {
	s.mu.Lock()
	s.current = tok
	s.mu.Unlock()
}

// sharedToken is the cached representation; oauth2.Token carries unexported state.
type sharedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
}

func (s *Source) fromShared(ctx context.Context) *oauth2.Token {
	if s.shared == nil {
		return nil
	}
	var st sharedToken
	if err := s.shared.Get(ctx, s.cacheKey(), &st); err != nil {
		return nil
	}
	tok := &oauth2.Token{AccessToken: st.AccessToken, TokenType: st.TokenType, Expiry: st.Expiry}
	if !s.fresh(tok) {
		return nil
	}
	return tok
}

func (s *Source) toShared(ctx context.Context, tok *oauth2.Token) {
	if s.shared == nil {
		return
	}
	ttl := tok.Expiry.Sub(s.now()) - s.margin
	if ttl <= 0 {
		return
	}
	st := sharedToken{AccessToken: tok.AccessToken, TokenType: tok.TokenType, Expiry: tok.Expiry}
	if err := s.shared.Set(ctx, s.cacheKey(), st, ttl); err != nil {
		s.logger.Warn("Failed to share access token", "err", err)
	}
}

func (s *Source) cacheKey() string {
	sum := sha256.Sum256([]byte(strings.Join(s.scopes, " ")))
	return fmt.Sprintf("accesstoken:%s:%s", s.key.ClientEmail, hex.EncodeToString(sum[:8]))
}

func (s *Source) assertion(now time.Time) (string, error) {
	// aud must be a plain string; RegisteredClaims would encode it as an array.
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   s.key.ClientEmail,
		"scope": strings.Join(s.scopes, " "),
		"aud":   s.key.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	})
	if s.key.PrivateKeyID != "" {
		token.Header["kid"] = s.key.PrivateKeyID
	}
	signed, err := token.SignedString(s.signer)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}

type exchangeResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (s *Source) exchange(ctx context.Context) (*oauth2.Token, error) {
	now := s.now()
	assertion, err := s.assertion(now)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type": jwtBearerGrantType,
			"assertion":  assertion,
		}).
		SetHeader("Accept", "application/json").
		Post(s.key.TokenURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchange, err)
	}
	body, err := resp.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrExchange, err)
	}

	var out exchangeResponse
	_ = json.Unmarshal(body, &out)
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("%w: status %d: %s %s", ErrExchange, resp.GetStatusCode(), out.Error, out.ErrorDescription)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carried no access_token", ErrExchange)
	}
	if out.TokenType == "" {
		out.TokenType = "Bearer"
	}

	s.logger.Debug("Exchanged service account assertion", "expires_in", out.ExpiresIn)
	return &oauth2.Token{
		AccessToken: out.AccessToken,
		TokenType:   out.TokenType,
		Expiry:      now.Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}
