package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	// SessionCookie holds the raw ID token issued at login.
	SessionCookie = "vanguard_session"

	stateTTL        = 10 * time.Minute
	exchangeTimeout = 15 * time.Second
)

// OIDCConfig configures the OIDC authenticator.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// LoginHook runs after a successful login, before the session cookie is set.
type LoginHook func(ctx context.Context, identity string) error

// OIDC verifies ID tokens and runs the authorization code flow.
type OIDC struct {
	verifier   *oidc.IDTokenVerifier
	oauth2Cfg  *oauth2.Config
	states     *stateStore
	onLogin    LoginHook
	httpClient *http.Client
	now        func() time.Time
}

// NewOIDC discovers the provider at cfg.IssuerURL.
func NewOIDC(ctx context.Context, cfg OIDCConfig, onLogin LoginHook) (*OIDC, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover OIDC provider: %w", err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	oauth2Cfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return NewOIDCWithVerifier(verifier, oauth2Cfg, onLogin), nil
}

// NewOIDCWithVerifier builds an authenticator from an existing verifier.
func NewOIDCWithVerifier(verifier *oidc.IDTokenVerifier, oauth2Cfg *oauth2.Config, onLogin LoginHook) *OIDC {
	return &OIDC{
		verifier:  verifier,
		oauth2Cfg: oauth2Cfg,
		states:    newStateStore(),
		onLogin:   onLogin,
		now:       time.Now,
	}
}

// Authenticate accepts a bearer ID token or the session cookie.
func (o *OIDC) Authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		if c, err := r.Cookie(SessionCookie); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return "", ErrUnauthenticated
	}

	token, err := o.verifier.Verify(r.Context(), raw)
	if err != nil {
		log.Debug().Err(err).Msg("Rejected ID token")
		return "", ErrUnauthenticated
	}
	if token.Subject == "" || len(token.Subject) > maxIdentityLength {
		return "", ErrUnauthenticated
	}
	return token.Subject, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// LoginHandler redirects to the provider.
func (o *OIDC) LoginHandler(w http.ResponseWriter, r *http.Request) {
	returnTo := sanitizeReturnTo(r.URL.Query().Get("returnTo"))

	state, entry, err := o.states.newEntry(returnTo, o.now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to create OIDC state entry")
		http.Error(w, "unable to start login", http.StatusInternalServerError)
		return
	}

	authURL := o.oauth2Cfg.AuthCodeURL(state,
		oidc.Nonce(entry.Nonce),
		oauth2.S256ChallengeOption(entry.CodeVerifier),
	)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// CallbackHandler completes the code flow, runs the login hook and sets the
// session cookie.
func (o *OIDC) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		log.Warn().Str("error", errParam).Msg("OIDC provider returned error")
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}

	entry, ok := o.states.consume(query.Get("state"), o.now())
	if !ok {
		http.Error(w, "invalid or expired login state", http.StatusBadRequest)
		return
	}
	code := query.Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()
	if o.httpClient != nil {
		ctx = oidc.ClientContext(ctx, o.httpClient)
	}

	token, err := o.oauth2Cfg.Exchange(ctx, code, oauth2.VerifierOption(entry.CodeVerifier))
	if err != nil {
		log.Error().Err(err).Msg("OIDC code exchange failed")
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}

	idToken, err := o.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		log.Error().Err(err).Msg("Failed to verify ID token")
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}
	if idToken.Nonce != entry.Nonce {
		log.Warn().Str("subject", idToken.Subject).Msg("ID token nonce mismatch")
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}

	if o.onLogin != nil {
		if err := o.onLogin(ctx, idToken.Subject); err != nil {
			log.Error().Err(err).Str("subject", idToken.Subject).Msg("Login hook failed")
			http.Error(w, "login unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    rawIDToken,
		Path:     "/",
		Expires:  idToken.Expiry,
		HttpOnly: true,
		Secure:   strings.HasPrefix(o.oauth2Cfg.RedirectURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
	log.Info().Str("subject", idToken.Subject).Msg("OIDC login completed")
	http.Redirect(w, r, entry.ReturnTo, http.StatusFound)
}

// sanitizeReturnTo only allows same-origin relative paths.
func sanitizeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host != "" || u.Scheme != "" {
		return "/"
	}
	return raw
}

type stateEntry struct {
	Nonce        string
	CodeVerifier string
	ReturnTo     string
	ExpiresAt    time.Time
}

type stateStore struct {
	mu      sync.Mutex
	entries map[string]*stateEntry
}

func newStateStore() *stateStore {
	return &stateStore{entries: make(map[string]*stateEntry)}
}

func (s *stateStore) newEntry(returnTo string, now time.Time) (string, *stateEntry, error) {
	state, err := randomToken()
	if err != nil {
		return "", nil, err
	}
	nonce, err := randomToken()
	if err != nil {
		return "", nil, err
	}
	entry := &stateEntry{
		Nonce:        nonce,
		CodeVerifier: oauth2.GenerateVerifier(),
		ReturnTo:     returnTo,
		ExpiresAt:    now.Add(stateTTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if now.After(e.ExpiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[state] = entry
	return state, entry, nil
}

func (s *stateStore) consume(state string, now time.Time) (*stateEntry, bool) {
	if state == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[state]
	if !ok {
		return nil, false
	}
	delete(s.entries, state)
	if now.After(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
