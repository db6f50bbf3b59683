package auth

import (
	"context"
	"crypto/rand"
	"docrelay/config"
	"docrelay/core"
	"docrelay/middleware"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	tokenTTL        = 7 * 24 * time.Hour
	stateCookieName = "oauth_state"
	githubUserURL   = "https://api.github.com/user"
)

// AppClaims are the custom claims carried by issued tokens.
type AppClaims struct {
	jwt.RegisteredClaims
	Login string `json:"login"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name"`
}

// OIDCClaims are the claims read from an OIDC ID token.
type OIDCClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Sub               string `json:"sub"`
}

// Authenticator issues and verifies JWTs and drives the optional OAuth login
// flow. It implements core.IdentityVerifier.
type Authenticator struct {
	secret []byte
	now    func() time.Time

	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	provider    string
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Configured reports whether tokens can be issued and verified.
func (a *Authenticator) Configured() bool {
	return len(a.secret) > 0
}

// InitProviders wires an OIDC provider when configured, falling back to GitHub.
func (a *Authenticator) InitProviders(ctx context.Context, cfg config.OAuthConfig) {
	switch {
	case cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != "":
		logrus.Info("Initializing OIDC authentication provider.")
		provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
		if err != nil {
			logrus.WithError(err).Error("Failed to create OIDC provider")
			return
		}
		a.oauthConfig = &oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
			Endpoint:     provider.Endpoint(),
		}
		a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID})
		a.provider = "oidc"
	case cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "":
		logrus.Info("Initializing GitHub authentication provider.")
		a.oauthConfig = &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		}
		a.provider = "github"
	default:
		logrus.Warn("No authentication provider configured.")
	}
}

// IssueToken signs a token for identity.
func (a *Authenticator) IssueToken(identity *core.Identity) (string, error) {
	if !a.Configured() {
		return "", fmt.Errorf("jwt secret is not configured")
	}
	now := a.now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Login: identity.Login,
		Email: identity.Email,
		Name:  identity.Name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseJWT validates tokenString and returns its claims.
func (a *Authenticator) ParseJWT(tokenString string) (*AppClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*AppClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

func (a *Authenticator) Verify(ctx context.Context, credential string) (*core.Identity, error) {
	if !a.Configured() {
		return nil, fmt.Errorf("%w: jwt secret is not configured", core.ErrUnauthorized)
	}
	if credential == "" {
		return nil, fmt.Errorf("%w: missing token", core.ErrUnauthorized)
	}
	claims, err := a.ParseJWT(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", core.ErrUnauthorized)
	}
	return &core.Identity{
		Subject: claims.Subject,
		Login:   claims.Login,
		Name:    claims.Name,
		Email:   claims.Email,
	}, nil
}

func (a *Authenticator) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if a.oauthConfig == nil {
		http.Error(w, "Authentication not configured", http.StatusInternalServerError)
		return
	}

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		http.Error(w, "Failed to generate login state", http.StatusInternalServerError)
		return
	}
	state := hex.EncodeToString(stateBytes)

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		Expires:  a.now().Add(10 * time.Minute),
		HttpOnly: true,
		Secure:   r.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline), http.StatusTemporaryRedirect)
}

func (a *Authenticator) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if a.oauthConfig == nil {
		http.Error(w, "Authentication not configured", http.StatusInternalServerError)
		return
	}

	cookie, err := r.Cookie(stateCookieName)
	if err != nil || cookie.Value == "" || cookie.Value != r.FormValue("state") {
		logrus.Warn("oauth state mismatch")
		http.Error(w, "Invalid login state", http.StatusBadRequest)
		return
	}

	code := r.FormValue("code")
	if code == "" {
		logrus.Error("no code in callback")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	token, err := a.oauthConfig.Exchange(r.Context(), code)
	if err != nil {
		logrus.WithError(err).Error("failed to exchange token")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	var identity *core.Identity
	if a.provider == "oidc" {
		identity, err = a.identityFromOIDC(r.Context(), token)
	} else {
		identity, err = a.identityFromGitHub(r.Context(), token)
	}
	if err != nil {
		logrus.WithError(err).Error("failed to resolve identity")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	jwtToken, err := a.IssueToken(identity)
	if err != nil {
		logrus.WithError(err).Error("failed to create JWT")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	http.Redirect(w, r, fmt.Sprintf("/?token=%s", jwtToken), http.StatusTemporaryRedirect)
}

// HandleMe returns the identity resolved by the auth middleware.
func HandleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "User claims not found"})
		return
	}
	render.JSON(w, r, identity)
}

func (a *Authenticator) identityFromOIDC(ctx context.Context, token *oauth2.Token) (*core.Identity, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in token response")
	}
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to extract claims: %w", err)
	}

	identity := &core.Identity{
		Subject: claims.Sub,
		Login:   claims.PreferredUsername,
		Email:   claims.Email,
		Name:    claims.Name,
	}
	if identity.Login == "" {
		identity.Login = identity.Email
	}
	return identity, nil
}

func (a *Authenticator) identityFromGitHub(ctx context.Context, token *oauth2.Token) (*core.Identity, error) {
	resp, err := a.oauthConfig.Client(ctx, token).Get(githubUserURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get user from github: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read github response: %w", err)
	}

	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal github user: %w", err)
	}

	return &core.Identity{
		Subject: fmt.Sprintf("github:%d", user.ID),
		Login:   user.Login,
		Name:    user.Name,
		Email:   user.Email,
	}, nil
}
