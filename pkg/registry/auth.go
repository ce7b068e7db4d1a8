package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// authConfig mirrors the auths section of a docker-style config file.
type authConfig struct {
	Auths map[string]authEntry `json:"auths"`
}

type authEntry struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Auth     string `json:"auth,omitempty"`
}

// credential is a username/password pair for one registry.
type credential struct {
	Username string
	Password string
}

// credentialStore resolves static credentials loaded from an auth file.
type credentialStore struct {
	creds map[string]credential
}

// loadCredentials reads a docker-style config file. A missing path yields
// an empty store so anonymous pulls keep working.
func loadCredentials(path string) (*credentialStore, error) {
	store := &credentialStore{creds: make(map[string]credential)}
	if path == "" {
		return store, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("failed to read auth file: %w", err)
	}

	var cfg authConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse auth file %s: %w", path, err)
	}

	for host, entry := range cfg.Auths {
		cred := credential{Username: entry.Username, Password: entry.Password}
		if entry.Auth != "" {
			decoded, err := base64.StdEncoding.DecodeString(entry.Auth)
			if err != nil {
				return nil, fmt.Errorf("failed to decode auth for %s: %w", host, err)
			}
			username, password, ok := strings.Cut(string(decoded), ":")
			if !ok {
				return nil, fmt.Errorf("malformed auth entry for %s", host)
			}
			cred = credential{Username: username, Password: password}
		}

		// Index entries may carry a scheme or trailing slash
		host = strings.TrimPrefix(host, "https://")
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimSuffix(host, "/")
		store.creds[host] = cred
	}

	return store, nil
}

// get returns the credential for a registry host, if any.
func (s *credentialStore) get(host string) (credential, bool) {
	cred, ok := s.creds[host]
	if ok {
		return cred, true
	}
	// Docker Hub credentials are commonly stored under the legacy index host
	if host == dockerHubAPIHost || host == "docker.io" {
		for _, alias := range []string{"index.docker.io", "index.docker.io/v1", "docker.io", "registry-1.docker.io"} {
			if cred, ok := s.creds[alias]; ok {
				return cred, true
			}
		}
	}
	return credential{}, false
}

// challenge is a parsed WWW-Authenticate header value.
type challenge struct {
	scheme string
	params map[string]string
}

// parseChallenge parses a WWW-Authenticate header such as
//
//	Bearer realm="https://auth.example.com/token",service="example.com",scope="repository:foo:pull"
func parseChallenge(header string) (challenge, error) {
	ch := challenge{params: make(map[string]string)}
	if header == "" {
		return ch, fmt.Errorf("empty WWW-Authenticate header")
	}

	scheme, rest, _ := strings.Cut(header, " ")
	ch.scheme = strings.ToLower(scheme)

	for _, part := range splitChallengeParams(rest) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		ch.params[strings.ToLower(strings.TrimSpace(key))] = strings.Trim(strings.TrimSpace(value), `"`)
	}

	return ch, nil
}

// splitChallengeParams splits on commas outside quoted strings.
func splitChallengeParams(s string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false

	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}

// tokenResponse is the body returned by a bearer token endpoint.
type tokenResponse struct {
	Token       string    `json:"token"`
	AccessToken string    `json:"access_token"`
	ExpiresIn   int       `json:"expires_in"`
	IssuedAt    time.Time `json:"issued_at"`
}

// cachedToken is a bearer token with its computed expiry.
type cachedToken struct {
	token     string
	expiresAt time.Time
}

// tokenCache caches bearer tokens per registry and scope.
type tokenCache struct {
	mu     sync.Mutex
	tokens map[string]cachedToken
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string]cachedToken)}
}

func (tc *tokenCache) get(key string) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	cached, ok := tc.tokens[key]
	if !ok {
		return "", false
	}
	// Refresh slightly early so in-flight requests do not race expiry
	if time.Now().After(cached.expiresAt.Add(-30 * time.Second)) {
		delete(tc.tokens, key)
		return "", false
	}
	return cached.token, true
}

func (tc *tokenCache) put(key, token string, expiresAt time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.tokens[key] = cachedToken{token: token, expiresAt: expiresAt}
}

// fetchToken performs the challenge-response token exchange against the
// realm named by the registry's 401 response.
func (c *Client) fetchToken(ctx context.Context, ch challenge, repo Repository) (string, error) {
	realm, ok := ch.params["realm"]
	if !ok {
		return "", fmt.Errorf("bearer challenge missing realm")
	}

	u, err := url.Parse(realm)
	if err != nil {
		return "", fmt.Errorf("failed to parse token realm %q: %w", realm, err)
	}

	q := u.Query()
	if service := ch.params["service"]; service != "" {
		q.Set("service", service)
	}
	scope := ch.params["scope"]
	if scope == "" {
		scope = fmt.Sprintf("repository:%s:pull", repo.Name)
	}
	q.Set("scope", scope)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	if cred, ok := c.creds.get(repo.Registry); ok {
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	recordRequest("token", resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{Operation: "fetch token", URL: u.Redacted(), StatusCode: resp.StatusCode}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	token := tok.Token
	if token == "" {
		token = tok.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("token endpoint returned no token")
	}

	expiresAt := tokenExpiry(tok, token)
	c.tokens.put(repo.Registry+"|"+scope, token, expiresAt)

	c.logger.Debug("Fetched registry token",
		zap.String("registry", repo.Registry),
		zap.String("scope", scope),
		zap.Time("expires_at", expiresAt),
	)

	return token, nil
}

// tokenExpiry computes when a token stops being usable. The expires_in
// field wins when present; otherwise the token's own exp claim is consulted
// without signature verification, falling back to the 60 second minimum the
// distribution token spec guarantees.
func tokenExpiry(tok tokenResponse, raw string) time.Time {
	issued := tok.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}

	if tok.ExpiresIn > 0 {
		return issued.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}

	return issued.Add(60 * time.Second)
}
