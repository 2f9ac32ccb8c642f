// Package identity talks to the account directory (a Keycloak-compatible
// admin REST API): user lookup by phone or email, account creation, and the
// email-verified flip at the end of registration.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// ErrUserExists is returned by CreateUser when the directory already holds
// an account for the email or username.
var ErrUserExists = errors.New("identity: user already exists")

// ErrNotFound is returned by GetUser for an unknown user ID.
var ErrNotFound = errors.New("identity: user not found")

// phoneAttribute is the directory attribute that carries the E.164 number.
const phoneAttribute = "phoneNumber"

// tokenSkew is subtracted from the token lifetime so a request never rides
// a token that expires mid-flight.
const tokenSkew = 30 * time.Second

// User is the directory's user representation, trimmed to what the gateway
// reads and writes.
type User struct {
	ID            string              `json:"id,omitempty"`
	Username      string              `json:"username,omitempty"`
	Email         string              `json:"email,omitempty"`
	EmailVerified bool                `json:"emailVerified"`
	Enabled       bool                `json:"enabled"`
	FirstName     string              `json:"firstName,omitempty"`
	LastName      string              `json:"lastName,omitempty"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
	CreatedAt     int64               `json:"createdTimestamp,omitempty"`
}

// Phone returns the user's stored E.164 number, empty when absent.
func (u *User) Phone() string {
	if u == nil {
		return ""
	}
	if values, ok := u.Attributes[phoneAttribute]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}

// NewUser carries the fields CreateUser writes to the directory.
type NewUser struct {
	Email     string
	Phone     string
	FirstName string
	LastName  string
	Password  string
}

// Client is an admin API client with a cached service-account token.
type Client struct {
	baseURL    string
	realm      string
	clientID   string
	username   string
	password   string
	httpClient *http.Client
	logger     *logging.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	now func() time.Time
}

// NewClient builds a directory client. baseURL is the server root without
// the realm path.
func NewClient(baseURL, realm, clientID, username, password string, timeout time.Duration, logger *logging.Logger) *Client {
	if baseURL == "" {
		panic("identity: empty base url")
	}
	if realm == "" {
		panic("identity: empty realm")
	}
	if clientID == "" {
		clientID = "admin-cli"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		realm:      realm,
		clientID:   clientID,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// FindUserByPhone looks up the account holding the given E.164 number.
// Returns nil without error when no account matches.
func (c *Client) FindUserByPhone(ctx context.Context, phone string) (*User, error) {
	query := url.Values{}
	query.Set("q", phoneAttribute+":"+phone)
	query.Set("max", "2")
	users, err := c.searchUsers(ctx, query)
	if err != nil {
		return nil, err
	}
	// The attribute query is a substring match server-side, so re-check the
	// exact number before trusting the hit.
	for i := range users {
		if users[i].Phone() == phone {
			return &users[i], nil
		}
	}
	return nil, nil
}

// FindUserByEmail looks up the account registered under the given email.
// Returns nil without error when no account matches.
func (c *Client) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	query := url.Values{}
	query.Set("email", email)
	query.Set("exact", "true")
	query.Set("max", "2")
	users, err := c.searchUsers(ctx, query)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if strings.EqualFold(users[i].Email, email) {
			return &users[i], nil
		}
	}
	return nil, nil
}

// CreateUser registers a new enabled account with an unverified email and
// returns the directory's user ID.
func (c *Client) CreateUser(ctx context.Context, nu NewUser) (string, error) {
	representation := map[string]any{
		"username":      nu.Email,
		"email":         nu.Email,
		"enabled":       true,
		"emailVerified": false,
		"firstName":     nu.FirstName,
		"lastName":      nu.LastName,
		"attributes": map[string][]string{
			phoneAttribute: {nu.Phone},
		},
	}
	// Accounts created during registration start without credentials; the
	// directory's own reset flow sets the first password.
	if nu.Password != "" {
		representation["credentials"] = []map[string]any{
			{"type": "password", "value": nu.Password, "temporary": false},
		}
	}
	resp, err := c.do(ctx, http.MethodPost, c.adminURL("/users"), representation)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusCreated:
		location := resp.Header.Get("Location")
		id := location[strings.LastIndex(location, "/")+1:]
		if id == "" {
			return "", errmap.New(errmap.CodeIdentityError, "identity.create_user", "directory returned no user id")
		}
		return id, nil
	case http.StatusConflict:
		return "", ErrUserExists
	default:
		return "", c.statusError("identity.create_user", resp)
	}
}

// MarkEmailVerified flips the emailVerified flag on an existing account.
// The directory replaces the whole representation on update, so the current
// one is fetched first.
func (c *Client) MarkEmailVerified(ctx context.Context, userID string) error {
	user, err := c.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	user.EmailVerified = true

	resp, err := c.do(ctx, http.MethodPut, c.adminURL("/users/"+url.PathEscape(userID)), user)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.statusError("identity.mark_email_verified", resp)
	}
	return nil
}

// GetUser fetches one account by directory ID.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	resp, err := c.do(ctx, http.MethodGet, c.adminURL("/users/"+url.PathEscape(userID)), nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("identity.get_user", resp)
	}
	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, errmap.Wrap(errmap.CodeIdentityError, "identity.get_user", err)
	}
	return &user, nil
}

func (c *Client) searchUsers(ctx context.Context, query url.Values) ([]User, error) {
	resp, err := c.do(ctx, http.MethodGet, c.adminURL("/users")+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("identity.search_users", resp)
	}
	var users []User
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, errmap.Wrap(errmap.CodeIdentityError, "identity.search_users", err)
	}
	return users, nil
}

func (c *Client) adminURL(path string) string {
	return c.baseURL + "/admin/realms/" + url.PathEscape(c.realm) + path
}

// do sends one authenticated admin request. A 401 invalidates the cached
// token and the request is retried once with a fresh one.
func (c *Client) do(ctx context.Context, method, rawURL string, body any) (*http.Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return nil, err
		}
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, errmap.Wrap(errmap.CodeIdentityError, "identity.request", err)
			}
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, errmap.Wrap(errmap.CodeIdentityError, "identity.request", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, errmap.Wrap(errmap.CodeIdentityError, "identity.request", err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			drain(resp)
			c.invalidateToken()
			continue
		}
		return resp, nil
	}
	return nil, errmap.New(errmap.CodeIdentityError, "identity.request", "directory rejected credentials")
}

// accessToken returns the cached admin token, refreshing it via the password
// grant when missing or within the skew of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", c.clientID)
	form.Set("username", c.username)
	form.Set("password", c.password)

	tokenURL := c.baseURL + "/realms/" + url.PathEscape(c.realm) + "/protocol/openid-connect/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errmap.Wrap(errmap.CodeIdentityError, "identity.token", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errmap.Wrap(errmap.CodeIdentityError, "identity.token", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError("identity.token", resp)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errmap.Wrap(errmap.CodeIdentityError, "identity.token", err)
	}
	if payload.AccessToken == "" {
		return "", errmap.New(errmap.CodeIdentityError, "identity.token", "directory returned empty token")
	}
	lifetime := time.Duration(payload.ExpiresIn) * time.Second
	if lifetime > tokenSkew {
		lifetime -= tokenSkew
	}
	c.token = payload.AccessToken
	c.tokenExpiry = c.now().Add(lifetime)
	c.logger.Debug("directory token refreshed", "expires_in_seconds", payload.ExpiresIn)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// TokenFresh reports whether a usable cached token is on hand. Health
// checks use it to probe the directory without spending a network call.
func (c *Client) TokenFresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != "" && c.now().Before(c.tokenExpiry)
}

func (c *Client) statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	c.logger.Warn("directory request failed",
		"op", op, "status", resp.StatusCode, "body", string(snippet))
	return errmap.New(errmap.CodeIdentityError, op,
		fmt.Sprintf("directory returned status %d", resp.StatusCode))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
