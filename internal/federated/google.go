// Package federated implements sign-in through Google: the authorization-code
// exchange, the Redis-backed federated session, and the start/callback
// handlers that link a Google subject to a doctor account.
package federated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultOAuthBase   = "https://oauth2.googleapis.com"
	defaultUserInfoURL = "https://www.googleapis.com"
)

var (
	ErrTokenExchange = errors.New("google token exchange failed")
	ErrUserInfo      = errors.New("google userinfo request failed")
)

type GoogleConfig struct {
	ClientID        string
	ClientSecret    string
	RedirectURI     string
	AuthURL         string
	OAuthBaseURL    string
	UserInfoBaseURL string
}

func (c GoogleConfig) Enabled() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

type UserInfo struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

type GoogleProvider struct {
	config     GoogleConfig
	httpClient *http.Client
}

func NewGoogleProvider(config GoogleConfig) *GoogleProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultAuthURL
	}
	if config.OAuthBaseURL == "" {
		config.OAuthBaseURL = defaultOAuthBase
	}
	if config.UserInfoBaseURL == "" {
		config.UserInfoBaseURL = defaultUserInfoURL
	}
	return &GoogleProvider{
		config:     config,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type googleTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type googleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
}

func (g *GoogleProvider) AuthCodeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", g.config.ClientID)
	q.Set("redirect_uri", g.config.RedirectURI)
	q.Set("scope", "openid email profile")
	q.Set("state", state)
	q.Set("prompt", "select_account")
	return g.config.AuthURL + "?" + q.Encode()
}

func (g *GoogleProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("client_id", g.config.ClientID)
	data.Set("client_secret", g.config.ClientSecret)
	data.Set("redirect_uri", g.config.RedirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.OAuthBaseURL+"/token", strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("%w: status %d: %s", ErrTokenExchange, resp.StatusCode, string(body))
	}

	var tokenResp googleTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrTokenExchange)
	}
	return tokenResp.AccessToken, nil
}

func (g *GoogleProvider) GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.config.UserInfoBaseURL+"/oauth2/v2/userinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserInfo, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserInfo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUserInfo, resp.StatusCode, string(body))
	}

	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserInfo, err)
	}
	if info.ID == "" || info.Email == "" {
		return nil, fmt.Errorf("%w: missing subject or email", ErrUserInfo)
	}

	return &UserInfo{
		Subject:       info.ID,
		Email:         strings.TrimSpace(info.Email),
		EmailVerified: info.VerifiedEmail,
		Name:          strings.TrimSpace(info.Name),
	}, nil
}
