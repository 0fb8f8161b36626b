// Package credstore manages the persisted OAuth state produced by an
// external credential bootstrap step: a client registration file and a token
// file. The store refreshes the access token transparently when it is close
// to expiry and rewrites the token file atomically. The interactive
// authorization flow itself is out of scope; only the two files and the
// refresh_token grant are handled here.
package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/proxykit/mcp-sse-proxy/internal/proxylog"
)

const (
	clientInfoFile = "client_info.json"
	tokenDataFile  = "token_data.json"

	// DefaultExpiryBuffer is how long before nominal expiry a token is
	// already considered expired, so a refresh happens while the old token
	// still works.
	DefaultExpiryBuffer = 300 * time.Second

	refreshTimeout = 10 * time.Second
)

// ClientInfo is the persisted client registration, as written by the
// bootstrap step. Field names mirror the wire JSON.
type ClientInfo struct {
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret,omitempty"`
	TokenEndpoint string `json:"token_endpoint"`
}

// TokenData is the persisted token state. RetrievedAt is stamped locally at
// save time; everything else comes from the token endpoint response.
type TokenData struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token,omitempty"`
	TokenType    string  `json:"token_type,omitempty"`
	ExpiresIn    float64 `json:"expires_in"`
	RetrievedAt  float64 `json:"retrieved_at"`
}

// Expired reports whether the token is within buffer of its expiry. Tokens
// with unknown retrieval time or lifetime are treated as expired.
func (t TokenData) Expired(now time.Time, buffer time.Duration) bool {
	if t.RetrievedAt == 0 || t.ExpiresIn == 0 {
		return true
	}
	expiresAt := t.RetrievedAt + t.ExpiresIn
	return now.Unix() > int64(expiresAt)-int64(buffer.Seconds())
}

// Store holds the loaded credential state and refreshes it on demand.
// Safe for concurrent use.
type Store struct {
	dir    string
	client *http.Client
	log    *proxylog.Logger
	buffer time.Duration
	now    func() time.Time

	mu    sync.Mutex
	info  ClientInfo
	token TokenData
}

// Load reads both credential files from dir. A missing or malformed file is
// an error: the store never initiates the authorization flow itself.
func Load(dir string, log *proxylog.Logger) (*Store, error) {
	s := &Store{
		dir:    dir,
		client: &http.Client{Timeout: refreshTimeout},
		log:    log,
		buffer: DefaultExpiryBuffer,
		now:    time.Now,
	}

	if err := loadJSON(filepath.Join(dir, clientInfoFile), &s.info); err != nil {
		return nil, fmt.Errorf("load client info: %w", err)
	}
	if err := loadJSON(filepath.Join(dir, tokenDataFile), &s.token); err != nil {
		return nil, fmt.Errorf("load token data: %w", err)
	}
	if s.info.ClientID == "" || s.info.TokenEndpoint == "" {
		return nil, fmt.Errorf("client info in %s is incomplete", dir)
	}
	return s, nil
}

// AccessToken returns a currently valid bearer token, refreshing it first
// when inside the expiry buffer.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.Expired(s.now(), s.buffer) {
		if err := s.refreshLocked(ctx); err != nil {
			return "", err
		}
	}
	return s.token.AccessToken, nil
}

// Refresh forces a token refresh regardless of expiry state.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Store) refreshLocked(ctx context.Context) error {
	if s.token.RefreshToken == "" {
		return fmt.Errorf("no refresh token available; re-run the credential bootstrap")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {s.token.RefreshToken},
		"client_id":     {s.info.ClientID},
	}
	if s.info.ClientSecret != "" {
		form.Set("client_secret", s.info.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.info.TokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var fresh TokenData
	if err := json.NewDecoder(resp.Body).Decode(&fresh); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if fresh.AccessToken == "" {
		return fmt.Errorf("token endpoint returned no access token")
	}
	// Servers may omit the rotated refresh token; keep the old one then.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = s.token.RefreshToken
	}
	fresh.RetrievedAt = float64(s.now().Unix())

	if err := saveJSON(filepath.Join(s.dir, tokenDataFile), fresh); err != nil {
		return fmt.Errorf("persist refreshed token: %w", err)
	}
	s.token = fresh
	s.log.Infof("access token refreshed, valid for %.0fs", fresh.ExpiresIn)
	return nil
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// saveJSON writes v to path via a temp file and rename, so readers never
// observe a half-written file.
func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
