// Package player manages the client-side access credential against the
// external playback provider: initial exchange, transparent refresh, a
// polling loop for the current playback snapshot, and fire-and-forget
// transport controls.
package player

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"crowdjuke/internal/core"
)

// State is the lifecycle phase of the credential machine.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

var (
	// ErrCredentialExpired means the exchange returned an empty access
	// token; the persisted refresh token is no longer valid.
	ErrCredentialExpired = errors.New("credential expired")
	// ErrRefreshFailed means the transparent refresh got a non-success
	// response. Not retried.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Credential is one access credential as returned by the server-mediated
// exchange endpoint.
type Credential struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// PlaybackState is the provider's current-playback snapshot. Item is kept
// opaque; only its presence matters to the lifecycle.
type PlaybackState struct {
	IsPlaying  bool            `json:"is_playing"`
	ProgressMs int             `json:"progress_ms"`
	Item       json.RawMessage `json:"item"`
}

// HasItem reports whether the snapshot carries an item. The provider sends
// an explicit JSON null between tracks, which counts as absent.
func (s *PlaybackState) HasItem() bool {
	return len(s.Item) > 0 && string(s.Item) != "null"
}

// Device is one playback output known to the provider.
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"is_active"`
}

// User identifies the account behind the credential.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// LoginHandler receives the user profile on login, or nil on logout.
type LoginHandler func(user *User)

// UpdateHandler receives each observed playback snapshot.
type UpdateHandler func(state *PlaybackState)

// TokenLifecycle owns one access credential for its whole session. It is
// the single writer of the credential and the poll timer; other state flows
// out through the typed handler registries.
type TokenLifecycle struct {
	config *core.Config
	client *http.Client
	store  TokenStore
	logger *zap.Logger

	mutex       sync.Mutex
	state       State
	accessToken string
	inFlight    bool
	pollCancel  context.CancelFunc

	loginHandlers  []LoginHandler
	updateHandlers []UpdateHandler
}

func NewTokenLifecycle(config *core.Config, store TokenStore, logger *zap.Logger) *TokenLifecycle {
	return &TokenLifecycle{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		store:  store,
		logger: logger,
		state:  StateUnauthenticated,
	}
}

// OnLogin registers a handler for login/logout transitions.
func (t *TokenLifecycle) OnLogin(h LoginHandler) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.loginHandlers = append(t.loginHandlers, h)
}

// OnUpdate registers a handler for playback snapshots.
func (t *TokenLifecycle) OnUpdate(h UpdateHandler) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.updateHandlers = append(t.updateHandlers, h)
}

// State returns the current lifecycle phase.
func (t *TokenLifecycle) State() State {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.state
}

// Initialize exchanges the persisted refresh token for an access token and,
// on success, starts the polling loop. An empty access token in the response
// means the refresh token is invalid: the machine logs out and no polling
// starts. A failed exchange call leaves the machine unauthenticated.
func (t *TokenLifecycle) Initialize(ctx context.Context) error {
	t.setState(StateAuthenticating)

	refreshToken, err := t.store.Load()
	if err != nil {
		t.setState(StateUnauthenticated)
		return fmt.Errorf("failed to load refresh token: %w", err)
	}

	cred, err := t.exchange(ctx, refreshToken)
	if err != nil {
		t.logger.Warn("Initial credential exchange failed", zap.Error(err))
		t.setState(StateUnauthenticated)
		return err
	}

	return t.adoptCredential(ctx, cred)
}

// Login waits for a credential delivered out-of-band by the interactive
// authorization flow, persists its refresh token and adopts it the same way
// Initialize does.
func (t *TokenLifecycle) Login(ctx context.Context, grants <-chan Credential) error {
	t.setState(StateAuthenticating)

	select {
	case cred, ok := <-grants:
		if !ok {
			t.setState(StateUnauthenticated)
			return errors.New("authorization flow closed without a credential")
		}
		if cred.RefreshToken != "" {
			if err := t.store.Save(cred.RefreshToken); err != nil {
				t.logger.Warn("Failed to persist refresh token", zap.Error(err))
			}
		}
		return t.adoptCredential(ctx, &cred)
	case <-ctx.Done():
		t.setState(StateUnauthenticated)
		return ctx.Err()
	}
}

// adoptCredential applies the shared empty-token branch of Initialize and
// Login.
func (t *TokenLifecycle) adoptCredential(ctx context.Context, cred *Credential) error {
	if cred.AccessToken == "" {
		t.logger.Info("Exchange returned an empty access token, logging out")
		t.mutex.Lock()
		t.accessToken = ""
		t.state = StateLoggedOut
		t.mutex.Unlock()
		t.dispatchLogin(nil)
		return ErrCredentialExpired
	}

	t.mutex.Lock()
	t.accessToken = cred.AccessToken
	t.state = StateAuthenticated
	t.mutex.Unlock()

	user, err := t.FetchUser(ctx)
	if err != nil {
		t.logger.Warn("User profile fetch failed", zap.Error(err))
		user = &User{}
	}

	t.dispatchLogin(user)
	t.startPolling()
	return nil
}

// Logout cancels the poll timer, clears the in-memory access token and
// notifies login handlers. The persisted refresh token is left untouched.
func (t *TokenLifecycle) Logout() {
	t.mutex.Lock()
	if t.pollCancel != nil {
		t.pollCancel()
		t.pollCancel = nil
	}
	t.accessToken = ""
	t.state = StateLoggedOut
	t.mutex.Unlock()

	t.dispatchLogin(nil)
}

func (t *TokenLifecycle) setState(s State) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.state = s
}

func (t *TokenLifecycle) dispatchLogin(user *User) {
	t.mutex.Lock()
	handlers := append([]LoginHandler{}, t.loginHandlers...)
	t.mutex.Unlock()
	for _, h := range handlers {
		h(user)
	}
}

func (t *TokenLifecycle) dispatchUpdate(state *PlaybackState) {
	t.mutex.Lock()
	handlers := append([]UpdateHandler{}, t.updateHandlers...)
	t.mutex.Unlock()
	for _, h := range handlers {
		h(state)
	}
}

// startPolling launches the snapshot loop. Ticks found with a fetch already
// in flight are skipped, not queued.
func (t *TokenLifecycle) startPolling() {
	ctx, cancel := context.WithCancel(context.Background())

	t.mutex.Lock()
	if t.pollCancel != nil {
		t.pollCancel()
	}
	t.pollCancel = cancel
	t.mutex.Unlock()

	go t.pollLoop(ctx)
}

func (t *TokenLifecycle) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.Player.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !t.beginFetch() {
				continue
			}
			snapshot, err := t.FetchPlayback(ctx)
			t.endFetch()
			if err != nil {
				// A failed fetch cannot be told apart from a dead
				// credential, so the session ends here.
				t.logger.Warn("Playback fetch failed, logging out", zap.Error(err))
				t.Logout()
				return
			}
			if snapshot != nil && snapshot.HasItem() {
				t.dispatchUpdate(snapshot)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *TokenLifecycle) beginFetch() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.inFlight {
		return false
	}
	t.inFlight = true
	return true
}

func (t *TokenLifecycle) endFetch() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.inFlight = false
}

// exchange trades the refresh token for an access credential through the
// server-mediated endpoint, so the client secret never reaches the client.
func (t *TokenLifecycle) exchange(ctx context.Context, refreshToken string) (*Credential, error) {
	form := url.Values{"refresh_token": {refreshToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.config.Player.ExchangeURL+"/token", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: exchange returned status %d", ErrRefreshFailed, resp.StatusCode)
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return nil, fmt.Errorf("failed to decode exchange response: %w", err)
	}
	return &cred, nil
}

// refresh performs one transparent token refresh.
func (t *TokenLifecycle) refresh(ctx context.Context) error {
	refreshToken, err := t.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load refresh token: %w", err)
	}

	cred, err := t.exchange(ctx, refreshToken)
	if err != nil {
		return err
	}
	if cred.AccessToken == "" {
		return ErrCredentialExpired
	}

	t.mutex.Lock()
	t.accessToken = cred.AccessToken
	t.mutex.Unlock()
	return nil
}

// doAuthorized performs one provider call with the current access token.
// 401 triggers exactly one refresh-and-retry; 5xx is a recoverable no-op
// returning an empty body, attributed to the provider rather than the
// credential.
func (t *TokenLifecycle) doAuthorized(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	data, status, err := t.doOnce(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		if err := t.refresh(ctx); err != nil {
			return nil, err
		}
		data, status, err = t.doOnce(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case status >= 500:
		return nil, nil
	case status == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: still unauthorized after refresh", ErrRefreshFailed)
	case status >= 400:
		return nil, fmt.Errorf("provider returned status %d", status)
	}

	return data, nil
}

func (t *TokenLifecycle) doOnce(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.config.Player.ProviderURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build provider request: %w", err)
	}

	t.mutex.Lock()
	token := t.accessToken
	t.mutex.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read provider response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// FetchPlayback returns the current playback snapshot, or nil when the
// provider has nothing playing or is temporarily unavailable.
func (t *TokenLifecycle) FetchPlayback(ctx context.Context) (*PlaybackState, error) {
	data, err := t.doAuthorized(ctx, http.MethodGet, "/me/player", nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var snapshot PlaybackState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode playback snapshot: %w", err)
	}
	return &snapshot, nil
}

// FetchUser returns the profile of the account the credential belongs to.
func (t *TokenLifecycle) FetchUser(ctx context.Context) (*User, error) {
	data, err := t.doAuthorized(ctx, http.MethodGet, "/me", nil)
	if err != nil {
		return nil, err
	}

	var user User
	if len(data) > 0 {
		if err := json.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("failed to decode user profile: %w", err)
		}
	}
	return &user, nil
}

// Devices lists the provider's known playback outputs.
func (t *TokenLifecycle) Devices(ctx context.Context) ([]Device, error) {
	data, err := t.doAuthorized(ctx, http.MethodGet, "/me/player/devices", nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var payload struct {
		Devices []Device `json:"devices"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode device list: %w", err)
	}
	return payload.Devices, nil
}

// The transport controls below are fire-and-forget: they never touch local
// state and the next poll tick reconciles observed truth.

func (t *TokenLifecycle) Play(ctx context.Context) error {
	_, err := t.doAuthorized(ctx, http.MethodPut, "/me/player/play", nil)
	return err
}

func (t *TokenLifecycle) Pause(ctx context.Context) error {
	_, err := t.doAuthorized(ctx, http.MethodPut, "/me/player/pause", nil)
	return err
}

func (t *TokenLifecycle) Next(ctx context.Context) error {
	_, err := t.doAuthorized(ctx, http.MethodPost, "/me/player/next", nil)
	return err
}

func (t *TokenLifecycle) Previous(ctx context.Context) error {
	_, err := t.doAuthorized(ctx, http.MethodPost, "/me/player/previous", nil)
	return err
}

func (t *TokenLifecycle) SetDevice(ctx context.Context, deviceID string) error {
	body, err := json.Marshal(map[string][]string{"device_ids": {deviceID}})
	if err != nil {
		return fmt.Errorf("failed to encode device selection: %w", err)
	}
	_, err = t.doAuthorized(ctx, http.MethodPut, "/me/player", body)
	return err
}
