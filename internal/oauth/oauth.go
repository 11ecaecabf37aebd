// Package oauth obtains and stores Google OAuth2 tokens for the Gmail label
// mirror and for IMAP OAUTHBEARER logins.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/wesm/threadtags/internal/fileutil"
)

// Scope constants.
const (
	ScopeGmailModify = "https://www.googleapis.com/auth/gmail.modify"
	ScopeIMAP        = "https://mail.google.com/"
)

// Scopes covers label management and IMAP access.
var Scopes = []string{ScopeGmailModify, ScopeIMAP}

const callbackPath = "/callback"

// Manager acquires, stores and refreshes tokens per account email.
type Manager struct {
	config    *oauth2.Config
	tokensDir string
	logger    *slog.Logger

	// openURL is replaced in tests.
	openURL func(string) error
}

// NewManager creates a manager from a Google client secrets file.
func NewManager(clientSecretsPath, tokensDir string, logger *slog.Logger) (*Manager, error) {
	if clientSecretsPath == "" {
		return nil, errors.New("oauth.client_secrets is not configured")
	}
	data, err := os.ReadFile(clientSecretsPath)
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{config: cfg, tokensDir: tokensDir, logger: logger, openURL: openBrowser}, nil
}

// TokenSource returns an auto-refreshing source for email. Refreshed tokens
// are written back to disk.
func (m *Manager) TokenSource(ctx context.Context, email string) (oauth2.TokenSource, error) {
	tf, err := m.loadTokenFile(email)
	if err != nil {
		return nil, fmt.Errorf("no token for %s (run 'threadtags add-account %s'): %w", email, email, err)
	}
	return &savingSource{
		base:  m.config.TokenSource(ctx, &tf.Token),
		last:  tf.Token.AccessToken,
		save:  func(t *oauth2.Token) error { return m.saveToken(email, t) },
		email: email,
		log:   m.logger,
	}, nil
}

type savingSource struct {
	base  oauth2.TokenSource
	save  func(*oauth2.Token) error
	email string
	log   *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	t, err := s.base.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token for %s: %w", s.email, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.AccessToken != s.last {
		s.last = t.AccessToken
		if err := s.save(t); err != nil {
			s.log.Warn("failed to save refreshed token", "email", s.email, "error", err)
		}
	}
	return t, nil
}

// HasToken reports whether a token is stored for email.
func (m *Manager) HasToken(email string) bool {
	_, err := m.loadTokenFile(email)
	return err == nil
}

// HasScope reports whether the stored token for email was granted scope.
// Tokens saved without scope metadata report false.
func (m *Manager) HasScope(email, scope string) bool {
	tf, err := m.loadTokenFile(email)
	if err != nil {
		return false
	}
	return slices.Contains(tf.Scopes, scope)
}

// Authorize runs the consent flow for email and stores the token. Headless
// mode uses the device authorization grant; otherwise a browser is opened
// and a loopback listener receives the code.
func (m *Manager) Authorize(ctx context.Context, email string, headless bool) error {
	var (
		tok *oauth2.Token
		err error
	)
	if headless {
		tok, err = m.deviceFlow(ctx)
	} else {
		tok, err = m.browserFlow(ctx, email)
	}
	if err != nil {
		return err
	}
	return m.saveToken(email, tok)
}

func (m *Manager) callbackHandler(state string, codes chan<- string, errs chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			errs <- errors.New("oauth callback state mismatch")
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			errs <- fmt.Errorf("authorization denied: %s", e)
			http.Error(w, "authorization denied", http.StatusForbidden)
			return
		}
		code := q.Get("code")
		if code == "" {
			errs <- errors.New("oauth callback without code")
			http.Error(w, "no authorization code", http.StatusBadRequest)
			return
		}
		codes <- code
		fmt.Fprintln(w, "threadtags is authorized. You can close this window.")
	}
}

func (m *Manager) browserFlow(ctx context.Context, email string) (*oauth2.Token, error) {
	state, err := randomState()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for oauth callback: %w", err)
	}

	codes := make(chan string, 1)
	errs := make(chan error, 2)
	mux := http.NewServeMux()
	mux.Handle(callbackPath, m.callbackHandler(state, codes, errs))
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	cfg := *m.config
	cfg.RedirectURL = "http://" + ln.Addr().String() + callbackPath
	verifier := oauth2.GenerateVerifier()
	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("login_hint", email))

	fmt.Printf("Opening browser for authorization...\nIf it does not open, visit:\n%s\n\n", authURL)
	if err := m.openURL(authURL); err != nil {
		m.logger.Warn("failed to open browser", "error", err)
	}

	select {
	case code := <-codes:
		tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("exchange code: %w", err)
		}
		return tok, nil
	case err := <-errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) deviceFlow(ctx context.Context) (*oauth2.Token, error) {
	resp, err := m.config.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}
	fmt.Printf("\nTo authorize threadtags, visit:\n  %s\n\nand enter code: %s\n\nWaiting for authorization...\n",
		resp.VerificationURI, resp.UserCode)
	tok, err := m.config.DeviceAccessToken(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	fmt.Println("Authorization successful!")
	return tok, nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// tokenFile is the on-disk form: the token plus the scopes it was granted.
type tokenFile struct {
	oauth2.Token
	Scopes []string `json:"scopes,omitempty"`
}

func (m *Manager) loadTokenFile(email string) (*tokenFile, error) {
	data, err := os.ReadFile(m.TokenPath(email))
	if err != nil {
		return nil, err
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	if tf.AccessToken == "" && tf.RefreshToken == "" {
		return nil, errors.New("token file is empty")
	}
	return &tf, nil
}

func (m *Manager) saveToken(email string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tokenFile{Token: *tok, Scopes: m.config.Scopes}, "", "  ")
	if err != nil {
		return err
	}
	if err := fileutil.WritePrivateFile(m.TokenPath(email), data); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// DeleteToken removes the stored token for email.
func (m *Manager) DeleteToken(email string) error {
	err := os.Remove(m.TokenPath(email))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// TokenPath returns where the token for email is stored. Names that would
// escape the tokens directory are replaced by a hash.
func (m *Manager) TokenPath(email string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(email)
	path := filepath.Clean(filepath.Join(m.tokensDir, safe+".json"))
	if safe == "" || !strings.HasPrefix(path, filepath.Clean(m.tokensDir)+string(filepath.Separator)) {
		return filepath.Join(m.tokensDir, fmt.Sprintf("%x.json", sha256.Sum256([]byte(email))))
	}
	return path
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}
