// Package jmapproxy forwards logins and mail commands to an upstream JMAP
// server.
//
// A login posts the credentials to <url>/signup. The upstream answers with a
// redirect whose Location points at the user's API endpoint; that path,
// joined to the configured URL, becomes the identity's URI. Commands are then
// sent there one at a time as a single-invocation batch.
package jmapproxy

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
)

// Name is the provider name used in config and logs.
const Name = "jmapproxy"

// DefaultTimeout bounds a single upstream round trip.
const DefaultTimeout = 30 * time.Second

// maxResponseSize caps how much of an upstream reply is read.
const maxResponseSize = 32 << 20

// mailMethods are the methods forwarded upstream.
var mailMethods = []string{
	"getMailboxes",
	"getMailboxUpdates",
	"setMailboxes",
	"getMessageList",
	"getMessageListUpdates",
	"getThreads",
	"getThreadUpdates",
	"getMessages",
	"getMessageUpdates",
	"setMessages",
	"importMessage",
	"copyMessages",
	"reportMessages",
}

// Config configures the upstream connection.
type Config struct {
	// URL is the upstream base URL, e.g. https://proxy.jmap.io.
	URL string `toml:"url" env:"URL"`
	// Signup holds extra form fields sent with every login.
	Signup map[string]string `toml:"signup"`
	// InsecureSkipVerify disables TLS certificate checks.
	InsecureSkipVerify bool          `toml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
	Timeout            time.Duration `toml:"timeout" env:"TIMEOUT"`
}

// Provider is an auth and command provider backed by an upstream JMAP server.
type Provider struct {
	base   *url.URL
	signup map[string]string
	client *http.Client
	logger *slog.Logger
	seq    atomic.Uint64
}

// New validates cfg and returns a Provider. A nil logger discards output.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.URL == "" {
		return nil, errors.New("jmapproxy: url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("jmapproxy: parse url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("jmapproxy: unsupported url scheme %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test upstreams
	}

	return &Provider{
		base:   base,
		signup: cfg.Signup,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logging.WithProvider(logger, Name),
	}, nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) AuthMethods() []provider.AuthMethod {
	return []provider.AuthMethod{{Type: "password"}}
}

// Authenticate signs the user up with the upstream. Only a redirect to the
// user's endpoint counts as success; every other answer leaves the decision
// to the next provider.
func (p *Provider) Authenticate(ctx context.Context, req provider.AuthRequest) (provider.AuthResult, error) {
	if req.Type != "password" || req.Username == "" || req.Value == "" {
		return provider.Continue(), nil
	}

	form := url.Values{}
	for k, v := range p.signup {
		form.Set(k, v)
	}
	form.Set("username", req.Username)
	form.Set("password", req.Value)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base.String()+"/signup", strings.NewReader(form.Encode()))
	if err != nil {
		return provider.AuthResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.AuthResult{}, fmt.Errorf("jmapproxy signup: %w: %w", provider.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		p.logger.Debug("Upstream rejected login",
			logging.UserHash(req.Username),
			slog.Int("status", resp.StatusCode))
		return provider.Continue(), nil
	}

	loc, err := resp.Location()
	if err != nil {
		p.logger.Warn("Upstream redirect without location", logging.Err(err))
		return provider.Continue(), nil
	}

	return provider.Success(&provider.Identity{
		Username: req.Username,
		URI:      p.base.String() + loc.EscapedPath(),
	}), nil
}

func (p *Provider) Methods() []string { return mailMethods }

func (p *Provider) Services() []string { return []string{"Mail"} }

// Accounts returns the single mail account of the upstream user. Identities
// established by other providers have no upstream session and no account
// here.
func (p *Provider) Accounts(_ context.Context, id *provider.Identity) ([]provider.Account, error) {
	if id == nil || id.Username == "" || id.URI == "" {
		return nil, nil
	}
	return []provider.Account{{
		ID:        AccountID(id.Username),
		Name:      id.Username,
		IsPrimary: true,
	}}, nil
}

// AccountID derives the stable account id of a user.
func AccountID(username string) string {
	sum := sha1.Sum([]byte(username)) //nolint:gosec // identifier, not a credential
	return hex.EncodeToString(sum[:])
}

// Invoke forwards one command to the identity's upstream endpoint and
// returns the results tagged for it.
func (p *Provider) Invoke(ctx context.Context, call provider.Call) ([]provider.Invocation, error) {
	if call.Identity == nil || call.Identity.URI == "" {
		return nil, errors.New("no upstream session for this identity")
	}

	tag := "#" + strconv.FormatUint(p.seq.Add(1), 10)
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal([]provider.Invocation{{Name: call.Method, Args: args, CallID: tag}})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", call.Method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.Identity.URI, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s upstream: %w: %w", call.Method, provider.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	p.logger.Debug("Upstream call",
		logging.Method(call.Method),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%s upstream returned %d: %w", call.Method, resp.StatusCode, provider.ErrUnavailable)
	default:
		return nil, fmt.Errorf("%s upstream returned %d", call.Method, resp.StatusCode)
	}

	var batch []json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", call.Method, err)
	}

	var results []provider.Invocation
	for _, raw := range batch {
		var inv provider.Invocation
		if err := json.Unmarshal(raw, &inv); err != nil {
			continue
		}
		if inv.CallID == tag {
			results = append(results, inv)
		}
	}
	return results, nil
}
