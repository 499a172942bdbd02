package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/CourierBox/internal/logging"
	"github.com/BearBump/CourierBox/internal/observability"
	"github.com/BearBump/CourierBox/internal/session"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrSessionExpired means the refresh token no longer works and the session was cleared.
var ErrSessionExpired = errors.New("session expired")

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api http %d", e.StatusCode)
	}
	return fmt.Sprintf("api http %d: %s", e.StatusCode, e.Message)
}

func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}

// Doer is what the typed facades need from the client.
type Doer interface {
	Do(ctx context.Context, method, path string, query url.Values, in, out any) error
}

// Client is the single HTTP client every facade shares. It attaches the bearer
// token, refreshes it ahead of expiry and retries once after 401/403.
type Client struct {
	baseURL       string
	httpc         *http.Client
	sess          *session.Store
	refreshWindow time.Duration
	now           func() time.Time
	log           *zap.Logger

	refreshGroup singleflight.Group
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpc = h
		}
	}
}

func WithRefreshWindow(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.refreshWindow = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = logging.OrNop(l) }
}

func withClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(baseURL string, sess *session.Store, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	c := &Client{
		baseURL:       baseURL,
		httpc:         &http.Client{Timeout: 10 * time.Second},
		sess:          sess,
		refreshWindow: 180 * time.Second,
		now:           time.Now,
		log:           zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Session() *session.Store { return c.sess }

func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if err := c.ensureFresh(ctx); err != nil {
		return err
	}

	status, body, used, err := c.send(ctx, method, path, query, in, true)
	if err != nil {
		return err
	}
	if isAuthStatus(status) && used != "" {
		// токен мог обновить соседний запрос, пока мы ждали ответа
		if cur, ok := c.sess.Current(); !ok || cur.AccessToken == used {
			if err := c.refresh(ctx); err != nil {
				return err
			}
		}
		status, body, _, err = c.send(ctx, method, path, query, in, true)
		if err != nil {
			return err
		}
		if isAuthStatus(status) {
			c.forceLogout(ctx, "retry rejected")
			return ErrSessionExpired
		}
	}
	return decodeResponse(status, body, out)
}

// ensureFresh refreshes the access token when it expires within the refresh window.
func (c *Client) ensureFresh(ctx context.Context) error {
	cur, ok := c.sess.Current()
	if !ok || cur.AccessToken == "" {
		return nil
	}
	exp, ok := cur.AccessExpiry()
	if !ok || c.now().Add(c.refreshWindow).Before(exp) {
		return nil
	}
	if err := c.refresh(ctx); err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return err
		}
		// сеть моргнула: отправим со старым токеном, 401 обработаем ниже
		c.log.Warn("proactive token refresh failed", zap.Error(err))
	}
	return nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// refreshTimeout bounds the shared refresh call, which outlives any single caller.
const refreshTimeout = 15 * time.Second

// refresh is shared by all concurrent callers: one network call, one result.
// A caller whose ctx ends stops waiting; the call itself keeps going for the rest.
func (c *Client) refresh(ctx context.Context) error {
	ch := c.refreshGroup.DoChan("refresh", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		cur, ok := c.sess.Current()
		if !ok || cur.RefreshToken == "" {
			c.forceLogout(ctx, "no refresh token")
			return nil, ErrSessionExpired
		}

		status, body, _, err := c.send(ctx, http.MethodPost, "/auth/refresh", nil, refreshRequest{RefreshToken: cur.RefreshToken}, false)
		if err != nil {
			observability.TokenRefreshTotal.WithLabelValues("error").Inc()
			return nil, errors.Wrap(err, "refresh token")
		}
		if isAuthStatus(status) {
			observability.TokenRefreshTotal.WithLabelValues("rejected").Inc()
			c.forceLogout(ctx, "refresh rejected")
			return nil, ErrSessionExpired
		}
		var pair TokenPair
		if err := decodeResponse(status, body, &pair); err != nil {
			observability.TokenRefreshTotal.WithLabelValues("error").Inc()
			return nil, errors.Wrap(err, "refresh token")
		}
		if pair.AccessToken == "" {
			observability.TokenRefreshTotal.WithLabelValues("error").Inc()
			return nil, errors.New("refresh token: empty access token")
		}
		if err := c.sess.UpdateTokens(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
			return nil, err
		}
		observability.TokenRefreshTotal.WithLabelValues("ok").Inc()
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "refresh token")
	}
}

func (c *Client) forceLogout(ctx context.Context, reason string) {
	c.log.Warn("session cleared", zap.String("reason", reason))
	if err := c.sess.Clear(ctx); err != nil {
		c.log.Error("clear session", zap.Error(err))
	}
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, in any, auth bool) (int, []byte, string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return 0, nil, "", errors.Wrap(err, "parse base url")
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var rdr io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, "", errors.Wrap(err, "marshal request")
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return 0, nil, "", errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var token string
	if auth {
		if cur, ok := c.sess.Current(); ok && cur.AccessToken != "" {
			token = cur.AccessToken
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, token, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, token, errors.Wrap(err, "read body")
	}
	return resp.StatusCode, body, token, nil
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func decodeResponse(status int, body []byte, out any) error {
	if status/100 != 2 {
		return &HTTPError{StatusCode: status, Message: errorMessage(body)}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}

func errorMessage(body []byte) string {
	var eb struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &eb) == nil {
		if eb.Error != "" {
			return eb.Error
		}
		if eb.Message != "" {
			return eb.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
