package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/session"
	"github.com/pkg/errors"
)

type LoginRequest struct {
	Role      models.Role `json:"role"`
	SubjectID string      `json:"subjectId"`
	Secret    string      `json:"secret,omitempty"`
}

type LoginResponse struct {
	TokenPair
	Profile json.RawMessage `json:"profile,omitempty"`
}

// Login exchanges credentials for a token pair and stores the new session.
func (c *Client) Login(ctx context.Context, req LoginRequest) (session.Session, error) {
	status, body, _, err := c.send(ctx, http.MethodPost, "/auth/login", nil, req, false)
	if err != nil {
		return session.Session{}, err
	}
	var out LoginResponse
	if err := decodeResponse(status, body, &out); err != nil {
		return session.Session{}, errors.Wrap(err, "login")
	}
	if out.AccessToken == "" {
		return session.Session{}, errors.New("login: empty access token")
	}

	sess := session.Session{
		Role:         req.Role,
		SubjectID:    req.SubjectID,
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		Profile:      out.Profile,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := c.sess.Set(ctx, sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.sess.Clear(ctx)
}
