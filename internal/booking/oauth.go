package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

const (
	stateAudience   = "gcal-authorize"
	defaultStateTTL = 30 * time.Minute
	freeBusyScope   = "https://www.googleapis.com/auth/calendar.freebusy"
)

// ErrInvalidState is returned when an OAuth callback state is forged or expired.
var ErrInvalidState = errors.New("booking: invalid oauth state")

// OAuthFlow runs the Google authorization-code flow for doctors. The state
// parameter is a short-lived HS256 token naming the doctor.
type OAuthFlow struct {
	cfg      *oauth2.Config
	secret   []byte
	stateTTL time.Duration
	now      func() time.Time
}

func NewOAuthFlow(clientID, clientSecret, redirectURL string, stateSecret []byte) *OAuthFlow {
	if len(stateSecret) == 0 {
		panic("booking: oauth state secret is required")
	}
	return &OAuthFlow{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{calendar.CalendarEventsScope, freeBusyScope},
		},
		secret:   stateSecret,
		stateTTL: defaultStateTTL,
		now:      time.Now,
	}
}

// WithEndpoint overrides the OAuth endpoint (tests).
func (f *OAuthFlow) WithEndpoint(ep oauth2.Endpoint) *OAuthFlow {
	f.cfg.Endpoint = ep
	return f
}

// AuthURL is the consent page link sent to the doctor.
func (f *OAuthFlow) AuthURL(doctorID string) (string, error) {
	now := f.now()
	claims := jwt.RegisteredClaims{
		Subject:   doctorID,
		Audience:  jwt.ClaimStrings{stateAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(f.stateTTL)),
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.secret)
	if err != nil {
		return "", fmt.Errorf("booking: sign oauth state: %w", err)
	}
	return f.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// DoctorFromState verifies a callback state and returns the doctor it names.
func (f *OAuthFlow) DoctorFromState(state string) (string, error) {
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(state, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return f.secret, nil
	}, jwt.WithAudience(stateAudience), jwt.WithExpirationRequired(), jwt.WithTimeFunc(f.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing doctor", ErrInvalidState)
	}
	return claims.Subject, nil
}

// Exchange trades an authorization code for a token.
func (f *OAuthFlow) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := f.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("booking: exchange code: %w", err)
	}
	return tok, nil
}

// TokenSource refreshes tok as needed and writes refreshed tokens back to store.
func (f *OAuthFlow) TokenSource(ctx context.Context, store TokenStore, doctorID string, tok *oauth2.Token) oauth2.TokenSource {
	return &persistingTokenSource{
		base:     f.cfg.TokenSource(ctx, tok),
		store:    store,
		doctorID: doctorID,
		last:     tok.AccessToken,
	}
}
