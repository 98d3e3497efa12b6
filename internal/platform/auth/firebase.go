package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/evolvecharge/funnel/internal/platform/config"
)

// FirebaseVerifier checks staff ID tokens with the Firebase Admin SDK.
type FirebaseVerifier struct {
	client       *firebaseauth.Client
	timeout      time.Duration
	checkRevoked bool
}

// NewFirebaseVerifier builds an Admin SDK auth client for cfg.ProjectID. When cfg.CheckRevoked
// is set every verification also asks Firebase whether the session was revoked.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, timeout time.Duration) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase app for %s: %w", cfg.ProjectID, err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase auth client: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &FirebaseVerifier{client: client, timeout: timeout, checkRevoked: cfg.CheckRevoked}, nil
}

func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	verify := v.client.VerifyIDToken
	if v.checkRevoked {
		verify = v.client.VerifyIDTokenAndCheckRevoked
	}
	token, err := verify(ctx, idToken)
	switch {
	case err == nil:
		return token, nil
	case firebaseauth.IsIDTokenExpired(err):
		return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}
