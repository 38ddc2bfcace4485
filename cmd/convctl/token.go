package main

import (
	"fmt"
	"time"

	"convcore/internal/jwtsigner"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type tokenOpts struct {
	userID     string
	deviceID   string
	signingKey string
	hsSecret   string
	issuer     string
	audience   string
	ttl        time.Duration
}

func newTokenCmd() *cobra.Command {
	var o tokenOpts
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := issueToken(o)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.userID, "user", "", "user id (uuid)")
	f.StringVar(&o.deviceID, "device", "", "device id (uuid); omit for a device-less token")
	f.StringVar(&o.signingKey, "signing-key", "", "base64 Ed25519 private key")
	f.StringVar(&o.hsSecret, "hs256-secret", "", "HS256 shared secret, used when no signing key is given")
	f.StringVar(&o.issuer, "issuer", "", "iss claim")
	f.StringVar(&o.audience, "audience", "", "aud claim")
	f.DurationVar(&o.ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func issueToken(o tokenOpts) (string, error) {
	userID, err := uuid.Parse(o.userID)
	if err != nil {
		return "", errors.Wrap(err, "--user")
	}
	claims := map[string]any{"sid": uuid.NewString(), "scope": "conversations"}
	if o.deviceID != "" {
		deviceID, err := uuid.Parse(o.deviceID)
		if err != nil {
			return "", errors.Wrap(err, "--device")
		}
		claims["did"] = deviceID.String()
	}

	switch {
	case o.signingKey != "":
		s, err := jwtsigner.NewFromBase64(o.signingKey, "", o.issuer)
		if err != nil {
			return "", errors.Wrap(err, "--signing-key")
		}
		s.Audience = o.audience
		return s.Sign(userID.String(), o.ttl, claims)
	case o.hsSecret != "":
		now := time.Now()
		m := jwt.MapClaims{"sub": userID.String(), "iat": now.Unix(), "exp": now.Add(o.ttl).Unix()}
		for k, v := range claims {
			m[k] = v
		}
		if o.issuer != "" {
			m["iss"] = o.issuer
		}
		if o.audience != "" {
			m["aud"] = o.audience
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, m).SignedString([]byte(o.hsSecret))
	}
	return "", errors.New("either --signing-key or --hs256-secret is required")
}
