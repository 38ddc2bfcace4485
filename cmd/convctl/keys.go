package main

import (
	"encoding/base64"

	"convcore/internal/jwtsigner"
	"convcore/pkg/groupkey"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var signing bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a device X25519 key pair, or an Ed25519 token signing key with --signing.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if signing {
				s, err := jwtsigner.NewFromBase64("", "", "")
				if err != nil {
					return errors.Wrap(err, "generate signing key")
				}
				return printJSON(cmd, map[string]string{
					"privateKey": s.PrivateKeyBase64(),
					"publicKey":  s.PublicKeyBase64(),
				})
			}
			k, err := groupkey.GenerateDeviceKeys()
			if err != nil {
				return errors.Wrap(err, "generate device keys")
			}
			return printJSON(cmd, map[string]string{
				"privateKey": k.PrivateBase64(),
				"publicKey":  k.PublicBase64(),
			})
		},
	}
	cmd.Flags().BoolVar(&signing, "signing", false, "generate an Ed25519 token signing key instead")
	return cmd
}

func newSealCmd() *cobra.Command {
	var groupKeyB64 string
	cmd := &cobra.Command{
		Use:   "seal <device-public-key>...",
		Short: "Seal a conversation key for each device public key.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key []byte
			var err error
			if groupKeyB64 == "" {
				if key, err = groupkey.GenerateGroupKey(); err != nil {
					return errors.Wrap(err, "generate group key")
				}
			} else if key, err = base64.StdEncoding.DecodeString(groupKeyB64); err != nil {
				return errors.Wrap(err, "decode --group-key")
			}

			sealed := make(map[string]string, len(args))
			for _, pub := range args {
				s, err := groupkey.Seal(key, pub)
				if err != nil {
					return errors.Wrapf(err, "seal for %s", pub)
				}
				sealed[pub] = s
			}
			return printJSON(cmd, map[string]any{
				"groupKey": base64.StdEncoding.EncodeToString(key),
				"sealed":   sealed,
			})
		},
	}
	cmd.Flags().StringVar(&groupKeyB64, "group-key", "", "base64 conversation key; a fresh one is generated when empty")
	return cmd
}

func newOpenCmd() *cobra.Command {
	var privateKey string
	cmd := &cobra.Command{
		Use:   "open <sealed-key>",
		Short: "Open a sealed conversation key with a device private key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := groupkey.KeysFromPrivate(privateKey)
			if err != nil {
				return err
			}
			key, err := groupkey.Open(args[0], keys)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"groupKey": base64.StdEncoding.EncodeToString(key)})
		},
	}
	cmd.Flags().StringVar(&privateKey, "private-key", "", "base64 device private key")
	_ = cmd.MarkFlagRequired("private-key")
	return cmd
}
