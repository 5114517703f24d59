package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/nest-gateway/pkg/dpop"
)

func newKeygenCmd() *cobra.Command {
	var (
		kid      string
		asBase64 bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a P-256 signing key",
		Long: `Generates a P-256 key for client assertions and DPoP proofs.

The PKCS#8 PEM is written to stdout and the public JWK, as it will appear
in /.well-known/jwks.json, to stderr. With --base64 the PEM is base64
encoded for NEST_KEYS_PRIVATE_KEY_BASE64.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, err := dpop.GenerateKey()
			if err != nil {
				return fmt.Errorf("keygen: %w", err)
			}
			key, err := dpop.NewKey(kid, priv)
			if err != nil {
				return err
			}
			ks, err := dpop.NewKeySet(kid, key)
			if err != nil {
				return err
			}
			jwk, err := json.MarshalIndent(ks.JWKS().Keys[0], "", "  ")
			if err != nil {
				return fmt.Errorf("keygen: %w", err)
			}
			pemBytes, err := dpop.EncodePrivateKeyPEM(priv)
			if err != nil {
				return err
			}
			out := string(pemBytes)
			if asBase64 {
				out = base64.StdEncoding.EncodeToString(pemBytes) + "\n"
			}
			if _, err := fmt.Fprint(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.ErrOrStderr(), string(jwk))
			return err
		},
	}
	cmd.Flags().StringVar(&kid, "kid", dpop.DefaultKeyID, "key id published in the JWKS")
	cmd.Flags().BoolVar(&asBase64, "base64", false, "base64-encode the PEM")
	return cmd
}
