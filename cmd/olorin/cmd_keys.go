package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/auth"
)

var keysDir string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate an Ed25519 key pair for local JWT verification",
	Long: `Writes jwt_private.pem (PKCS8) and jwt_public.pem (PKIX) under --dir.
Point OLORIN_JWT_PUBLIC_KEY at the public key. Existing files are never
overwritten; delete them first to rotate.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		privPath, pubPath, err := auth.WriteKeyPair(keysDir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Private key: %s (keep this secret)\n", privPath)
		fmt.Fprintf(out, "Public key:  %s\n", pubPath)
		return nil
	},
}

var tokenFlags struct {
	keyPath  string
	subject  string
	audience string
	ttl      time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development token signed with a local private key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		priv, err := auth.LoadPrivateKey(tokenFlags.keyPath)
		if err != nil {
			return err
		}
		tok, err := auth.Sign(priv, tokenFlags.subject, tokenFlags.audience, tokenFlags.ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	keysCmd.Flags().StringVar(&keysDir, "dir", "data", "Directory for the key files")

	f := tokenCmd.Flags()
	f.StringVar(&tokenFlags.keyPath, "key", "data/"+auth.PrivateKeyFile, "PEM private key")
	f.StringVar(&tokenFlags.subject, "subject", os.Getenv("USER"), "Actor recorded for writes made with the token")
	f.StringVar(&tokenFlags.audience, "audience", "olorin", "Audience claim; must match OLORIN_JWT_AUDIENCE")
	f.DurationVar(&tokenFlags.ttl, "ttl", time.Hour, "Token lifetime")

	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(tokenCmd)
}
