package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/heirloom"
	"southwinds.dev/heirloom/internal/server"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue and manage bearer tokens",
	Long:  `Development helpers for the EdDSA bearer tokens the server accepts.`,
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <identity>",
	Short: "Issue a token for an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenIssue,
}

var tokenKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a token signing key pair",
	Long: `Generate an Ed25519 key pair. Put signing_key where tokens are issued and
verify_key on the server.`,
	RunE: runTokenKeygen,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenKeygenCmd)

	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
}

func runTokenIssue(_ *cobra.Command, args []string) error {
	identity := heirloom.Identity(args[0])
	if identity == "" {
		return errors.New("identity cannot be empty")
	}

	signer, err := tokenSigner()
	if err != nil {
		return err
	}
	token, exp, err := signer.IssueToken(identity)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Println(token)
	logger.Info().Str("identity", string(identity)).Time("expires", exp).Msg("token issued")
	return nil
}

func runTokenKeygen(*cobra.Command, []string) error {
	priv, pub, err := server.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}
	fmt.Println("auth:")
	fmt.Printf("  signing_key: %s\n", server.EncodeKey(priv))
	fmt.Printf("  verify_key: %s\n", server.EncodeKey(pub))
	return nil
}

func tokenSigner() (*server.Signer, error) {
	encoded := viper.GetString("auth.signing_key")
	if encoded == "" {
		return nil, errors.New("auth.signing_key is not configured")
	}
	priv, err := server.DecodePrivateKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("auth.signing_key: %w", err)
	}
	ttl := tokenTTL
	if ttl <= 0 {
		ttl = viper.GetDuration("auth.token_ttl")
	}
	return server.NewSigner(priv, viper.GetString("auth.issuer"), ttl), nil
}
