package commands

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillnotes/quill/internal/auth/hasher"
	"github.com/quillnotes/quill/internal/auth/token"
	"github.com/quillnotes/quill/pkg/config"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the signing key pair and pepper",
	Long: `Generate the Ed25519 token signing key pair (JWK format) and the
password pepper at the configured paths.

Existing files are never overwritten unless --force is given. Rotating the
pepper invalidates every stored password hash; rotating the signing key
invalidates every outstanding access token.`,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().Bool("force", false, "Overwrite existing key material")
	keygenCmd.Flags().Bool("no-pepper", false, "Generate only the signing key pair")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	force, _ := cmd.Flags().GetBool("force")
	noPepper, _ := cmd.Flags().GetBool("no-pepper")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	targets := []string{cfg.Auth.PrivateJWKPath, cfg.Auth.PublicJWKPath}
	if !noPepper {
		targets = append(targets, cfg.Auth.PepperPath)
	}
	if !force {
		for _, p := range targets {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", p)
			}
		}
	}

	if err := token.WriteJWKPair(cfg.Auth.PrivateJWKPath, cfg.Auth.PublicJWKPath); err != nil {
		return err
	}
	fmt.Printf("Wrote signing key pair:\n  private: %s\n  public:  %s\n",
		cfg.Auth.PrivateJWKPath, cfg.Auth.PublicJWKPath)

	if !noPepper {
		if err := writePepper(cfg.Auth.PepperPath); err != nil {
			return err
		}
		fmt.Printf("Wrote pepper: %s\n", cfg.Auth.PepperPath)
	}
	return nil
}

func writePepper(path string) error {
	pepper := make([]byte, hasher.PepperSize)
	if _, err := rand.Read(pepper); err != nil {
		return fmt.Errorf("generating pepper: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(pepper) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o400); err != nil {
		return fmt.Errorf("writing pepper file: %w", err)
	}
	// WriteFile does not chmod files that already exist.
	return os.Chmod(path, 0o400)
}
