package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quillnotes/quill/internal/auth/hasher"
	"github.com/quillnotes/quill/internal/auth/identity"
	"github.com/quillnotes/quill/pkg/config"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "User database helpers",
}

var userHashCmd = &cobra.Command{
	Use:   "hash <username>",
	Short: "Hash a password for the user database",
	Long: `Prompt for a password and print a [[user]] entry ready to paste into
the user database. The hash is peppered, so it only verifies against the
pepper configured at the time of hashing.`,
	Args: cobra.ExactArgs(1),
	RunE: runUserHash,
}

func init() {
	userCmd.AddCommand(userHashCmd)
}

func runUserHash(cmd *cobra.Command, args []string) error {
	username, err := identity.ParseUsername(args[0])
	if err != nil {
		return err
	}

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	pepper, err := hasher.LoadPepper(cfg.Auth.PepperPath)
	if err != nil {
		return err
	}
	h, err := hasher.New(hashParams(cfg), pepper)
	if err != nil {
		return err
	}

	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}

	phc, err := h.GenerateHash(password)
	if err != nil {
		return err
	}

	fmt.Printf("\n[[user]]\nusername = %q\nhash = %q\n", username, phc)
	return nil
}

// promptPassword prompts without echoing when stdin is a terminal, and
// falls back to line reads for piped input.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(syscall.Stdin)) {
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(password), nil
	}

	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(password, "\n"), "\r"), nil
}
