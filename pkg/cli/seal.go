package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/blockpal/paymentscheduler/pkg/config"
	"github.com/blockpal/paymentscheduler/pkg/credentials"
)

// SealOptions holds flags for the seal-credential command
type SealOptions struct {
	*RootOptions
	KeyFile string
	Output  string
}

// NewSealCredentialCommand creates the seal-credential command
func NewSealCredentialCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SealOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seal-credential",
		Short: "Seal a signing key into a credential envelope",
		Long: `Encrypt a hex encoded private key under CREDENTIALS_KEY.

The key is read from --key-file, or from stdin when the flag is "-". With
--output the envelope is merged into that credentials file, replacing any
envelope for the same address; otherwise it is printed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeal(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.KeyFile, "key-file", "", "file holding the hex private key, - for stdin (required)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "credentials file to merge the envelope into")
	_ = cmd.MarkFlagRequired("key-file")

	return cmd
}

func runSeal(cmd *cobra.Command, opts *SealOptions) error {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return fmt.Errorf("failed to load %s: %w", opts.EnvFile, err)
		}
	} else {
		_ = godotenv.Load()
	}
	key, err := config.GetEnvCredentialsKey()
	if err != nil {
		return err
	}
	if key == nil {
		return errors.New("CREDENTIALS_KEY is not set")
	}

	raw, err := readKeyFile(cmd.InOrStdin(), opts.KeyFile)
	if err != nil {
		return err
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}

	envelope, err := credentials.Seal(key, privateKey)
	if err != nil {
		return err
	}
	if opts.Output == "" {
		return printJSON(cmd.OutOrStdout(), envelope)
	}
	if err := mergeEnvelope(opts.Output, envelope); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sealed %s into %s\n", envelope.Address, opts.Output)
	return nil
}

func readKeyFile(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read private key: %w", err)
	}
	return string(data), nil
}

// mergeEnvelope writes e into the envelope array at path
func mergeEnvelope(path string, e *credentials.Envelope) error {
	var envelopes []credentials.Envelope
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if envelopes, err = credentials.ParseEnvelopes(data); err != nil {
			return err
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	replaced := false
	for i := range envelopes {
		if common.HexToAddress(envelopes[i].Address) == common.HexToAddress(e.Address) {
			envelopes[i] = *e
			replaced = true
		}
	}
	if !replaced {
		envelopes = append(envelopes, *e)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer f.Close()
	return printJSON(f, envelopes)
}
