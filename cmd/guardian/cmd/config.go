package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/agent-guardian/pkg/auth"
	"github.com/psantana5/agent-guardian/pkg/config"
	guardiantls "github.com/psantana5/agent-guardian/pkg/tls"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for inspecting the effective configuration and generating API keys.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Prints the configuration serve would use after merging defaults, the config
file and GUARDIAN_* environment variables (for example GUARDIAN_STORE_TYPE).`,
	RunE: runConfigShow,
}

var configKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Generates a random API key. Put the hash under api.key_hashes in the server
config and give the key to clients (api_key in their config or GUARDIAN_API_KEY).`,
	RunE: runConfigKeygen,
}

var (
	certgenDir   string
	certgenHosts []string
	certgenValid time.Duration
)

var configCertgenCmd = &cobra.Command{
	Use:   "certgen",
	Short: "Generate a self-signed certificate for the API",
	Long: `Writes guardian.crt and guardian.key for local HTTPS. Point api.tls.cert_file
and api.tls.key_file at them, and pass --ca-cert guardian.crt to clients.`,
	RunE: runConfigCertgen,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configKeygenCmd)
	configCmd.AddCommand(configCertgenCmd)

	configCertgenCmd.Flags().StringVar(&certgenDir, "dir", ".guardian", "directory to write the certificate and key to")
	configCertgenCmd.Flags().StringSliceVar(&certgenHosts, "host", nil, "extra IP addresses or DNS names")
	configCertgenCmd.Flags().DurationVar(&certgenValid, "valid-for", 365*24*time.Hour, "certificate lifetime")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(cfg)
	}

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(os.Stderr, "# from %s\n", used)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

func runConfigCertgen(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(certgenDir, 0700); err != nil {
		return err
	}
	certFile := filepath.Join(certgenDir, "guardian.crt")
	keyFile := filepath.Join(certgenDir, "guardian.key")
	if err := guardiantls.GenerateSelfSigned(certFile, keyFile, "guardian", certgenValid, certgenHosts...); err != nil {
		return err
	}
	fmt.Printf("Certificate: %s\nKey:         %s\n", certFile, keyFile)
	return nil
}

func runConfigKeygen(cmd *cobra.Command, args []string) error {
	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(map[string]string{"api_key": key, "hash": hash})
	}

	fmt.Printf("API key (give to clients, shown once):\n  %s\n\n", key)
	fmt.Printf("Hash (add to api.key_hashes):\n  %s\n", hash)
	return nil
}
