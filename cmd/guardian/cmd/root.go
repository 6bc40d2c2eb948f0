package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/agent-guardian/pkg/config"
	guardiantls "github.com/psantana5/agent-guardian/pkg/tls"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
	caCert       string
	clientCert   string
	clientKey    string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Failure-recovery supervisor for agent workloads",
	Long: `guardian watches supervised agent workloads and recovers them when an
execution fails: it asks the operator when they are at the keyboard, fixes what
it can on its own when they are not, and escalates what must not be touched.

Run "guardian serve" to start the supervisor; the other commands talk to its API.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.guardian/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "guardian API URL (default from config or http://127.0.0.1:8090)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default from config or GUARDIAN_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&caCert, "ca-cert", "", "CA certificate to verify an HTTPS server")
	rootCmd.PersistentFlags().StringVar(&clientCert, "client-cert", "", "client certificate for mTLS")
	rootCmd.PersistentFlags().StringVar(&clientKey, "client-key", "", "client key for mTLS")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".guardian"))
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("GUARDIAN")
	viper.SetEnvKeyReplacer(config.EnvKeyReplacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}

	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if serverURL == "" {
		serverURL = viper.GetString("server_url")
	}
	if caCert == "" {
		caCert = viper.GetString("ca_cert")
	}
	if clientCert == "" {
		clientCert = viper.GetString("client_cert")
	}
	if clientKey == "" {
		clientKey = viper.GetString("client_key")
	}
	if serverURL == "" {
		addr := viper.GetString("listen_addr")
		if addr == "" {
			addr = config.Defaults().ListenAddr
		}
		scheme := "http://"
		if viper.GetString("api.tls.cert_file") != "" {
			scheme = "https://"
		}
		serverURL = scheme + addr
	}
}

// GetServerURL returns the configured API URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// CreateAuthenticatedRequest creates an HTTP request with authentication header if API key is configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

func newHTTPClient() (*http.Client, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	if caCert == "" && clientCert == "" {
		return client, nil
	}
	tlsCfg, err := guardiantls.ClientConfig(caCert, clientCert, clientKey)
	if err != nil {
		return nil, err
	}
	client.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	return client, nil
}

// callAPI sends payload (if any) to path and decodes a 2xx response into out
func callAPI(method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := CreateAuthenticatedRequest(method, GetServerURL()+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client, err := newHTTPClient()
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to guardian API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// printJSON writes v indented to stdout
func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
