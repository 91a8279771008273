package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/client"
	tlsutil "github.com/RuthlessXdream/anime-image-upscaler-api/pkg/tls"
)

var (
	serverURL    string
	apiKey       string
	outputFormat string
	cfgFile      string
	caFile       string
	insecure     bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:          "upscalectl",
	Short:        "CLI for the anime image upscaler",
	Long:         `upscalectl submits images to an upscaler server, follows their progress, downloads results and inspects the server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "table", "json", "yaml":
			return nil
		}
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", outputFormat)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.upscalectl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default from config, UPSCALER_URL or "+client.DefaultURL+")")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default from config or UPSCALER_API_KEY)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca-cert", "", "CA certificate used to verify an HTTPS server")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip HTTPS certificate verification")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".upscalectl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.BindEnv("server_url", "UPSCALER_URL")
	viper.BindEnv("api_key", "UPSCALER_API_KEY")
	viper.BindEnv("ca_cert", "UPSCALER_CA_CERT")

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Warning: failed to read config %s: %v\n", cfgFile, err)
	}

	if serverURL == "" {
		serverURL = viper.GetString("server_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if caFile == "" {
		caFile = viper.GetString("ca_cert")
	}
	if serverURL == "" {
		serverURL = client.DefaultURL
	}
}

// GetServerURL returns the configured server URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if caFile != "" || insecure {
		cfg, err := tlsutil.ClientConfig(caFile, "", "", insecure)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTLS(cfg))
	}
	return client.New(GetServerURL(), apiKey, opts...), nil
}
