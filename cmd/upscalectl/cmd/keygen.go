package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/auth"
)

// keygenCmd represents the keygen command
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Generate a random API key. Give the key to the client and add the hash to
auth.api_key_hashes in the server configuration. The key is not stored anywhere.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

type generatedKey struct {
	Key  string `json:"key" yaml:"key"`
	Hash string `json:"hash" yaml:"hash"`
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	res := generatedKey{Key: key, Hash: hash}
	return render(cmd.OutOrStdout(), res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "API key: %s\nHash:    %s\n", key, hash)
		return err
	})
}
