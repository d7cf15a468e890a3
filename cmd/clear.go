package cmd

import (
	"os"

	"github.com/dnitsch/oidc-s3-auth/internal/credentialexchange"
	"github.com/dnitsch/oidc-s3-auth/internal/util"
	"github.com/spf13/cobra"
)

var (
	clearCmd = &cobra.Command{
		Use:   "clear-cache <flags>",
		Short: "Clears any stored credentials in the OS secret store",
		Run:   clear,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.AddCommand(clearCmd)
}

func clear(cmd *cobra.Command, args []string) {
	secretStore, err := credentialexchange.NewSecretStore(role,
		credentialexchange.SELF_NAME, os.TempDir(), os.Getenv("USER"))
	if err != nil {
		util.Exit(err)
	}

	if err := secretStore.ClearAll(); err != nil {
		util.Exit(err)
	}

	if err := os.Remove(credentialexchange.ConfigIniFile("")); err != nil {
		util.Exit(err)
	}
}
