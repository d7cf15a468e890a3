package cmd

import (
	"fmt"
	"os"

	"github.com/dnitsch/oidc-s3-auth/internal/credentialexchange"
	"github.com/dnitsch/oidc-s3-auth/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgSectionName string
	cfgFile        string
	storeInProfile bool
	verbose        bool
	role           string
	RootCmd        = &cobra.Command{
		Use:   "oidc-s3-auth",
		Short: "CLI tool for retrieving temporary S3 credentials from an OIDC identity",
		Long: `CLI tool for retrieving temporary S3-compatible credentials by authenticating against an OIDC provider
and exchanging the identity token with an STS-style federation endpoint (AssumeRoleWithWebIdentity).
Stores them under the $HOME/.aws/credentials file under a specified path or returns the credential_process payload for use in config`,
	}
)

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		util.Exit(err)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVarP(&role, "role", "r", "", "Set the role you want to assume once the identity token exchange completes")
	RootCmd.PersistentFlags().StringVarP(&cfgSectionName, "cfg-section", "", "", "config section name in the yaml config file")
	RootCmd.PersistentFlags().BoolVarP(&storeInProfile, "store-profile", "s", false, "By default the credentials are returned to stdout to be used by the credential_process. Set this flag to instead store the credentials under a named profile section")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(fmt.Sprintf(".%s", credentialexchange.SELF_NAME))
	}

	viper.SetEnvPrefix("oidc_s3_auth")
	viper.AutomaticEnv()

	util.IsTraceEnabled = verbose

	if err := viper.ReadInConfig(); err == nil {
		util.Traceln("Using config file: %s", viper.ConfigFileUsed())
	}
}
