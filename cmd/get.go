package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/dnitsch/oidc-s3-auth/internal/cmdutils"
	"github.com/dnitsch/oidc-s3-auth/internal/credentialexchange"
	"github.com/dnitsch/oidc-s3-auth/internal/identity"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	ErrUnableToCreateStore = errors.New("cannot create secret store")
)

var (
	providerUrl      string
	realm            string
	clientId         string
	stsEndpoint      string
	username         string
	duration         int
	reloadBeforeTime int
	getCmd           = &cobra.Command{
		Use:   "get",
		Short: "Get temporary S3 credentials and out to stdout",
		Long:  `Get temporary S3 credentials and out to stdout through your OIDC provider authentication and a web-identity exchange.`,
		RunE:  getCreds,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if reloadBeforeTime != 0 && reloadBeforeTime > duration {
				return fmt.Errorf("reload-before: %v, must be less than duration (-d): %v", reloadBeforeTime, duration)
			}
			return nil
		},
	}
)

func init() {
	getCmd.PersistentFlags().StringVarP(&providerUrl, "provider", "p", "", "OIDC provider base Url")
	getCmd.MarkPersistentFlagRequired("provider")
	getCmd.PersistentFlags().StringVarP(&realm, "realm", "", "", "Realm of the OIDC provider")
	getCmd.MarkPersistentFlagRequired("realm")
	getCmd.PersistentFlags().StringVarP(&clientId, "client-id", "c", "", "Client Id registered with the OIDC provider")
	getCmd.MarkPersistentFlagRequired("client-id")
	getCmd.PersistentFlags().StringVarP(&stsEndpoint, "sts-endpoint", "e", "", "Url of the AssumeRoleWithWebIdentity federation endpoint")
	getCmd.MarkPersistentFlagRequired("sts-endpoint")
	getCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "Principal to authenticate as, defaults to the current OS user")
	getCmd.PersistentFlags().IntVarP(&duration, "max-duration", "d", 900, "Override default max session duration, in seconds, of the credentials [900-43200]")
	getCmd.PersistentFlags().IntVarP(&reloadBeforeTime, "reload-before", "", 0, "Triggers a credentials refresh before the specified max-duration. Value provided in seconds. Should be less than the max-duration of the session")
	RootCmd.AddCommand(getCmd)
}

func getCreds(cmd *cobra.Command, args []string) error {
	user := username
	if user == "" {
		user = os.Getenv("USER")
	}

	conf := credentialexchange.CredentialConfig{
		ProviderUrl: providerUrl,
		Realm:       realm,
		ClientId:    clientId,
		StsEndpoint: stsEndpoint,
		Duration:    duration,
		BaseConfig: credentialexchange.BaseConfig{
			StoreInProfile:   storeInProfile,
			Role:             role,
			Username:         user,
			CfgSectionName:   cfgSectionName,
			ReloadBeforeTime: reloadBeforeTime,
		},
	}

	secretStore, err := credentialexchange.NewSecretStore(role,
		fmt.Sprintf("%s-%s", credentialexchange.SELF_NAME, credentialexchange.RoleKeyConverter(role)),
		os.TempDir(), user)
	if err != nil {
		return fmt.Errorf("%s, %w", err, ErrUnableToCreateStore)
	}

	renewer := &cmdutils.Renewer{
		Provider: identity.New(identity.Config{
			ServerURL: providerUrl,
			Realm:     realm,
			ClientID:  clientId,
		}),
		Exchanger: credentialexchange.NewExchangeClient(stsEndpoint, nil),
		Store:     secretStore,
		Conf:      conf,
		// sourced from config file or env (OIDC_S3_AUTH_PASSWORD), never a flag
		Secret: viper.GetString("password"),
	}

	return cmdutils.GetCreds(cmd.Context(), renewer, conf)
}
