package credentialexchange

const (
	SELF_NAME        = "oidc-s3-auth"
	INI_CONF_SECTION = "role"
)

type BaseConfig struct {
	Role             string
	Username         string
	CfgSectionName   string
	StoreInProfile   bool
	ReloadBeforeTime int
}

type CredentialConfig struct {
	BaseConfig  BaseConfig
	ProviderUrl string
	Realm       string
	ClientId    string
	StsEndpoint string
	S3Endpoint  string
	Region      string
	Duration    int
}
