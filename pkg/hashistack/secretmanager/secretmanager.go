package secretmanager

import (
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

// Module provides a vault client configured from VAULT_* env vars. It is only
// included when VAULT_ADDR is set so local runs do not need vault.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

func Enabled() bool {
	_, ok := os.LookupEnv("VAULT_ADDR")
	return ok
}

func ProvideVault() (*vault.Client, error) {
	return vault.New(
		vault.WithEnvironment(),
	)
}
