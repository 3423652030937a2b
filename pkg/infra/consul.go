package infra

import (
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/spf13/viper"

	"github.com/patrykniedzwiecki/device-profile-core/pkg/constant"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/logger"
)

const consulWaitTime = 10 * time.Second

// ConsulKV is the subset of the Consul KV API the device registry needs.
type ConsulKV interface {
	Put(kv *api.KVPair, options *api.WriteOptions) (*api.WriteMeta, error)
	Get(key string, options *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error)
	Delete(key string, options *api.WriteOptions) (*api.WriteMeta, error)
	List(prefix string, options *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error)
}

// GetConsulClient connects to the Consul server configured under
// consul.*. Production connections authenticate with the configured
// token or basic-auth credentials.
func GetConsulClient(environment string) *api.Client {
	config := api.DefaultConfig()
	if address := viper.GetString("consul.address"); address != "" {
		config.Address = address
	}
	config.WaitTime = consulWaitTime

	if environment == constant.EnvProduction {
		config.Token = viper.GetString("consul.token")
		username := viper.GetString("consul.username")
		password := viper.GetString("consul.password")
		if username != "" || password != "" {
			config.HttpAuth = &api.HttpBasicAuth{
				Username: username,
				Password: password,
			}
		}
	}

	logger.Info("Consul config",
		"environment", environment,
		"address", config.Address,
		"wait_time", config.WaitTime,
		"token_length", len(config.Token),
		"basic_auth", config.HttpAuth != nil,
	)

	client, err := api.NewClient(config)
	if err != nil {
		logger.Fatal("Failed to create consul client", err)
	}

	// Ping the Consul server to verify connectivity
	if _, err := client.Status().Leader(); err != nil {
		logger.Fatal("failed to connect to Consul", err)
	}

	return client
}
