package infra

import (
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"

	"github.com/patrykniedzwiecki/device-profile-core/pkg/constant"
)

// GetNATSConnection connects to the NATS server configured under nats.url.
// Production connections authenticate with mutual TLS client certificates.
func GetNATSConnection(environment string) (*nats.Conn, error) {
	opts := []nats.Option{nats.Name("profiled")}
	if environment == constant.EnvProduction {
		opts = append(opts,
			nats.ClientCert(
				filepath.Join(".", "certs", "client-cert.pem"),
				filepath.Join(".", "certs", "client-key.pem"),
			),
			nats.RootCAs(filepath.Join(".", "certs", "rootCA.pem")),
			nats.UserInfo(viper.GetString("nats.username"), viper.GetString("nats.password")),
		)
	}
	return nats.Connect(viper.GetString("nats.url"), opts...)
}
