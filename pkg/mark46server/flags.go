package mark46server

import (
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

const (
	DefaultListenAddress = ":4146"
	DefaultMaxClients    = 1000
	DefaultMaxPayload    = 1 << 20 // 1 MiB.
)

// Flags defines CLI flags to configure a Server and its Listener. These
// flags can also be set using environment variables and the application's
// configuration file.
func Flags(configFilePath altsrc.StringSourcer) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-address",
			Usage: "local address for the signaling server to listen on",
			Value: DefaultListenAddress,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("MARK46_LISTEN_ADDRESS"),
				toml.TOML("server.listen_address", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "max-clients",
			Usage: "maximum number of simultaneously connected peers (0 = unlimited)",
			Value: DefaultMaxClients,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("MARK46_MAX_CLIENTS"),
				toml.TOML("server.max_clients", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "max-payload",
			Usage: "maximum signal payload size in bytes (0 = unlimited)",
			Value: DefaultMaxPayload,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("MARK46_MAX_PAYLOAD"),
				toml.TOML("server.max_payload", configFilePath),
			),
		},
	}
}
