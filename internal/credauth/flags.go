package credauth

import (
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

// Flags defines CLI flags to configure a [JWTVerifier]. These flags can
// also be set using environment variables and the application's
// configuration file.
func Flags(configFilePath altsrc.StringSourcer) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "jwt-secret",
			Usage: "HMAC secret for verifying peer access tokens at authentication time",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("MARK46_JWT_SECRET"),
				toml.TOML("auth.jwt_secret", configFilePath),
			),
		},
	}
}
