package audit

import (
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

// Flags defines CLI flags to configure a [Log]. These flags can also be
// set using environment variables and the application's configuration file.
func Flags(configFilePath altsrc.StringSourcer) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "audit-file",
			Usage: "CSV file for connection lifecycle events",
			Value: DefaultFile,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("MARK46_AUDIT_FILE"),
				toml.TOML("audit.file", configFilePath),
			),
			TakesFile: true,
		},
	}
}
