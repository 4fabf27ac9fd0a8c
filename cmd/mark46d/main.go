package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli/v3"

	"github.com/mark46/signal/internal/audit"
	"github.com/mark46/signal/internal/conn"
	"github.com/mark46/signal/internal/credauth"
	"github.com/mark46/signal/internal/logger"
	"github.com/mark46/signal/internal/wsproto"
	"github.com/mark46/signal/pkg/mark46server"
	"github.com/tzrikka/xdg"
)

const (
	ConfigDirName  = "mark46d"
	ConfigFileName = "config.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "mark46d",
		Usage:   "real-time signaling server",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			initLog(cmd.Bool("dev") || cmd.Bool("pretty-log"))

			srv := mark46server.New(mark46server.Options{
				MaxClients: cmd.Int("max-clients"),
				MaxPayload: uint64(cmd.Int("max-payload")),
			})

			if secret := cmd.String("jwt-secret"); secret != "" {
				verifier := credauth.NewJWTVerifier([]byte(secret))
				srv.OnAuthentication(verifier.Authenticate)
			}

			al := audit.New(cmd.String("audit-file"), zerolog.New(os.Stderr).With().Timestamp().Logger())
			srv.OnConnected(func(p *conn.Peer) {
				al.Connected(p.ID, p.RemoteAddr, time.Now())
			})
			srv.OnDisconnected(func(p *conn.Peer, status wsproto.StatusCode, reason string) {
				al.Disconnected(p.ID, status, reason, time.Now())
			})

			ln := mark46server.NewListener(srv, cmd.String("listen-address"))
			return ln.Run()
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	fs := []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "simple setup, but unsafe for production",
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
	}

	path := configFile()
	fs = append(fs, mark46server.Flags(path)...)
	fs = append(fs, credauth.Flags(path)...)
	fs = append(fs, audit.Flags(path)...)

	return fs
}

// configFile returns the path to the app's configuration file.
// It also creates an empty file if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, ConfigDirName, ConfigFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

// initLog initializes the logger for mark46d, based on whether it's
// running in development mode or not.
func initLog(devMode bool) {
	var handler slog.Handler
	if devMode {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	}

	slog.SetDefault(slog.New(handler))
}
