// Package cmd provides the commands of the jargon client.
package cmd

import "github.com/urfave/cli/v2"

// Global flags. Set values override the config file and JARGON_* variables.
var (
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "client config file (YAML)",
		EnvVars: []string{"JARGON_CONFIG"},
	}
	EndpointFlag = &cli.StringFlag{
		Name:  "endpoint",
		Usage: "control endpoint: tcp://host:port or ws(s)://host:port/path",
	}
	UserFlag = &cli.StringFlag{
		Name:    "user",
		Aliases: []string{"u"},
		Usage:   "user name",
	}
	ZoneFlag = &cli.StringFlag{
		Name:    "zone",
		Aliases: []string{"z"},
		Usage:   "zone name",
	}
	PasswordFlag = &cli.StringFlag{
		Name:    "password",
		Usage:   "password",
		EnvVars: []string{"JARGON_PASSWORD"},
	}
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	}
)

// GlobalFlags returns the flags every command accepts before its name.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{ConfigFlag, EndpointFlag, UserFlag, ZoneFlag, PasswordFlag, LogLevelFlag}
}

// TransferFlags returns the flags of put and get.
func TransferFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "threads",
			Aliases: []string{"N"},
			Usage:   "maximum parallel transfer threads",
		},
		&cli.StringFlag{
			Name:  "transport",
			Usage: "data channel transport: tcp or quic",
		},
		&cli.StringFlag{
			Name:  "checksum",
			Usage: "checksum policy: none, md5, sha256 or xxh64",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "do not report progress",
		},
	}
}
