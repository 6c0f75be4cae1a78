// tzledger talks to the Tezos Wallet app on a Ledger over Bluetooth or USB.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/urfave/cli.v1"
)

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	transportFlag = cli.StringFlag{
		Name:  "transport",
		Usage: "Link to the device: ble or usb",
	}
	deviceFlag = cli.StringFlag{
		Name:  "device",
		Usage: "Device ID as listed by 'devices'; defaults to the first one found",
	}
	logLevelFlag = cli.StringFlag{
		Name:   "log-level",
		Usage:  "Log level (panic, fatal, error, warning, info, debug, trace)",
		EnvVar: "LEDGER_LOG_LEVEL",
	}

	pathFlag = cli.StringFlag{
		Name:  "path",
		Usage: "BIP32 derivation path",
	}
	curveFlag = cli.StringFlag{
		Name:  "curve",
		Usage: "Derivation curve: ed25519, secp256k1, p256 or bip32-ed25519",
	}
	verifyFlag = cli.BoolFlag{
		Name:  "verify",
		Usage: "Show the address on the device and wait for confirmation",
	}
	noParseFlag = cli.BoolFlag{
		Name:  "no-parse",
		Usage: "Sign without letting the device parse the operation",
	}
	scanTimeFlag = cli.DurationFlag{
		Name:  "scan-time",
		Usage: "How long to scan for devices",
	}

	app = &cli.App{
		Name:        filepath.Base(os.Args[0]),
		Usage:       "Tezos Ledger wallet tool",
		Writer:      os.Stdout,
		HideVersion: true,
	}
)

func init() {
	app.Flags = []cli.Flag{
		configFileFlag,
		transportFlag,
		deviceFlag,
		logLevelFlag,
	}
	app.Before = func(ctx *cli.Context) error {
		cfg, err := makeConfig(ctx)
		if err != nil {
			return err
		}
		return setupLogging(cfg.LogLevel)
	}
	app.CommandNotFound = func(ctx *cli.Context, cmd string) {
		fmt.Fprintf(os.Stderr, "No such command: %s\n", cmd)
		os.Exit(1)
	}
	app.Commands = []cli.Command{
		devicesCommand,
		addressCommand,
		signCommand,
		versionCommand,
	}
}

func exit(err interface{}) {
	if err == nil {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func main() {
	exit(app.Run(os.Args))
}
