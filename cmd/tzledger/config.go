package main

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	ledger "github.com/bakingbacon/tzledger"
	"github.com/bakingbacon/tzledger/ledger-apps/tezos"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// tzConfig is the file form of the global flags. Flags win over the file.
type tzConfig struct {
	Transport string // ble or usb
	Device    string // Device ID; empty picks the first device found
	Path      string
	Curve     string
	LogLevel  string

	ScanTimeout    string
	ConnectTimeout string
	AddressTimeout string
	SignTimeout    string
}

func defaultConfig() tzConfig {
	return tzConfig{
		Transport:      "ble",
		Path:           tezos.DefaultPath,
		Curve:          tezos.Ed25519.String(),
		LogLevel:       "warning",
		ScanTimeout:    "10s",
		ConnectTimeout: "15s",
		AddressTimeout: "30s",
		SignTimeout:    "3m",
	}
}

func loadConfig(file string, cfg *tzConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig merges the defaults, the config file and the flags.
func makeConfig(ctx *cli.Context) (tzConfig, error) {

	cfg := defaultConfig()

	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, errors.Wrap(err, "Unable to load config")
		}
	}

	set := func(name string, dst *string) {
		if ctx.GlobalIsSet(name) {
			*dst = ctx.GlobalString(name)
		}
	}
	set(transportFlag.Name, &cfg.Transport)
	set(deviceFlag.Name, &cfg.Device)
	set(logLevelFlag.Name, &cfg.LogLevel)

	// Also covers cli versions that don't count env vars as set
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" && !ctx.GlobalIsSet(logLevelFlag.Name) {
		cfg.LogLevel = v
	}

	return cfg, nil
}

func (c tzConfig) duration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "Invalid %s", name)
	}
	return d, nil
}

// sessionOptions converts the configured timeouts into session options.
func (c tzConfig) sessionOptions(logger log.FieldLogger) ([]ledger.Option, error) {

	connect, err := c.duration("ConnectTimeout", c.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	address, err := c.duration("AddressTimeout", c.AddressTimeout)
	if err != nil {
		return nil, err
	}
	sign, err := c.duration("SignTimeout", c.SignTimeout)
	if err != nil {
		return nil, err
	}

	return []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithConnectTimeout(connect),
		ledger.WithAddressTimeout(address),
		ledger.WithSignTimeout(sign),
	}, nil
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "Invalid log level")
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	return nil
}
