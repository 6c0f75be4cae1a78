package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	ledger "github.com/bakingbacon/tzledger"
	"github.com/bakingbacon/tzledger/ble"
	"github.com/bakingbacon/tzledger/ledger-apps/tezos"
	"github.com/bakingbacon/tzledger/usb"
)

var (
	devicesCommand = cli.Command{
		Name:   "devices",
		Usage:  "Scan for Ledger devices",
		Action: listDevices,
		Flags:  []cli.Flag{scanTimeFlag},
	}
	addressCommand = cli.Command{
		Name:   "address",
		Usage:  "Derive an address",
		Action: showAddress,
		Flags:  []cli.Flag{pathFlag, curveFlag, verifyFlag},
	}
	signCommand = cli.Command{
		Name:      "sign",
		Usage:     "Sign forged, watermarked operation bytes",
		ArgsUsage: "<hex>",
		Action:    signOperation,
		Flags:     []cli.Flag{pathFlag, curveFlag, noParseFlag},
	}
	versionCommand = cli.Command{
		Name:   "version",
		Usage:  "Show the version of the open Tezos app",
		Action: showVersion,
	}

	warn = color.New(color.FgYellow).SprintFunc()
	good = color.New(color.FgGreen).SprintFunc()
)

func makeTransport(cfg tzConfig) (ledger.Transport, error) {
	switch strings.ToLower(cfg.Transport) {
	case "ble", "bluetooth":
		return ble.New(log.StandardLogger()), nil
	case "usb", "hid":
		t := usb.New()
		t.Logger = log.StandardLogger()
		return t, nil
	}
	return nil, errors.Errorf("Unknown transport %q", cfg.Transport)
}

// interruptContext is cancelled on Ctrl-C, which cancels the request in
// flight.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// scan collects device snapshots until wait elapses, or until stop reports
// true for a snapshot.
func scan(ctx context.Context, l *ledger.Ledger, wait time.Duration, stop func(map[string]string) bool) (map[string]string, error) {

	devices, err := l.ListenForDevices()
	if err != nil {
		return nil, err
	}
	defer l.StopListening()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	latest := map[string]string{}
	for {
		select {
		case snap, ok := <-devices:
			if !ok {
				return latest, nil
			}
			latest = snap
			if stop != nil && stop(snap) {
				return latest, nil
			}
		case <-timer.C:
			return latest, nil
		case <-ctx.Done():
			return latest, ctx.Err()
		}
	}
}

// openApp connects to the configured device, or the first one found.
func openApp(ctx context.Context, cctx *cli.Context) (*tezos.TezosLedger, func(), error) {

	cfg, err := makeConfig(cctx)
	if err != nil {
		return nil, nil, err
	}
	transport, err := makeTransport(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts, err := cfg.sessionOptions(log.StandardLogger())
	if err != nil {
		return nil, nil, err
	}
	wait, err := cfg.duration("ScanTimeout", cfg.ScanTimeout)
	if err != nil {
		return nil, nil, err
	}

	l := ledger.New(transport, opts...)

	devices, err := scan(ctx, l, wait, func(snap map[string]string) bool {
		if cfg.Device == "" {
			return len(snap) > 0
		}
		_, ok := snap[cfg.Device]
		return ok
	})
	if err != nil {
		l.Close()
		return nil, nil, err
	}

	id := cfg.Device
	if id == "" {
		for k := range devices {
			id = k
			break
		}
	}
	if _, ok := devices[id]; !ok || id == "" {
		l.Close()
		return nil, nil, errors.Wrap(ledger.ErrDeviceNotFound, "Ledger on? Unlocked? Tezos Wallet app open?")
	}

	if err := l.Connect(ctx, id); err != nil {
		l.Close()
		return nil, nil, errors.Wrapf(err, "Unable to connect to %s", id)
	}

	return tezos.New(l), l.Close, nil
}

func appArgs(ctx *cli.Context) (string, tezos.Curve, error) {

	cfg, err := makeConfig(ctx)
	if err != nil {
		return "", 0, err
	}

	path := cfg.Path
	if ctx.IsSet(pathFlag.Name) {
		path = ctx.String(pathFlag.Name)
	}
	curveName := cfg.Curve
	if ctx.IsSet(curveFlag.Name) {
		curveName = ctx.String(curveFlag.Name)
	}

	curve, err := tezos.ParseCurve(curveName)
	return path, curve, err
}

func listDevices(ctx *cli.Context) error {

	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	transport, err := makeTransport(cfg)
	if err != nil {
		return err
	}

	wait := 5 * time.Second
	if ctx.IsSet(scanTimeFlag.Name) {
		wait = ctx.Duration(scanTimeFlag.Name)
	}

	c, cancel := interruptContext()
	defer cancel()

	l := ledger.New(transport, ledger.WithLogger(log.StandardLogger()))
	defer l.Close()

	fmt.Fprintf(os.Stderr, "Scanning for %s...\n", wait)

	devices, err := scan(c, l, wait, nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name"})
	for _, id := range ids {
		table.Append([]string{id, devices[id]})
	}
	table.Render()

	return nil
}

func showAddress(ctx *cli.Context) error {

	path, curve, err := appArgs(ctx)
	if err != nil {
		return err
	}

	c, cancel := interruptContext()
	defer cancel()

	app, closeApp, err := openApp(c, ctx)
	if err != nil {
		return err
	}
	defer closeApp()

	verify := ctx.Bool(verifyFlag.Name)
	if verify {
		fmt.Fprintln(os.Stderr, warn("Confirm the address on your Ledger"))
	}

	res, err := app.GetAddress(c, path, curve, verify)
	if err != nil {
		return describe(err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Path", "Curve", "Address", "Public key"})
	table.Append([]string{path, curve.String(), res.Address, res.PublicKey})
	table.Render()

	return nil
}

func signOperation(ctx *cli.Context) error {

	if ctx.NArg() != 1 {
		return errors.New("sign needs the operation hex as its only argument")
	}
	opHex := strings.TrimPrefix(ctx.Args().First(), "0x")

	path, curve, err := appArgs(ctx)
	if err != nil {
		return err
	}

	c, cancel := interruptContext()
	defer cancel()

	app, closeApp, err := openApp(c, ctx)
	if err != nil {
		return err
	}
	defer closeApp()

	app.OnPartialSuccess(func(kind ledger.RequestKind) {
		fmt.Fprintln(os.Stderr, warn("Review the operation on your Ledger"))
	})

	res, err := app.SignWithCurve(c, opHex, path, curve, !ctx.Bool(noParseFlag.Name))
	if err != nil {
		return describe(err)
	}

	fmt.Fprintln(os.Stderr, good("Signed"))
	fmt.Println("Signature:", res.Encoded)
	fmt.Println("Signature hex:", res.Signature)

	if signed, err := tezos.SignedOperation(opHex, res.Signature); err == nil {
		fmt.Println("Signed operation:", signed)
	}

	return nil
}

func showVersion(ctx *cli.Context) error {

	c, cancel := interruptContext()
	defer cancel()

	app, closeApp, err := openApp(c, ctx)
	if err != nil {
		return err
	}
	defer closeApp()

	version, err := app.GetVersion(c)
	if err != nil {
		return describe(err)
	}
	commit, err := app.GetCommitHash(c)
	if err != nil {
		return describe(err)
	}

	fmt.Printf("%s (%s)\n", version, commit)
	return nil
}

// describe adds the error kind and raw status to session errors.
func describe(err error) error {
	var pe *ledger.ProtocolError
	if !errors.As(err, &pe) {
		return err
	}
	if code := pe.Code(); code != "" {
		return errors.Errorf("%s [%s, status %s]", color.RedString(pe.Error()), pe.Kind(), code)
	}
	return errors.Errorf("%s [%s]", color.RedString(pe.Error()), pe.Kind())
}
