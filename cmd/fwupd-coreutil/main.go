// Command fwupd-coreutil is a debug shell for the device-model engine:
// it opens a quirk store and runs a one-shot lookup or GUID dump, or
// decodes an Intel-HEX firmware image and prints its record stream,
// without attaching to any real transport.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/hidpp/bootloader"
	"github.com/go-fwupd/fwupd-core/internal/quirk"
)

var coreutilLog = logrus.WithField("subsystem", "fwupd-coreutil")

func main() {
	app := cli.NewApp()
	app.Name = "fwupd-coreutil"
	app.Usage = "debug shell for the fwupd-core device engine"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable verbose logging",
		},
	}
	app.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	app.Commands = []cli.Command{
		quirkLookupCommand,
		quirkDumpCommand,
		hexDecodeCommand,
	}

	if err := app.Run(os.Args); err != nil {
		coreutilLog.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

var quirkLookupCommand = cli.Command{
	Name:      "quirk-lookup",
	Usage:     "look up a single key for a GUID across a directory of .quirk files",
	ArgsUsage: "<quirk-dir> <guid> <key>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return cli.NewExitError("usage: fwupd-coreutil quirk-lookup <quirk-dir> <guid> <key>", 1)
		}
		dir, guid, key := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)

		store, err := quirk.New("")
		if err != nil {
			return err
		}
		defer store.Close()
		for _, k := range fwdevice.AllQuirkKeys {
			store.RegisterPossibleKey(k)
		}
		if err := store.Load([]string{dir}); err != nil {
			return err
		}

		v, ok := store.Lookup(guid, key)
		if !ok {
			return cli.NewExitError(fmt.Sprintf("no quirk value for guid=%s key=%s", guid, key), 2)
		}
		fmt.Println(v)
		return nil
	},
}

var quirkDumpCommand = cli.Command{
	Name:      "quirk-dump",
	Usage:     "dump every key/value known for a GUID across a directory of .quirk files",
	ArgsUsage: "<quirk-dir> <guid>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.NewExitError("usage: fwupd-coreutil quirk-dump <quirk-dir> <guid>", 1)
		}
		dir, guid := c.Args().Get(0), c.Args().Get(1)

		store, err := quirk.New("")
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Load([]string{dir}); err != nil {
			return err
		}

		store.Iter(guid, nil, func(source quirk.Source, key, value string) {
			fmt.Printf("%s\t%s=%s\n", source, key, value)
		})
		return nil
	},
}

var hexDecodeCommand = cli.Command{
	Name:      "hex-decode",
	Usage:     "parse an Intel-HEX firmware image and print its record stream",
	ArgsUsage: "<file.hex> [flash-lo] [flash-hi]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.NewExitError("usage: fwupd-coreutil hex-decode <file.hex> [flash-lo] [flash-hi]", 1)
		}
		path := c.Args().Get(0)
		flashLo, flashHi := uint32(0), uint32(0xFFFFFFFF)
		if c.NArg() >= 2 {
			v, err := strconv.ParseUint(c.Args().Get(1), 0, 32)
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			flashLo = uint32(v)
		}
		if c.NArg() >= 3 {
			v, err := strconv.ParseUint(c.Args().Get(2), 0, 32)
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			flashHi = uint32(v)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		records, err := bootloader.ParseIntelHex(data, flashLo, flashHi)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("addr=0x%08x kind=%d len=%d\n", r.Addr, r.Kind, len(r.Data))
		}
		coreutilLog.WithField("records", len(records)).Debug("decoded intel-hex stream")
		return nil
	},
}

// snapshotTree renders dev and every descendant as an indented JSON
// forest, used by callers wiring up an in-process arena for manual
// inspection rather than exposed as its own subcommand (no transport to
// attach to here, so it is exercised only from tests).
func snapshotTree(dev *fwdevice.Device, depth int) ([]byte, error) {
	type node struct {
		Snapshot fwdevice.Snapshot `json:"snapshot"`
		Children []node            `json:"children,omitempty"`
	}
	var build func(d *fwdevice.Device) node
	build = func(d *fwdevice.Device) node {
		n := node{Snapshot: d.ToSnapshot()}
		for _, child := range d.Children() {
			n.Children = append(n.Children, build(child))
		}
		return n
	}
	return json.MarshalIndent(build(dev), "", "  ")
}
