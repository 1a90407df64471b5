// MIT License
//
// Copyright (c) 2024 netmux contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command netmuxd is a thin demo host for the netmux runtime: it starts a
// Service listening for connections, optionally pre-warms a pool by
// dialing out to a peer, and logs every inbound message it receives.
// Grounded on xtaci/kcptun's client/server main.go command-line layout,
// adapted from a tunnel proxy's flags to netmux's Service/Config surface.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/netmux/netmux"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

type greeting struct {
	From string
	Text string
}

func main() {
	app := &cli.App{
		Name:    "netmuxd",
		Usage:   "netmux demo host",
		Version: VERSION,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Value: ":7777",
				Usage: "local listen address",
			},
			&cli.StringFlag{
				Name:  "dial",
				Usage: "peer address to eagerly dial, e.g. host:7777 (optional)",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a TOML config file (see SPEC_FULL.md §6)",
			},
			&cli.BoolFlag{
				Name:  "compress",
				Usage: "enable snappy packet compression",
			},
			&cli.BoolFlag{
				Name:  "server-only",
				Usage: "never dial out; only accept connections",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	registry := netmux.NewTypeRegistry()
	registry.Register("netmuxd.greeting", greeting{})

	var cfg netmux.Config
	if path := c.String("config"); path != "" {
		loaded, err := netmux.LoadConfigFile(path)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = netmux.DefaultConfig()
	}

	cfg.ListenAddress = c.String("listen")
	cfg.ServerOnly = c.Bool("server-only")
	if c.Bool("compress") {
		cfg.InplaceCompressFunc = netmux.NewSnappyCompressor()
		cfg.InplaceDecompressFunc = netmux.NewSnappyDecompressor()
	}
	cfg.OnMessage = func(connID uint32, msg netmux.Message) {
		if g, ok := msg.Value.(greeting); ok {
			fmt.Printf("connection %d: %s says %q\n", connID, g.From, g.Text)
		}
	}

	svc := netmux.NewService(registry, cfg)
	if err := svc.ListenAndServe(); err != nil {
		return err
	}
	defer svc.Close()

	if peer := c.String("dial"); peer != "" {
		if _, err := svc.Send(peer, netmux.Message{
			Value: greeting{From: cfg.ListenAddress, Text: "hello"},
			Flags: netmux.Asynchronous,
		}); err != nil {
			return err
		}
	}

	select {}
}
