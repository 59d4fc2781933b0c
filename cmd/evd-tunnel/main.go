// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
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

// Command evd-tunnel is the thin end-to-end demonstration SPEC_FULL.md
// promises: it accepts local connections with evdsocket, bridges each one
// to a Connection drawn from a pool.Pool dialing a fixed remote target, and
// optionally terminates JSON or WebSocket framing on the accepted side
// instead of forwarding raw bytes. It is not a production proxy; it wires
// poller, scheduler, evdsocket, conn, pool, jsonfilter and wsframe the way
// client/main.go and server/main.go wire kcp-go and smux.
package main

import (
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/evdance/evd/conn"
	"github.com/evdance/evd/evdsocket"
	"github.com/evdance/evd/poller"
	"github.com/evdance/evd/pool"
	"github.com/evdance/evd/promise"
	"github.com/evdance/evd/scheduler"
	"github.com/evdance/evd/wsframe"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "evd-tunnel"
	myApp.Usage = "reactor-based connection tunnel"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":12948",
			Usage: "local listen address",
		},
		cli.StringFlag{
			Name:  "target,t",
			Value: "127.0.0.1:29900",
			Usage: "remote target address, dialed through a pool.Pool",
		},
		cli.IntFlag{
			Name:  "poolmin",
			Value: 2,
			Usage: "minimum warm connections kept in the remote pool",
		},
		cli.IntFlag{
			Name:  "poolmax",
			Value: 32,
			Usage: "maximum connections the remote pool may hold",
		},
		cli.IntFlag{
			Name:  "bandwidth",
			Value: 0,
			Usage: "per-connection throttle bandwidth in bytes/sec, 0 to disable",
		},
		cli.IntFlag{
			Name:  "latency",
			Value: 0,
			Usage: "per-connection throttle minimum latency in milliseconds, 0 to disable",
		},
		cli.StringFlag{
			Name:  "framing",
			Value: "",
			Usage: "terminate application framing on the accepted side: \"\", \"json\", or \"websocket\"",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress per-connection open/close messages",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command line flags",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Listen = c.String("listen")
		config.Target = c.String("target")
		config.PoolMin = c.Int("poolmin")
		config.PoolMax = c.Int("poolmax")
		config.Bandwidth = int64(c.Int("bandwidth"))
		config.Latency = c.Int("latency")
		config.Framing = c.String("framing")
		config.Log = c.String("log")
		config.Quiet = c.Bool("quiet")
		config.Pprof = c.Bool("pprof")

		if c.String("c") != "" {
			if err := parseJSONConfig(&config, c.String("c")); err != nil {
				checkError(err)
			}
		}

		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		switch config.Framing {
		case "", "json", "websocket":
		default:
			color.Red("unsupported framing %q, forwarding raw bytes instead", config.Framing)
			config.Framing = ""
		}
		if config.PoolMin > config.PoolMax {
			color.Red("poolmin %d exceeds poolmax %d, clamping poolmin down", config.PoolMin, config.PoolMax)
			config.PoolMin = config.PoolMax
		}

		log.Println("version:", VERSION)
		log.Println("listening on:", config.Listen)
		log.Println("target:", config.Target)
		log.Println("pool: min", config.PoolMin, "max", config.PoolMax)
		log.Println("framing:", config.Framing)

		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		return run(&config)
	}

	if err := myApp.Run(os.Args); err != nil {
		checkError(err)
	}
}

func run(config *Config) error {
	p, err := poller.New(nil)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx := scheduler.New()
	go ctx.Run()
	defer ctx.Stop()

	remotePool := pool.New(p, ctx, config.Target, config.PoolMin, config.PoolMax)
	defer remotePool.Close()

	listener := evdsocket.New(p, ctx, evdsocket.Stream)
	listener.SetOnNewConnection(func(sock *evdsocket.Socket) {
		acceptOne(config, ctx, remotePool, sock)
	})

	if r := listener.Listen(config.Listen, nil).Await(); r.Err != nil {
		return r.Err
	}
	defer listener.Close()

	select {}
}

// acceptOne wires one freshly accepted Connection. In the default framing
// mode it draws a Connection from remotePool and bridges raw bytes between
// the two, the library's core use case (spec §3/§4.7). The "json" and
// "websocket" framing modes instead terminate application framing directly
// on the accepted side and never touch the pool, demonstrating jsonfilter
// and wsframe spliced onto a live reactor Connection.
func acceptOne(config *Config, ctx *scheduler.Context, remotePool *pool.Pool, sock *evdsocket.Socket) {
	local := conn.New(sock, ctx, config.Bandwidth, config.Latency)

	if !config.Quiet {
		log.Println("evd-tunnel: stream opened")
	}

	switch config.Framing {
	case "json":
		jsonFramed(local, func(packet []byte) {
			if !config.Quiet {
				log.Printf("evd-tunnel: json packet: %s", packet)
			}
		})
		local.SetOnClose(func() {
			if !config.Quiet {
				log.Println("evd-tunnel: stream closed")
			}
		})
		return
	case "websocket":
		sess := wsframe.NewSession(wsframe.Version8, true, ctx, local)
		sess.Bind(nil, func(data []byte, isBinary bool) {
			if !config.Quiet {
				log.Printf("evd-tunnel: websocket frame (binary=%v): %d bytes", isBinary, len(data))
			}
		}, func(gracefully bool) {
			if !config.Quiet {
				log.Println("evd-tunnel: stream closed, graceful=", gracefully)
			}
			local.Close()
		})
		websocketFramed(local, sess)
		return
	}

	remotePromise := remotePool.GetConnection(nil)
	remotePromise.Then(func(r promise.Result) {
		if r.Err != nil {
			log.Println("evd-tunnel: pool exhausted:", r.Err)
			local.Close()
			return
		}
		remote := r.Value.(*conn.Connection)

		onDone := func() {
			if !config.Quiet {
				log.Println("evd-tunnel: stream closed")
			}
		}
		newBridge(local, remote, remotePool.Recycle, onDone)
	})
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
