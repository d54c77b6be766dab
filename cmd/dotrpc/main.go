package main

/*
* CLI to run and call dotrpc services
 */

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"dotrpc/client"
	"dotrpc/codec"
	"dotrpc/discovery"
	"dotrpc/loadbalance"
	"dotrpc/logging"
	"dotrpc/registry"
	"dotrpc/server"
)

func PrintFatal(msg string, args ...interface{}) {
	os.Stderr.WriteString(Red(fmt.Sprintf(msg, args...)) + "\n")
	os.Exit(1)
}

func newLogger(c *cli.Context) *zap.Logger {
	log, err := logging.New(c.GlobalBool("debug"))
	if err != nil {
		PrintFatal("%s", err.Error())
	}
	return log
}

func newRegistry(c *cli.Context, log *zap.Logger) registry.Registry {
	switch c.GlobalString("registry") {
	case "memory":
		return registry.NewMemoryRegistry()
	case "etcd":
		reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{
			Endpoints: strings.Split(c.GlobalString("etcd"), ","),
			Prefix:    c.GlobalString("prefix"),
			Logger:    log,
		})
		if err != nil {
			PrintFatal("registry: %v", err)
		}
		return reg
	}
	PrintFatal("unknown registry %q", c.GlobalString("registry"))
	return nil
}

func newResolver(c *cli.Context, log *zap.Logger) *discovery.Resolver {
	bal, err := loadbalance.New(c.GlobalString("balancer"), c.GlobalString("hash-key"))
	if err != nil {
		PrintFatal("%s", err.Error())
	}
	return discovery.NewResolver(newRegistry(c, log), discovery.Options{
		Balancer:  bal,
		CacheSize: c.GlobalInt("cache"),
		Logger:    log,
	})
}

func serveCommand(c *cli.Context) (err error) {
	log := newLogger(c)
	defer log.Sync()

	svr := server.NewServer(newResolver(c, log), server.Options{
		Delimiter: c.GlobalString("delimiter"),
		Host:      c.String("host"),
		Port:      c.Int("port"),
		Advertise: c.String("advertise"),
		TTL:       c.Int64("ttl"),
		Weight:    c.Int("weight"),
		Version:   c.String("version"),
		Logger:    log,
	})
	if err = svr.AddService(&Health{started: time.Now()}); err != nil {
		PrintFatal("%s", err.Error())
	}
	if dir := c.String("plugins"); dir != "" {
		if err = svr.AddPath(dir); err != nil {
			PrintFatal("%s", err.Error())
		}
	}

	if err = svr.Start(); err != nil {
		PrintFatal("%s", err.Error())
	}
	fmt.Println("serving on " + Cyan(svr.Addr()))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		svr.Shutdown()
	}()

	<-svr.Done()
	return
}

func newClient(c *cli.Context) (*client.Client, *zap.Logger) {
	log := newLogger(c)
	codecType, err := codec.ParseCodecType(c.String("codec"))
	if err != nil {
		PrintFatal("%s", err.Error())
	}
	return client.NewClient(newResolver(c, log), client.Options{
		Delimiter: c.GlobalString("delimiter"),
		Timeout:   time.Duration(c.Int("timeout")) * time.Millisecond,
		Codec:     codecType,
		Logger:    log,
	}), log
}

func callCommand(c *cli.Context) (err error) {
	if c.NArg() < 1 {
		PrintFatal("usage: dotrpc call <service.method> [json payload]")
	}
	path := c.Args().First()

	payload := json.RawMessage("null")
	if c.NArg() > 1 {
		payload = json.RawMessage(c.Args().Get(1))
		if !json.Valid(payload) {
			PrintFatal("payload is not valid JSON: %s", payload)
		}
	}

	cl, log := newClient(c)
	defer log.Sync()
	defer cl.Disconnect()

	var result json.RawMessage
	if err = cl.Call(context.Background(), path, payload, &result); err != nil {
		PrintFatal("%s", err.Error())
	}
	fmt.Println(Green(string(result)))
	return
}

func shutdownCommand(c *cli.Context) (err error) {
	if c.NArg() != 1 {
		PrintFatal("usage: dotrpc shutdown <service>")
	}
	cl, log := newClient(c)
	defer log.Sync()
	defer cl.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = cl.ShutdownServer(ctx, c.Args().First()); err != nil {
		PrintFatal("%s", err.Error())
	}
	fmt.Println("shutdown sent to a server of " + Cyan(c.Args().First()))
	return
}

func main() {
	app := cli.NewApp()
	app.Name = "dotrpc"
	app.Usage = "serve and call dotrpc services"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "registry", Value: "etcd", Usage: "registry backend: etcd or memory"},
		cli.StringFlag{Name: "etcd", Value: "127.0.0.1:2379", Usage: "comma separated etcd endpoints", EnvVar: "DOTRPC_ETCD"},
		cli.StringFlag{Name: "prefix", Value: registry.DefaultPrefix, Usage: "registry key prefix"},
		cli.StringFlag{Name: "delimiter", Value: ".", Usage: "call path delimiter"},
		cli.StringFlag{Name: "balancer", Value: "roundrobin", Usage: "roundrobin, random or hash"},
		cli.StringFlag{Name: "hash-key", Usage: "affinity key for the hash balancer"},
		cli.IntFlag{Name: "cache", Usage: "number of services whose addresses are cached, 0 to always ask the registry"},
		cli.BoolFlag{Name: "debug"},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "serve",
			Usage: "run a server with the health service and any plugins",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "host"},
				cli.IntFlag{Name: "port", Usage: "preferred port, any free port if taken"},
				cli.StringFlag{Name: "advertise", Usage: "address registered for the services"},
				cli.StringFlag{Name: "plugins", Usage: "directory of service plugins (*.so)"},
				cli.Int64Flag{Name: "ttl", Value: server.DefaultTTL, Usage: "registry lease in seconds"},
				cli.IntFlag{Name: "weight"},
				cli.StringFlag{Name: "version"},
			},
			Action: serveCommand,
		},
		cli.Command{
			Name:      "call",
			ArgsUsage: "<service.method> [json payload]",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "timeout", Value: 5000, Usage: "milliseconds, 0 disables"},
				cli.StringFlag{Name: "codec", Value: "json", Usage: "json or binary"},
			},
			Action: callCommand,
		},
		cli.Command{
			Name:      "shutdown",
			ArgsUsage: "<service>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "codec", Value: "json"},
			},
			Action: shutdownCommand,
		},
	}
	app.Run(os.Args)
}
