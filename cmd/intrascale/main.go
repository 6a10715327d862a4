// Command intrascale runs an intrascale node: discovery, the connection
// manager, the executor, the scheduler, and (by default) the HTTP
// introspection API. Structured on the gprobe binary's own cli.v1 command
// layout (see cmd/gprobe/config.go's flag/command wiring).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"github.com/probechain/intrascale/internal/app"
	"github.com/probechain/intrascale/internal/config"
	"github.com/probechain/intrascale/internal/log"
)

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	discoveryPortFlag = cli.IntFlag{
		Name:  "discovery.port",
		Usage: "UDP discovery port",
		Value: config.Defaults.Discovery.Port,
	}
	transportPortFlag = cli.IntFlag{
		Name:  "transport.port",
		Usage: "TCP peer port",
		Value: config.Defaults.Transport.Port,
	}
	httpAddrFlag = cli.StringFlag{
		Name:  "http.addr",
		Usage: "HTTP introspection API listen address",
		Value: config.Defaults.HTTPAPI.Addr,
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "Log verbosity (0=crit ... 5=trace)",
		Value: int(log.LvlInfo),
	}
)

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "intrascale"
	cliApp.Usage = "LAN-local distributed task execution"
	cliApp.Flags = []cli.Flag{configFileFlag, discoveryPortFlag, transportPortFlag, httpAddrFlag, verbosityFlag}
	cliApp.Commands = []cli.Command{runCommand, statusCommand, consoleCommand}
	cliApp.Action = runNode

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCommand = cli.Command{
	Name:   "run",
	Usage:  "Run an intrascale node in the foreground",
	Action: runNode,
	Flags:  []cli.Flag{configFileFlag, discoveryPortFlag, transportPortFlag, httpAddrFlag, verbosityFlag},
}

func loadNodeConfig(ctx *cli.Context) config.Config {
	log.SetLevel(log.Lvl(ctx.GlobalInt(verbosityFlag.Name)))

	cfg := config.Defaults
	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		loaded, err := config.Load(file)
		if err != nil {
			fatalf("failed to load config file: %v", err)
		}
		cfg = loaded
	}
	if ctx.GlobalIsSet(discoveryPortFlag.Name) {
		cfg.Discovery.Port = ctx.GlobalInt(discoveryPortFlag.Name)
	}
	if ctx.GlobalIsSet(transportPortFlag.Name) {
		cfg.Transport.Port = ctx.GlobalInt(transportPortFlag.Name)
	}
	if ctx.GlobalIsSet(httpAddrFlag.Name) {
		cfg.HTTPAPI.Addr = ctx.GlobalString(httpAddrFlag.Name)
	}
	return cfg
}

func runNode(ctx *cli.Context) error {
	cfg := loadNodeConfig(ctx)

	node, err := app.New(cfg)
	if err != nil {
		return err
	}
	registerExampleHandlers(node)

	if err := node.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	node.Stop()
	return nil
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
