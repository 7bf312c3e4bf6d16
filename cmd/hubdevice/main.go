package main

import (
	"context"
	"fmt"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"github.com/temoto/hubdevice/cmd/hubdevice/console"
	"github.com/temoto/hubdevice/cmd/hubdevice/run"
	"github.com/temoto/hubdevice/cmd/hubdevice/subcmd"
	"github.com/temoto/hubdevice/cmd/hubdevice/token"
	device_config "github.com/temoto/hubdevice/device/config"
	"github.com/temoto/hubdevice/log2"
	"github.com/temoto/hubdevice/transport/paho"
)

var modules = []subcmd.Mod{
	run.Mod,
	console.Mod,
	token.Mod,
}

func main() {
	log := log2.NewStderr(log2.LInfo)

	flags := pflag.NewFlagSet("hubdevice", pflag.ContinueOnError)
	flagConfig := flags.String("config", "", "HCL config file, optional")
	flagEnvFile := flags.String("env-file", ".env", "dotenv file, ignored if missing")
	flagDebug := flags.Bool("debug", false, "debug logging, same as log_debug=true")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: hubdevice [flags] command [args]\n\ncommands:\n%s\nflags:\n%s",
			subcmd.Usage(modules), flags.FlagUsages())
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if subcmd.SdNotify(log, "start") {
		// under systemd, assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	mod, err := subcmd.Parse(flags.Arg(0), modules)
	if err != nil {
		log.Error(err)
		flags.Usage()
		os.Exit(2)
	}

	config, err := device_config.Load(*flagConfig, *flagEnvFile)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	if *flagDebug {
		config.LogDebug = true
	}
	if config.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	transportLog := log.Clone(log2.LInfo)
	if config.TransportLogDebug {
		transportLog.SetLevel(log2.LDebug)
	}
	paho.SetLogger(transportLog)
	log.Debugf("command=%s config file=%s transport=%s", mod.Name, *flagConfig, config.TransportName())

	env := &subcmd.Env{
		Args:   flags.Args()[1:],
		Config: config,
		Log:    log,
	}
	if err := mod.Main(context.Background(), env); err != nil {
		subcmd.SdNotify(log, daemon.SdNotifyStopping)
		log.Fatal(errors.ErrorStack(err))
	}
}
