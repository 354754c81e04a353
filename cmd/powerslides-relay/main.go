package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/tcriess/powerslides/config"
	"github.com/tcriess/powerslides/globals"
	"github.com/tcriess/powerslides/relay"
)

var configPath = pflag.StringP("config", "c", "", "path to config file or directory")

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		globals.AppLogger.Error("could not read configuration", "error", err)
		os.Exit(1)
	}
	globals.SetLogLevel(globalConfig.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := relay.NewServer(globalConfig.Relay, globals.AppLogger)
	if err := server.Run(ctx, globalConfig.Addr()); err != nil {
		globals.AppLogger.Error("stopped listening", "error", err)
		os.Exit(1)
	}
	globals.AppLogger.Info("relay stopped")
}
