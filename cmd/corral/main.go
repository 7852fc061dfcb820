//go:build linux

// Command corral runs a single jailed process, or a supervisor that spawns
// one jailed process per accepted TCP connection, per the flags given
// before "--" and the target command given after it.
package main

import (
	"errors"
	"fmt"
	"os"

	"corral/internal/logsink"
	"corral/internal/supervisor"
)

func main() {
	os.Exit(mainErr())
}

func mainErr() int {
	flags, command, err := parseFlags(os.Args[1:])
	if errors.Is(err, flagHelpRequested) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := flags.toJailConfig(command)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage(flags.fs)
		return 2
	}

	if cfg.Daemonize {
		if err := daemonize(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	sink, err := logsink.New(logsink.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogPath,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer sink.Sync()

	sup := supervisor.New(cfg, sink, "")
	if err := sup.Run(); err != nil {
		sink.Error(err.Error())
		return 1
	}
	return 0
}
