// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"

	flags "github.com/jessevdk/go-flags"
)

func main() {
	// Work around defer not working after os.Exit.
	if err := hdwalletMain(os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// hdwalletMain is a work-around main function that is required since deferred
// functions (such as log rotator closing) are not called with calls to
// os.Exit.  Instead, main runs this function and checks for a non-nil error,
// at which point any defers have already run, and if the error is non-nil,
// the program can be exited with an error exit status.
func hdwalletMain(args []string) error {
	// Load configuration and register the subcommands.  Logging is set up
	// once the selected command is known to be valid.
	cfg, parser, err := loadConfig(args)
	if err != nil {
		return err
	}

	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if err := cfg.normalize(); err != nil {
			if errors.Is(err, errShowSubsystems) {
				return nil
			}
			fmt.Fprintf(os.Stderr, "loadConfig: %v\n", err)
			return err
		}

		err := initLogRotator(
			cfg.logFile(), int64(cfg.MaxLogFileSize*1024),
			cfg.MaxLogFiles,
		)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return err
		}
		defer logRotator.Close()

		if cfg.Profile != "" {
			go func() {
				listenAddr := net.JoinHostPort("", cfg.Profile)
				log.Infof("Profile server listening on %s",
					listenAddr)
				profileRedirect := http.RedirectHandler(
					"/debug/pprof", http.StatusSeeOther,
				)
				http.Handle("/", profileRedirect)
				log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
			}()
		}

		log.Debugf("Version %s on %v, script type %v, account %d",
			version(), cfg.net, cfg.st, cfg.Account)

		if err := cmd.Execute(args); err != nil {
			log.Errorf("%v", err)
			return err
		}

		return nil
	}

	_, err = parser.ParseArgs(args)
	return err
}
