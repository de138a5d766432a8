package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/akamensky/argparse"

	"dropsync/constants"
	"dropsync/metrics"
	"dropsync/networking"
	"dropsync/server/config"
	"dropsync/server/controller"
	"dropsync/storage"
	"dropsync/validator"
)

func main() {
	args := argparse.NewParser("dropsync-server", constants.Title)

	cfgPath := args.String("c", "config", &argparse.Options{Required: false, Help: "YAML configuration file"})
	bind := args.String("l", "listen", &argparse.Options{Required: false, Help: "Listen on address"})
	port := args.Int("p", "port", &argparse.Options{Required: false, Help: "Listening port"})
	staging := args.String("s", "staging", &argparse.Options{Required: false, Help: "Directory for partial uploads"})
	dest := args.String("r", "root", &argparse.Options{Required: false, Help: "Destination directory for finished files"})
	keydir := args.String("K", "keydir", &argparse.Options{Required: false, Help: "Directory with server.key and clients/*.pub"})
	metricsAddr := args.String("M", "metrics", &argparse.Options{Required: false, Help: "Expose prometheus metrics on this address"})
	keygen := args.Flag("g", "keygen", &argparse.Options{Help: "Generate a server key pair in the key directory and exit"})

	err := args.Parse(os.Args)
	if err != nil {
		fmt.Print(args.Usage(err))
		os.Exit(2)
	}

	cfg, err := loadConfig(*cfgPath, *bind, *port, *staging, *dest, *keydir, *metricsAddr, *keygen)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	if *keygen {
		keys, err := networking.GenerateKeyPair()
		if err == nil {
			err = networking.WriteKeyPair(cfg.Keydir, "server", keys)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		fmt.Println("Wrote", filepath.Join(cfg.Keydir, "server.key"), "and server.pub")
		os.Exit(0)
	}

	log := cfg.SetupLogger()
	slog.SetDefault(log)

	store, err := storage.New(cfg.Staging, cfg.Destination)
	if err != nil {
		log.Error("invalid storage layout", slog.String("error", err.Error()))
		os.Exit(1)
	}

	keys, err := networking.LoadKeyPair(filepath.Join(cfg.Keydir, "server.key"))
	if err != nil {
		log.Error("could not load server key", slog.String("error", err.Error()))
		os.Exit(1)
	}
	auth, err := networking.NewDirAuthorizer(filepath.Join(cfg.Keydir, "clients"))
	if err != nil {
		log.Error("could not load authorized client keys", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var valid validator.Validator = validator.AcceptAll{}
	if len(cfg.RequiredMeta) > 0 {
		valid = &validator.RequiredKeys{Keys: cfg.RequiredMeta}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				log.Error("metrics listener failed", slog.String("error", err.Error()))
			}
		}()
	}

	srv := controller.NewServer(cfg, log, store, valid, keys, auth)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		log.Info("shutting down")
		srv.Shutdown()
		os.Exit(0)
	}()

	addr := cfg.Listen + ":" + strconv.Itoa(cfg.Port)
	if err := srv.StartListening(addr); err != nil {
		log.Error("listener failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// loadConfig overlays command line values onto the config file.
func loadConfig(path, bind string, port int, staging, dest, keydir, metricsAddr string, keygen bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if bind != "" {
		cfg.Listen = bind
	}
	if port != 0 {
		cfg.Port = port
	}
	if staging != "" {
		cfg.Staging = staging
	}
	if dest != "" {
		cfg.Destination = dest
	}
	if keydir != "" {
		cfg.Keydir = keydir
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if keygen {
		// Key generation only needs the key directory.
		if cfg.Keydir == "" {
			return nil, fmt.Errorf("keydir is required")
		}
		return cfg, nil
	}
	return cfg, cfg.Validate()
}
