package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/akamensky/argparse"

	"dropsync/client/comms"
	"dropsync/client/upload"
	"dropsync/constants"
	"dropsync/networking"
)

// Exit codes of the upload client.
const (
	exitOK        = 0
	exitLocalIO   = 1
	exitUsage     = 2
	exitRejected  = 3
	exitChecksum  = 4
	exitTransport = 5
	exitCancelled = 6
)

func main() {
	args := argparse.NewParser("dropsync-client", constants.Title)

	server := args.StringPositional(&argparse.Options{Help: "Server host address"})
	path := args.StringPositional(&argparse.Options{Help: "File to upload, or - for standard input"})
	metaPath := args.String("m", "meta", &argparse.Options{Required: false, Help: "Path to a JSON file containing metadata"})
	keyValues := args.StringList("k", "key-value", &argparse.Options{Required: false, Help: "Colon separated key:value pair. Overrides metadata. Repeatable"})
	name := args.String("n", "name", &argparse.Options{Required: false, Help: "Override remote file name"})
	port := args.Int("p", "port", &argparse.Options{Required: false, Help: "Target port", Default: constants.DEFAULT_PORT})
	dscp := args.Int("d", "dscp", &argparse.Options{Required: false, Help: "DSCP field for QoS", Default: constants.DEFAULT_DSCP})
	keydir := args.String("K", "keydir", &argparse.Options{Required: false, Help: "Directory with client.key and server.pub", Default: defaultKeydir()})
	keygen := args.Flag("g", "keygen", &argparse.Options{Help: "Generate a client key pair in the key directory and exit"})

	err := args.Parse(os.Args)
	if err != nil {
		fmt.Print(args.Usage(err))
		os.Exit(exitUsage)
	}

	if *keygen {
		keys, err := networking.GenerateKeyPair()
		if err == nil {
			err = networking.WriteKeyPair(*keydir, "client", keys)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(exitLocalIO)
		}
		fmt.Println("Wrote", filepath.Join(*keydir, "client.key"), "and client.pub")
		os.Exit(exitOK)
	}

	if *server == "" || *path == "" {
		fmt.Print(args.Usage(errors.New("server host and file path are required")))
		os.Exit(exitUsage)
	}

	meta, err := buildMeta(*metaPath, *keyValues)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(exitUsage)
	}

	var source io.Reader
	remoteName := *name
	if *path == "-" {
		if remoteName == "" {
			fmt.Fprintln(os.Stderr, "Reading from standard input requires --name")
			os.Exit(exitUsage)
		}
		source = os.Stdin
	} else {
		local := filepath.Clean(*path)
		info, err := os.Stat(local)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(exitLocalIO)
		}
		if info.IsDir() {
			fmt.Fprintln(os.Stderr, "Provided path is a directory. Archive it first.")
			os.Exit(exitUsage)
		}
		file, err := os.Open(local)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(exitLocalIO)
		}
		defer file.Close()
		source = file
		if remoteName == "" {
			remoteName = filepath.Base(local)
		}
	}

	keys, err := networking.LoadKeyPair(filepath.Join(*keydir, "client.key"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		fmt.Fprintln(os.Stderr, "Generate a key pair with --keygen first")
		os.Exit(exitUsage)
	}
	serverKey, err := networking.LoadPublicKey(filepath.Join(*keydir, "server.pub"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(exitUsage)
	}

	addr := *server + ":" + strconv.Itoa(*port)
	client := comms.New(addr, *dscp, keys, serverKey)
	u := upload.New(remoteName, meta, source)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		fmt.Fprintln(os.Stderr, "Cancelling upload")
		client.RequestCancel()
	}()

	uploadID, err := client.Run(u)
	client.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(exitCode(err))
	}
	fmt.Println("Upload finished:", uploadID)
}

// buildMeta loads the metadata file and applies key:value overrides.
func buildMeta(path string, keyValues []string) ([]byte, error) {
	meta := make(map[string]interface{})
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("%s: metadata must be a JSON object: %w", path, err)
		}
	}
	for _, pair := range keyValues {
		key, value, found := strings.Cut(pair, ":")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid key-value pair %q, must be key:value", pair)
		}
		meta[key] = value
	}
	return json.Marshal(meta)
}

func defaultKeydir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dropsync"
	}
	return filepath.Join(home, ".dropsync")
}

// exitCode maps terminal errors onto the documented exit codes.
func exitCode(err error) int {
	if errors.Is(err, upload.ErrRetentionExhausted) {
		return exitTransport
	}
	var remote *upload.RemoteError
	if errors.As(err, &remote) {
		switch remote.Code {
		case networking.CodeRejected:
			return exitRejected
		case networking.CodeChecksum:
			return exitChecksum
		case networking.CodeCancelled:
			return exitCancelled
		case networking.CodeTimeout:
			return exitTransport
		default:
			return exitTransport
		}
	}
	var net *networking.InvalidMessageError
	if errors.As(err, &net) {
		return exitTransport
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return exitLocalIO
	}
	return exitTransport
}
