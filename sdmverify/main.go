package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/barnettlynn/sdmprov/internal/cli"
	"github.com/barnettlynn/sdmprov/internal/config"
	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

func main() {
	var flags cli.Flags
	flags.Register(pflag.CommandLine)
	rawURL := pflag.String("url", "", "verify a tapped URL offline instead of reading the tag")
	list := pflag.Bool("list", false, "list the key store records and exit")
	settings := pflag.Bool("settings", false, "also show file settings and the SDM read counter")
	pflag.Parse()

	flags.SetupLogging()

	configPath, err := flags.ConfigPath()
	if err != nil {
		log.Fatalf("resolve config path failed: %v", err)
	}
	fmt.Printf("Using config: %s\n", configPath)

	mode := config.ValidationVerify
	if *list || *rawURL != "" {
		mode = config.ValidationOffline
	}
	cfg, err := config.LoadWithMode(configPath, mode)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	password, err := cli.StorePassword(cfg.Store.PasswordEnv, cfg.Store.Backend)
	if err != nil {
		log.Fatalf("key store password: %v", err)
	}
	store, err := cfg.OpenStore(password)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if *list {
		if err := listRecords(ctx, os.Stdout, store); err != nil {
			store.Close()
			log.Fatalf("list key store: %v", err)
		}
		return
	}

	v := &verifier{
		store:   store,
		fileKey: byte(*cfg.SDM.FileReadKey),
		metaKey: byte(*cfg.SDM.MetaReadKey),
	}

	if strings.TrimSpace(*rawURL) != "" {
		tap, rec, err := v.verify(ctx, strings.TrimSpace(*rawURL))
		report(tap, rec, err)
		if err != nil {
			store.Close()
			os.Exit(1)
		}
		return
	}

	conn, err := ntag424.Connect(*cfg.Runtime.ReaderIndex)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	fmt.Printf("Using reader [%d]: %s\n", conn.ReaderIdx, conn.Reader)

	u, tap, rec, err := v.tap(ctx, conn)
	if u != "" {
		fmt.Printf("Tapped URL: %s\n", u)
	}
	report(tap, rec, err)
	if err == nil && *settings {
		fmt.Println()
		if err := inspect(os.Stdout, conn, rec, byte(*cfg.SDM.FileNo)); err != nil {
			fmt.Printf("\nError: could not read file settings: %v\n", err)
		}
	}
	if err != nil {
		conn.Close()
		store.Close()
		os.Exit(1)
	}
}

func report(tap *ntag424.TapResult, rec *keystore.Record, err error) {
	switch {
	case err == nil:
		fmt.Printf("MAC OK  uid=%X ctr=%d\n", tap.UID, tap.Counter)
	case errors.Is(err, keystore.ErrNotFound):
		fmt.Printf("Unknown tag: %v\n", err)
	case errors.Is(err, errNotProvisioned):
		fmt.Printf("UNVERIFIED: %v (phase %q, last error %q)\n", err, rec.Phase, rec.LastError)
	case ntag424.IsIntegrityError(err):
		fmt.Printf("MAC FAILED: %v\n", err)
	default:
		fmt.Printf("Error: %v\n", err)
	}
}
