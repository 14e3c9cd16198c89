package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/barnettlynn/sdmprov/internal/cli"
	"github.com/barnettlynn/sdmprov/internal/config"
	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

func main() {
	var flags cli.Flags
	flags.Register(pflag.CommandLine)
	uidHex := pflag.StringP("uid", "u", "", "14-char hex string (7-byte tag UID, required)")
	counter := pflag.Uint32("ctr", 0, "SDM read counter value")
	verify := pflag.Bool("verify", false, "self-verify the generated URL")
	pflag.Parse()

	flags.SetupLogging()

	if *uidHex == "" {
		pflag.Usage()
		log.Fatalf("--uid is required")
	}
	uid, err := keystore.ParseUID(*uidHex)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *counter > 0xFFFFFF {
		log.Fatalf("counter must be <= 0xFFFFFF, got %d", *counter)
	}

	configPath, err := flags.ConfigPath()
	if err != nil {
		log.Fatalf("resolve config path failed: %v", err)
	}
	cfg, err := config.LoadWithMode(configPath, config.ValidationEmulator)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	mode, err := ntag424.ParseMirrorMode(cfg.SDM.Mode)
	if err != nil {
		log.Fatalf("%v", err)
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

	e := &emulator{
		store:   store,
		baseURL: cfg.SDM.BaseURL,
		mode:    mode,
		fileKey: byte(*cfg.SDM.FileReadKey),
		metaKey: byte(*cfg.SDM.MetaReadKey),
	}
	slog.Debug("generating SDM URL", "uid", keystore.FormatUID(uid), "counter", *counter, "mode", mode)
	ctx := context.Background()
	generatedURL, err := e.generate(ctx, uid, *counter)
	if err != nil {
		store.Close()
		log.Fatalf("generate SDM URL: %v", err)
	}

	fmt.Printf("UID:     %s\n", keystore.FormatUID(uid))
	fmt.Printf("Counter: %d\n", *counter)
	fmt.Printf("URL:     %s\n", generatedURL)

	if *verify {
		rec, err := store.Load(ctx, uid)
		if err != nil {
			store.Close()
			log.Fatalf("%v", err)
		}
		fileKey := rec.Keys[e.fileKey].Key[:]
		if mode == ntag424.MirrorPlain {
			_, err = ntag424.VerifySDMMAC(generatedURL, fileKey)
		} else {
			_, err = ntag424.VerifySDMMACEncrypted(generatedURL, rec.Keys[e.metaKey].Key[:], fileKey)
		}
		if err != nil {
			fmt.Printf("Verify:  FAILED (%v)\n", err)
			store.Close()
			log.Fatalf("verification failed")
		}
		fmt.Printf("Verify:  OK\n")
	}
}
