package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/barnettlynn/sdmprov/internal/cli"
	"github.com/barnettlynn/sdmprov/internal/config"
	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

func main() {
	var flags cli.Flags
	flags.Register(pflag.CommandLine)
	pickReader := pflag.Bool("pick-reader", false, "choose the reader from a menu instead of runtime.reader_index")
	assumeYes := pflag.BoolP("yes", "y", false, "do not ask for confirmation")
	pflag.Parse()

	flags.SetupLogging()

	configPath, err := flags.ConfigPath()
	if err != nil {
		log.Fatalf("resolve config path failed: %v", err)
	}
	fmt.Printf("Using config: %s\n", configPath)

	cfg, err := config.LoadWithMode(configPath, config.ValidationReset)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	readerIdx := *cfg.Runtime.ReaderIndex
	if *pickReader {
		readers, err := ntag424.ListReaders()
		if err != nil {
			log.Fatalf("%v", err)
		}
		readerIdx = cli.SelectMenu("Select reader:", readers)
		if readerIdx < 0 {
			log.Fatalf("no reader selected")
		}
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

	coord, err := cfg.NewResetCoordinator(store)
	if err != nil {
		log.Fatalf("reset setup failed: %v", err)
	}

	conn, err := ntag424.Connect(readerIdx)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	fmt.Printf("Using reader [%d]: %s\n", conn.ReaderIdx, conn.Reader)
	if err := conn.Begin(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec, err := resetTag(ctx, coord, conn, *assumeYes)
	if err != nil {
		conn.Close()
		store.Close()
		log.Fatalf("reset tag failed: %v", err)
	}
	if rec.Status == keystore.StatusFactory {
		fmt.Println("Tag successfully reset to factory defaults!")
	}
}
