package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/barnettlynn/sdmprov/internal/cli"
	"github.com/barnettlynn/sdmprov/internal/config"
)

func main() {
	var flags cli.Flags
	flags.Register(pflag.CommandLine)
	once := pflag.Bool("once", false, "provision one tag per reader and exit")
	reprovision := pflag.Bool("reprovision", false, "rotate keys on tags that are already provisioned")
	batchID := pflag.String("batch-id", "", "batch ID sent with each registration (optional)")
	notes := pflag.String("notes", "", "notes sent with each registration (optional)")
	pflag.Parse()

	flags.SetupLogging()

	configPath, err := flags.ConfigPath()
	if err != nil {
		log.Fatalf("resolve config path failed: %v", err)
	}
	fmt.Printf("Using config: %s\n", configPath)

	cfg, err := config.LoadWithMode(configPath, config.ValidationProvision)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *reprovision {
		cfg.Runtime.Reprovision = true
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

	coord, err := cfg.NewCoordinator(store)
	if err != nil {
		log.Fatalf("provisioning setup failed: %v", err)
	}
	_, tpl, err := cfg.SDMSettings()
	if err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Printf("Key store: %s %s\n", cfg.Store.Backend, cfg.Store.Path)
	fmt.Printf("SDM URL template: %s\n", tpl.URL)
	fmt.Printf("Key generation: %s, rotating slots %v\n", cfg.Keys.Generation, cfg.Keys.RotateSlots)

	st := &station{
		coord:   coord,
		reg:     newRegistrar(cfg.API),
		url:     tpl.URL,
		batchID: strings.TrimSpace(*batchID),
		notes:   strings.TrimSpace(*notes),
		once:    *once,
	}
	if st.reg.enabled() {
		fmt.Printf("Registering tags with API: %s\n", cfg.API.Endpoint)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, idx := range cfg.Readers() {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := st.run(ctx, idx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("reader %d: %w", idx, err))
				mu.Unlock()
			}
		}(idx)
	}
	wg.Wait()

	fmt.Printf("Provisioned %d tag(s), %d failed\n", st.provisioned.Load(), st.failed.Load())
	if err := errors.Join(errs...); err != nil {
		store.Close()
		log.Fatalf("%v", err)
	}
}
