package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
	"github.com/barnettlynn/sdmprov/pkg/provision"
)

type ValidationMode int

const (
	ValidationProvision ValidationMode = iota
	ValidationReset
	ValidationVerify
	ValidationEmulator
	ValidationOffline
)

const DefaultPasswordEnv = "SDMPROV_STORE_PASSWORD"

type Config struct {
	Runtime RuntimeConfig `yaml:"runtime"`
	Keys    KeysConfig    `yaml:"keys"`
	Store   StoreConfig   `yaml:"store"`
	SDM     SDMConfig     `yaml:"sdm"`
	API     APIConfig     `yaml:"api"`
}

type RuntimeConfig struct {
	ReaderIndex *int  `yaml:"reader_index"`
	Readers     []int `yaml:"readers"`
	Reprovision bool  `yaml:"reprovision"`
}

type KeysConfig struct {
	FactoryMasterKeyFile string `yaml:"factory_master_key_file"`
	Generation           string `yaml:"generation"`
	MasterSecretFile     string `yaml:"master_secret_file"`
	SystemID             string `yaml:"system_id"`
	RotateSlots          []int  `yaml:"rotate_slots"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	PasswordEnv string `yaml:"password_env"`
}

type SDMConfig struct {
	BaseURL      string       `yaml:"base_url"`
	FileNo       *int         `yaml:"file_no"`
	Mode         string       `yaml:"mode"`
	Comm         string       `yaml:"comm"`
	MetaReadKey  *Nibble      `yaml:"meta_read_key"`
	FileReadKey  *Nibble      `yaml:"file_read_key"`
	CtrReadKey   *Nibble      `yaml:"ctr_read_key"`
	CounterLimit *uint32      `yaml:"counter_limit"`
	Access       AccessConfig `yaml:"access"`
}

type AccessConfig struct {
	Read      *Nibble `yaml:"read"`
	Write     *Nibble `yaml:"write"`
	ReadWrite *Nibble `yaml:"read_write"`
	Change    *Nibble `yaml:"change"`
}

type APIConfig struct {
	Endpoint       string `yaml:"endpoint"`
	CFClientID     string `yaml:"cf_client_id"`
	CFClientSecret string `yaml:"cf_client_secret"`
}

// Nibble is an access condition: a key number 0..4, "free" (E) or
// "denied" (F). Numbers 14 and 15 are accepted for E and F.
type Nibble byte

func (n *Nibble) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: access condition must be a scalar", value.Line)
	}
	s := strings.ToLower(strings.TrimSpace(value.Value))
	switch s {
	case "free", "e":
		*n = Nibble(ntag424.AccessFree)
		return nil
	case "denied", "never", "f":
		*n = Nibble(ntag424.AccessDenied)
		return nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil || (v > 4 && v != 0x0E && v != 0x0F) {
		return fmt.Errorf("line %d: access condition %q must be 0..4, free or denied", value.Line, value.Value)
	}
	*n = Nibble(v)
	return nil
}

func nibble(n byte) *Nibble {
	v := Nibble(n)
	return &v
}

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationProvision)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Keys.Generation == "" {
		c.Keys.Generation = "random"
	}
	if c.Keys.RotateSlots == nil {
		for _, s := range provision.DefaultRotateSlots {
			c.Keys.RotateSlots = append(c.Keys.RotateSlots, int(s))
		}
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Path == "" && c.Store.Backend == "sqlite" {
		c.Store.Path = "sdmprov.db"
	}
	if c.Store.PasswordEnv == "" {
		c.Store.PasswordEnv = DefaultPasswordEnv
	}

	s := &c.SDM
	if s.FileNo == nil {
		n := int(ntag424.NDEFFileNo)
		s.FileNo = &n
	}
	if s.Mode == "" {
		s.Mode = "plain"
	}
	if s.Comm == "" {
		s.Comm = "plain"
	}
	if s.MetaReadKey == nil {
		if strings.EqualFold(s.Mode, "encrypted") {
			s.MetaReadKey = nibble(3)
		} else {
			s.MetaReadKey = nibble(ntag424.AccessFree)
		}
	}
	if s.FileReadKey == nil {
		s.FileReadKey = nibble(1)
	}
	if s.CtrReadKey == nil {
		s.CtrReadKey = nibble(1)
	}
	if s.Access.Read == nil {
		s.Access.Read = nibble(ntag424.AccessFree)
	}
	if s.Access.Write == nil {
		s.Access.Write = nibble(0)
	}
	if s.Access.ReadWrite == nil {
		s.Access.ReadWrite = nibble(0)
	}
	if s.Access.Change == nil {
		s.Access.Change = nibble(0)
	}
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationProvision)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateStore(); err != nil {
		return err
	}

	switch mode {
	case ValidationProvision:
		if err := c.validateRuntime(); err != nil {
			return err
		}
		if err := c.validateKeys(); err != nil {
			return err
		}
		if err := c.validateSDM(true); err != nil {
			return err
		}
		return c.validateAPI()
	case ValidationReset:
		if err := c.validateRuntime(); err != nil {
			return err
		}
		return c.validateFactoryKey()
	case ValidationVerify:
		if err := c.validateRuntime(); err != nil {
			return err
		}
		return c.validateSDM(false)
	case ValidationEmulator:
		return c.validateSDM(true)
	case ValidationOffline:
		return c.validateSDM(false)
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateRuntime() error {
	if c.Runtime.ReaderIndex == nil {
		return fmt.Errorf("config.runtime.reader_index is required")
	}
	if *c.Runtime.ReaderIndex < 0 {
		return fmt.Errorf("config.runtime.reader_index must be >= 0")
	}
	seen := map[int]bool{}
	for _, r := range c.Runtime.Readers {
		if r < 0 {
			return fmt.Errorf("config.runtime.readers entries must be >= 0")
		}
		if seen[r] {
			return fmt.Errorf("config.runtime.readers lists reader %d twice", r)
		}
		seen[r] = true
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case "sqlite", "yaml":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("config.store.path is required for the %s backend", c.Store.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("config.store.backend must be sqlite, yaml or memory")
	}
	return nil
}

func (c *Config) validateFactoryKey() error {
	if strings.TrimSpace(c.Keys.FactoryMasterKeyFile) == "" {
		return nil
	}
	return validateReadableFile(c.Keys.FactoryMasterKeyFile, "config.keys.factory_master_key_file")
}

func (c *Config) validateKeys() error {
	if err := c.validateFactoryKey(); err != nil {
		return err
	}
	switch c.Keys.Generation {
	case "random":
	case "diversified":
		if strings.TrimSpace(c.Keys.MasterSecretFile) == "" {
			return fmt.Errorf("config.keys.master_secret_file is required for diversified keys")
		}
		if err := validateReadableFile(c.Keys.MasterSecretFile, "config.keys.master_secret_file"); err != nil {
			return err
		}
		sys, err := hex.DecodeString(c.Keys.SystemID)
		if err != nil {
			return fmt.Errorf("config.keys.system_id must be hex: %w", err)
		}
		// UID(7) || AID(7) || system id || slot must be 16..31 bytes.
		if n := len(sys); n < 1 || n > 16 {
			return fmt.Errorf("config.keys.system_id must be 1..16 bytes, got %d", n)
		}
	default:
		return fmt.Errorf("config.keys.generation must be random or diversified")
	}
	if len(c.Keys.RotateSlots) == 0 {
		return fmt.Errorf("config.keys.rotate_slots must name at least one slot")
	}
	for _, s := range c.Keys.RotateSlots {
		if s < 1 || s > 4 {
			return fmt.Errorf("config.keys.rotate_slots entries must be 1..4, got %d", s)
		}
	}
	return nil
}

func (c *Config) validateSDM(needURL bool) error {
	if needURL {
		if strings.TrimSpace(c.SDM.BaseURL) == "" {
			return fmt.Errorf("config.sdm.base_url is required")
		}
		parsedURL, err := url.Parse(c.SDM.BaseURL)
		if err != nil {
			return fmt.Errorf("config.sdm.base_url is invalid: %w", err)
		}
		if parsedURL.Scheme == "" || parsedURL.Host == "" {
			return fmt.Errorf("config.sdm.base_url must be absolute (include scheme and host)")
		}
	}
	if *c.SDM.FileNo < 1 || *c.SDM.FileNo > 3 {
		return fmt.Errorf("config.sdm.file_no must be 1..3")
	}
	mode, err := ntag424.ParseMirrorMode(c.SDM.Mode)
	if err != nil {
		return fmt.Errorf("config.sdm.mode: %w", err)
	}
	if _, err := parseComm(c.SDM.Comm); err != nil {
		return err
	}
	meta := byte(*c.SDM.MetaReadKey)
	switch {
	case mode == ntag424.MirrorPlain && meta != ntag424.AccessFree:
		return fmt.Errorf("config.sdm.meta_read_key must be free in plain mode")
	case mode == ntag424.MirrorEncrypted && meta > 4:
		return fmt.Errorf("config.sdm.meta_read_key must be a key 0..4 in encrypted mode")
	}
	if byte(*c.SDM.FileReadKey) > 4 {
		return fmt.Errorf("config.sdm.file_read_key must be a key 0..4")
	}
	if c.SDM.CounterLimit != nil && *c.SDM.CounterLimit > 0xFFFFFF {
		return fmt.Errorf("config.sdm.counter_limit must fit in 24 bits")
	}
	if needURL {
		if _, _, err := c.SDMSettings(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateAPI() error {
	if strings.TrimSpace(c.API.Endpoint) == "" {
		return nil
	}
	u, err := url.Parse(c.API.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.api.endpoint must be an absolute URL")
	}
	return nil
}

func parseComm(s string) (ntag424.CommMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain":
		return ntag424.CommPlain, nil
	case "mac":
		return ntag424.CommMAC, nil
	case "full":
		return ntag424.CommFull, nil
	}
	return 0, fmt.Errorf("config.sdm.comm must be plain, mac or full")
}

// SDMSettings builds the NDEF template for base_url and the file settings
// that mirror into it.
func (c *Config) SDMSettings() (ntag424.SDMConfig, *ntag424.SDMNDEF, error) {
	mode, err := ntag424.ParseMirrorMode(c.SDM.Mode)
	if err != nil {
		return ntag424.SDMConfig{}, nil, fmt.Errorf("config.sdm.mode: %w", err)
	}
	comm, err := parseComm(c.SDM.Comm)
	if err != nil {
		return ntag424.SDMConfig{}, nil, err
	}
	tpl, err := ntag424.BuildSDMNDEF(c.SDM.BaseURL, mode)
	if err != nil {
		return ntag424.SDMConfig{}, nil, fmt.Errorf("config.sdm.base_url: %w", err)
	}
	cfg := ntag424.SDMConfig{
		FileNo:   byte(*c.SDM.FileNo),
		FileSize: ntag424.FileSize(byte(*c.SDM.FileNo)),
		CommMode: comm,
		Access: ntag424.AccessRights{
			Read:      byte(*c.SDM.Access.Read),
			Write:     byte(*c.SDM.Access.Write),
			ReadWrite: byte(*c.SDM.Access.ReadWrite),
			Change:    byte(*c.SDM.Access.Change),
		},
		Enabled:         true,
		MirrorUID:       true,
		MirrorCounter:   true,
		MetaReadKey:     byte(*c.SDM.MetaReadKey),
		FileReadKey:     byte(*c.SDM.FileReadKey),
		CtrRetrievalKey: byte(*c.SDM.CtrReadKey),
	}
	if c.SDM.CounterLimit != nil {
		cfg.CounterLimitEnabled = true
		cfg.CounterLimit = *c.SDM.CounterLimit
	}
	tpl.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return ntag424.SDMConfig{}, nil, fmt.Errorf("config.sdm: %w", err)
	}
	if len(tpl.NDEF) > int(cfg.FileSize) {
		return ntag424.SDMConfig{}, nil, fmt.Errorf("config.sdm: NDEF template is %d bytes, file %d holds %d", len(tpl.NDEF), cfg.FileNo, cfg.FileSize)
	}
	return cfg, tpl, nil
}

// FactoryKey returns the master key of unprovisioned tags, or nil for the
// all-zero transport key.
func (c *Config) FactoryKey() ([]byte, error) {
	if strings.TrimSpace(c.Keys.FactoryMasterKeyFile) == "" {
		return nil, nil
	}
	key, err := ntag424.LoadKeyHexFile(c.Keys.FactoryMasterKeyFile)
	if err != nil {
		return nil, fmt.Errorf("config.keys.factory_master_key_file: %w", err)
	}
	return key, nil
}

func (c *Config) KeySource() (provision.KeySource, error) {
	if c.Keys.Generation != "diversified" {
		return provision.RandomKeys{}, nil
	}
	master, err := ntag424.LoadKeyHexFile(c.Keys.MasterSecretFile)
	if err != nil {
		return nil, fmt.Errorf("config.keys.master_secret_file: %w", err)
	}
	sys, err := hex.DecodeString(c.Keys.SystemID)
	if err != nil {
		return nil, fmt.Errorf("config.keys.system_id must be hex: %w", err)
	}
	return provision.DiversifiedKeys{Master: master, SystemID: sys}, nil
}

func (c *Config) RotateSlots() []byte {
	out := make([]byte, 0, len(c.Keys.RotateSlots))
	for _, s := range c.Keys.RotateSlots {
		out = append(out, byte(s))
	}
	return out
}

// Readers returns the reader indexes to run workers on: runtime.readers
// when set, otherwise runtime.reader_index alone.
func (c *Config) Readers() []int {
	if len(c.Runtime.Readers) > 0 {
		return append([]int(nil), c.Runtime.Readers...)
	}
	if c.Runtime.ReaderIndex == nil {
		return nil
	}
	return []int{*c.Runtime.ReaderIndex}
}

func (c *Config) OpenStore(password string) (keystore.Store, error) {
	store, err := keystore.Open(c.Store.Backend, c.Store.Path, password)
	if err != nil {
		return nil, fmt.Errorf("open %s key store: %w", c.Store.Backend, err)
	}
	return store, nil
}

// NewCoordinator assembles a provisioning coordinator over store from the
// keys and sdm sections.
func (c *Config) NewCoordinator(store keystore.Store) (*provision.Coordinator, error) {
	sdm, tpl, err := c.SDMSettings()
	if err != nil {
		return nil, err
	}
	keys, err := c.KeySource()
	if err != nil {
		return nil, err
	}
	factory, err := c.FactoryKey()
	if err != nil {
		return nil, err
	}
	coord, err := provision.New(store, keys, sdm, tpl)
	if err != nil {
		return nil, err
	}
	coord.FactoryKey = factory
	coord.RotateSlots = c.RotateSlots()
	coord.Reprovision = c.Runtime.Reprovision
	return coord, nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Keys.FactoryMasterKeyFile = resolvePath(configDir, c.Keys.FactoryMasterKeyFile)
	c.Keys.MasterSecretFile = resolvePath(configDir, c.Keys.MasterSecretFile)
	c.Store.Path = resolvePath(configDir, c.Store.Path)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

// NewResetCoordinator assembles a coordinator that only resets tags, so
// it needs no URL template.
func (c *Config) NewResetCoordinator(store keystore.Store) (*provision.Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("nil key store")
	}
	factory, err := c.FactoryKey()
	if err != nil {
		return nil, err
	}
	return &provision.Coordinator{
		Store:      store,
		Keys:       provision.RandomKeys{},
		SDM:        ntag424.SDMConfig{FileNo: byte(*c.SDM.FileNo), FileSize: ntag424.FileSize(byte(*c.SDM.FileNo))},
		FactoryKey: factory,
	}, nil
}
