// Package cli holds the start-up plumbing shared by the tools: logging,
// config discovery and the key store password.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const ConfigFileName = "config.yaml"

// Flags are the options every tool accepts.
type Flags struct {
	Verbose   bool
	LogFormat string
	Config    string
}

// Register adds -v, --log-format and --config to fs.
func (f *Flags) Register(fs *pflag.FlagSet) {
	fs.BoolVarP(&f.Verbose, "verbose", "v", false, "enable debug logging")
	fs.StringVar(&f.LogFormat, "log-format", "text", "log format: text or json")
	fs.StringVarP(&f.Config, "config", "c", "", "config file (default: config.yaml next to the binary, then in the working directory)")
}

// SetupLogging installs the default slog logger on stderr.
func (f *Flags) SetupLogging() {
	level := slog.LevelInfo
	if f.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if f.LogFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}
}

// ConfigPath returns --config when given, otherwise DefaultConfigPath.
func (f *Flags) ConfigPath() (string, error) {
	if strings.TrimSpace(f.Config) != "" {
		return f.Config, nil
	}
	return DefaultConfigPath()
}

func DefaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), ConfigFileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	// Fallback for `go run`, where the executable is placed in a temp directory.
	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, ConfigFileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// StorePassword reads the key store password from the environment
// variable env, or prompts for it when stdin is a terminal. An empty
// password leaves the store unencrypted.
func StorePassword(env, backend string) (string, error) {
	if backend != "sqlite" {
		return "", nil
	}
	if pw, ok := os.LookupEnv(env); ok {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, "Key store password (empty for none): ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// ErrAborted is returned by Confirm when the operator declines.
var ErrAborted = errors.New("aborted by operator")

// Confirm asks a yes/no question on the terminal. Without a terminal it
// returns ErrAborted unless assumeYes is set.
func Confirm(prompt string, assumeYes bool) error {
	if assumeYes {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("%w: no terminal to confirm %q (pass --yes)", ErrAborted, prompt)
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("terminal raw mode: %w", err)
	}
	defer term.Restore(fd, old)

	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	var b [1]byte
	if _, err := os.Stdin.Read(b[:]); err != nil {
		return fmt.Errorf("read answer: %w", err)
	}
	fmt.Fprint(os.Stderr, "\r\n")
	if b[0] == 'y' || b[0] == 'Y' {
		return nil
	}
	return ErrAborted
}

// SelectMenu draws items with an arrow-key cursor and returns the chosen
// index, or -1 when the menu cannot be shown or the operator hits Ctrl-C.
func SelectMenu(prompt string, items []string) int {
	if len(items) == 0 {
		return -1
	}
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting raw mode: %v\r\n", err)
		return -1
	}
	defer term.Restore(fd, oldState)

	selected := 0
	draw := func() {
		for i, item := range items {
			fmt.Fprint(os.Stderr, "\033[2K\r")
			if i == selected {
				fmt.Fprintf(os.Stderr, "> %s\r\n", item)
			} else {
				fmt.Fprintf(os.Stderr, "  %s\r\n", item)
			}
		}
	}
	fmt.Fprintf(os.Stderr, "%s\r\n", prompt)
	draw()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return -1
		}
		switch {
		case n == 1 && (buf[0] == 0x0D || buf[0] == 0x0A):
			return selected
		case n == 1 && buf[0] == 0x03:
			return -1
		case n == 3 && buf[0] == 0x1B && buf[1] == '[':
			switch {
			case buf[2] == 'A' && selected > 0:
				selected--
			case buf[2] == 'B' && selected < len(items)-1:
				selected++
			default:
				continue
			}
			// Move back to the first item and redraw.
			fmt.Fprintf(os.Stderr, "\033[%dA", len(items))
			draw()
		}
	}
}
