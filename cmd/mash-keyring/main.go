// mash-keyring creates and rotates the Fernet key file that seals job
// credentials.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"mash/internal/config"
	"mash/internal/credentials"
)

const usage = `usage: mash-keyring <generate|rotate> [flags]

  generate   write a new key file with a single key
  rotate     prepend a fresh key, dropping keys beyond --keep
`

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Keyring command failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	flags := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	file := flags.String("file", config.GetEnv("MASH_ENCRYPTION_KEYS_FILE", "/etc/mash/encryption_keys"), "key file path")
	keep := flags.Int("keep", 3, "keys to keep after rotation (0 keeps all)")
	force := flags.Bool("force", false, "overwrite an existing key file on generate")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}

	switch args[0] {
	case "generate":
		return generate(*file, *force)
	case "rotate":
		return rotate(*file, *keep)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func generate(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists, use rotate or --force", path)
	}
	key, err := credentials.GenerateKey()
	if err != nil {
		return err
	}
	ring, err := credentials.NewKeyRing(key)
	if err != nil {
		return err
	}
	if err := credentials.WriteKeyRing(path, ring); err != nil {
		return err
	}
	slog.Info("Key file generated", "file", path)
	return nil
}

func rotate(path string, keep int) error {
	ring, err := credentials.LoadKeyRing(path)
	if err != nil {
		return err
	}
	rotated, err := ring.Rotate(keep)
	if err != nil {
		return err
	}
	if err := credentials.WriteKeyRing(path, rotated); err != nil {
		return err
	}
	slog.Info("Key file rotated", "file", path, "keys", rotated.Len())
	return nil
}
