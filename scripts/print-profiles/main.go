package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/common/pathutil"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/encryption"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

func main() {
	app := &cli.Command{
		Name:  "print-profiles",
		Usage: "Print all profiles stored in a profile store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "data-dir",
				Aliases:  []string{"p"},
				Usage:    "Path to the profiled data directory",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "owner-id",
				Value: "device_profile_service",
				Usage: "Owner of the store",
			},
			&cli.StringFlag{
				Name:  "store-id",
				Value: "profiles",
				Usage: "Store to print",
			},
		},
		Action: printProfiles,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func printProfiles(ctx context.Context, cmd *cli.Command) error {
	dataDir := cmd.String("data-dir")

	storePath, err := pathutil.SafeSubpath(dataDir, cmd.String("owner-id"), cmd.String("store-id"))
	if err != nil {
		return fmt.Errorf("invalid store path: %v", err)
	}

	// Prompt for password and derive the store key from the on-disk salt
	fmt.Print("Enter store password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return fmt.Errorf("failed to read password: %v", err)
	}
	fmt.Println() // Print newline after password input

	salt, err := encryption.LoadOrCreateSalt(filepath.Join(dataDir, "store.salt"))
	if err != nil {
		return fmt.Errorf("failed to load store salt: %v", err)
	}
	storeKey := encryption.DeriveStoreKey(string(passwordBytes), salt)

	// Configure BadgerDB options
	opts := badger.DefaultOptions(storePath).
		WithCompression(options.ZSTD).
		WithEncryptionKey(storeKey).
		WithIndexCacheSize(16 << 20).
		WithBlockCacheSize(32 << 20).
		WithReadOnly(true) // Open in read-only mode for safety

	// Open the database
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open profile store: %v", err)
	}
	defer db.Close()

	fmt.Printf("Opening store at: %s\n", storePath)
	fmt.Println("=== All Profiles in Store ===")

	// Iterate through all profiles
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		count := 0
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			count++

			err := item.Value(func(value []byte) error {
				fmt.Printf("%d. %s\t%s\n", count, key, string(value))
				return nil
			})
			if err != nil {
				return err
			}
		}

		if count == 0 {
			fmt.Println("No profiles found in the store.")
		} else {
			fmt.Printf("\nTotal profiles: %d\n", count)
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("failed to iterate over store: %v", err)
	}

	return nil
}
