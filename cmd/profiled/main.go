package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/patrykniedzwiecki/device-profile-core/pkg/common/pathutil"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/config"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/encryption"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/identity"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/infra"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/kvstore"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/logger"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/notify"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/profile"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/profilestore"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/registry"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/security"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

const (
	ENVIRONMENT = "ENVIRONMENT"

	saltFileName = "store.salt"
	identityDir  = "identity"
)

func main() {
	app := &cli.Command{
		Name:  "profiled",
		Usage: "Device profile store daemon",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the profile store daemon",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "prompt-password",
						Aliases: []string{"p"},
						Usage:   "Prompt for the store password instead of reading it from config",
					},
					&cli.BoolFlag{
						Name:    "debug",
						Aliases: []string{"d"},
						Value:   false,
						Usage:   "Enable debug logging",
					},
					&cli.BoolFlag{
						Name:  "standalone",
						Usage: "Run without NATS and Consul, profile change events and the device registry stay disabled",
					},
				},
				Action: runDaemon,
			},
			{
				Name:  "destroy",
				Usage: "Delete the profile store and everything in it",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Skip the confirmation prompt",
					},
				},
				Action: runDestroy,
			},
			{
				Name:   "backup",
				Usage:  "Write one encrypted incremental backup of the profile store",
				Action: runBackup,
			},
			{
				Name:  "restore",
				Usage: "Rebuild the profile store from encrypted backups",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "from",
						Usage: "Backup directory to restore from (defaults to store.backup_dir)",
					},
				},
				Action: runRestore,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, c *cli.Command) error {
	environment := os.Getenv(ENVIRONMENT)
	config.InitViperConfig()
	logger.Init(environment, c.Bool("debug"))

	if c.Bool("prompt-password") {
		promptForStorePassword()
	} else {
		checkRequiredConfigValues()
	}

	cfg := loadConfig()
	logger.Info("Loaded configuration", "config", cfg.MarshalJSONMask())

	manager, err := kvstore.NewBadgerStoreManager(cfg.Store.DataDir)
	if err != nil {
		logger.Fatal("Failed to create store manager", err)
	}
	defer manager.Close()

	deviceID, err := identity.LoadOrCreateDeviceID(filepath.Join(cfg.Store.DataDir, identityDir))
	if err != nil {
		logger.Fatal("Failed to load device identity", err)
	}

	storeKey := deriveStoreKey(cfg)
	defer storeKey.Clear()

	storage := profilestore.New(manager, cfg.Store.OwnerID, cfg.Store.StoreID)
	storage.SetOptions(kvstore.Options{
		CreateIfMissing: true,
		SyncWrites:      cfg.Store.SyncWrites,
		EncryptionKey:   storeKey.Bytes(),
	})

	standalone := c.Bool("standalone")

	publisher := notify.Publisher(notify.NoopPublisher{})
	if !standalone && cfg.NATs != nil && cfg.NATs.URL != "" {
		natsConn, err := infra.GetNATSConnection(environment)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", err)
		}
		defer natsConn.Close()
		publisher = notify.NewNATSPublisher(natsConn)
	} else {
		logger.Warn("Profile change events are disabled")
	}

	service, err := profile.NewService(storage, publisher, deviceID)
	if err != nil {
		logger.Fatal("Failed to create profile service", err)
	}

	logger.Info("Device profile daemon is running",
		"deviceID", deviceID,
		"ownerID", cfg.Store.OwnerID,
		"storeID", cfg.Store.StoreID,
	)

	appContext, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Setup signal handling to cancel context on termination signals.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Warn("Shutdown signal received, canceling context...")
		cancel()
	}()

	if !standalone && cfg.Consul != nil && cfg.Consul.Address != "" {
		consulClient := infra.GetConsulClient(environment)
		deviceRegistry := registry.NewRegistry(deviceID, consulClient.KV())
		if err := deviceRegistry.Online(); err != nil {
			logger.Fatal("Failed to announce device in registry", err)
		}
		defer func() {
			if err := deviceRegistry.Offline(); err != nil {
				logger.Error("Failed to withdraw device record", err)
			}
		}()
		go deviceRegistry.Watch(appContext, 0, nil)
	}

	go func() {
		if err := service.Init(appContext); err != nil {
			logger.Error("Profile store initialization failed", err)
		}
	}()

	if cfg.Store.BackupDir != "" {
		go runPeriodicBackups(appContext, manager, cfg, deviceID, storeKey)
	}

	<-appContext.Done()
	logger.Info("Shutting down")
	return nil
}

func runDestroy(ctx context.Context, c *cli.Command) error {
	environment := os.Getenv(ENVIRONMENT)
	config.InitViperConfig()
	logger.Init(environment, false)

	cfg := loadConfig()

	if !c.Bool("yes") {
		fmt.Printf("This permanently deletes the profile store %q and every profile in it.\n", cfg.Store.StoreID)
		fmt.Print("Type the store ID to confirm: ")
		var answer string
		fmt.Scanln(&answer)
		if answer != cfg.Store.StoreID {
			fmt.Println("Aborted.")
			return nil
		}
	}

	manager, err := kvstore.NewBadgerStoreManager(cfg.Store.DataDir)
	if err != nil {
		logger.Fatal("Failed to create store manager", err)
	}
	defer manager.Close()

	storage := profilestore.New(manager, cfg.Store.OwnerID, cfg.Store.StoreID)
	if err := storage.DeleteStore(); err != nil {
		logger.Fatal("Failed to destroy store", err)
	}

	logger.Info("Profile store destroyed", "ownerID", cfg.Store.OwnerID, "storeID", cfg.Store.StoreID)
	return nil
}

func runBackup(ctx context.Context, c *cli.Command) error {
	environment := os.Getenv(ENVIRONMENT)
	config.InitViperConfig()
	logger.Init(environment, false)

	if viper.GetString("store_password") == "" {
		promptStorePasswordOnce()
	}

	cfg := loadConfig()
	if cfg.Store.BackupDir == "" {
		logger.Fatal("store.backup_dir is not configured", nil)
	}

	manager, err := kvstore.NewBadgerStoreManager(cfg.Store.DataDir)
	if err != nil {
		logger.Fatal("Failed to create store manager", err)
	}
	defer manager.Close()

	deviceID, err := identity.LoadOrCreateDeviceID(filepath.Join(cfg.Store.DataDir, identityDir))
	if err != nil {
		logger.Fatal("Failed to load device identity", err)
	}

	storeKey := deriveStoreKey(cfg)
	defer storeKey.Clear()

	store, err := manager.GetSingleStore(kvstore.Options{
		CreateIfMissing: false,
		SyncWrites:      cfg.Store.SyncWrites,
		EncryptionKey:   storeKey.Bytes(),
	}, cfg.Store.OwnerID, cfg.Store.StoreID)
	if err != nil {
		logger.Fatal("Failed to open profile store", err)
	}

	executor, err := kvstore.NewBackupExecutor(deviceID, store, storeKey.Bytes(), cfg.Store.BackupDir)
	if err != nil {
		logger.Fatal("Failed to create backup executor", err)
	}
	if err := executor.Execute(); err != nil {
		logger.Fatal("Backup failed", err)
	}

	return nil
}

func runRestore(ctx context.Context, c *cli.Command) error {
	environment := os.Getenv(ENVIRONMENT)
	config.InitViperConfig()
	logger.Init(environment, false)

	if viper.GetString("store_password") == "" {
		promptStorePasswordOnce()
	}

	cfg := loadConfig()

	fromDir := c.String("from")
	if fromDir == "" {
		fromDir = cfg.Store.BackupDir
	}
	if fromDir == "" {
		logger.Fatal("No backup directory, pass --from or configure store.backup_dir", nil)
	}

	targetDir, err := pathutil.SafeSubpath(cfg.Store.DataDir, cfg.Store.OwnerID, cfg.Store.StoreID)
	if err != nil {
		logger.Fatal("Invalid store path", err)
	}
	if _, err := os.Stat(targetDir); err == nil {
		logger.Fatal("Restore target already exists, destroy the store first", fmt.Errorf("path %s", targetDir))
	}

	storeKey := deriveStoreKey(cfg)
	defer storeKey.Clear()

	deviceID, err := identity.LoadOrCreateDeviceID(filepath.Join(cfg.Store.DataDir, identityDir))
	if err != nil {
		logger.Fatal("Failed to load device identity", err)
	}

	executor, err := kvstore.NewBackupExecutor(deviceID, nil, storeKey.Bytes(), fromDir)
	if err != nil {
		logger.Fatal("Failed to create backup executor", err)
	}
	if err := executor.RestoreAll(targetDir, storeKey.Bytes()); err != nil {
		logger.Fatal("Restore failed", err)
	}

	return nil
}

func runPeriodicBackups(ctx context.Context, manager *kvstore.BadgerStoreManager, cfg *config.AppConfig, deviceID string, storeKey *security.SecureBytes) {
	interval := cfg.Store.BackupInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		store, err := manager.GetSingleStore(kvstore.Options{
			CreateIfMissing: true,
			SyncWrites:      cfg.Store.SyncWrites,
			EncryptionKey:   storeKey.Bytes(),
		}, cfg.Store.OwnerID, cfg.Store.StoreID)
		if err != nil {
			logger.Error("Backup skipped, store unavailable", err)
			continue
		}

		executor, err := kvstore.NewBackupExecutor(deviceID, store, storeKey.Bytes(), cfg.Store.BackupDir)
		if err != nil {
			logger.Error("Failed to create backup executor", err)
			continue
		}
		if err := executor.Execute(); err != nil {
			logger.Error("Backup failed", err)
		}
	}
}

// deriveStoreKey turns the configured password into the badger encryption
// key. The salt lives next to the store directories and must survive with
// them, losing it is the same as losing the password.
func deriveStoreKey(cfg *config.AppConfig) *security.SecureBytes {
	saltPath := filepath.Join(cfg.Store.DataDir, saltFileName)
	salt, err := encryption.LoadOrCreateSalt(saltPath)
	if err != nil {
		logger.Fatal("Failed to load store salt", err)
	}

	key := encryption.DeriveStoreKey(cfg.StorePassword, salt)
	storeKey := security.NewSecureBytes(key)
	security.ZeroBytes(key)
	security.ZeroString(&cfg.StorePassword)
	viper.Set("store_password", "")

	return storeKey
}

// promptForStorePassword asks for the store password twice. The password
// lives only in viper until the key derivation consumes and clears it.
func promptForStorePassword() {
	fmt.Println("WARNING: Please back up your store password in a secure location.")
	fmt.Println("If you lose this password, you will permanently lose access to your profile data!")

	for {
		storePass := readPassword("Enter store password: ")
		if len(storePass) == 0 {
			fmt.Println("Password cannot be empty. Please try again.")
			continue
		}

		confirmPass := readPassword("Confirm store password: ")
		if string(storePass) != string(confirmPass) {
			fmt.Println("Passwords do not match. Please try again.")
			security.ZeroBytes(storePass)
			security.ZeroBytes(confirmPass)
			continue
		}

		fmt.Printf("Password set: %s\n", maskString(string(storePass)))
		viper.Set("store_password", string(storePass))
		security.ZeroBytes(storePass)
		security.ZeroBytes(confirmPass)
		return
	}
}

func promptStorePasswordOnce() {
	storePass := readPassword("Enter store password: ")
	if len(storePass) == 0 {
		logger.Fatal("Store password cannot be empty", nil)
	}

	viper.Set("store_password", string(storePass))
	security.ZeroBytes(storePass)
}

func readPassword(prompt string) []byte {
	fmt.Print(prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		logger.Fatal("Failed to read store password", err)
	}
	fmt.Println()
	return pass
}

// maskString shows the first and last character of a string, replacing the middle with asterisks
func maskString(s string) string {
	if len(s) <= 2 {
		return s
	}
	return s[:1] + strings.Repeat("*", len(s)-2) + s[len(s)-1:]
}

// Check required configuration values are present
func checkRequiredConfigValues() {
	if viper.GetString("store_password") == "" {
		logger.Fatal("Store password is required", nil)
	}
}

func loadConfig() *config.AppConfig {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", err)
	}
	return cfg
}
