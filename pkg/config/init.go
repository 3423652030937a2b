package config

import (
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/logger"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Store  *StoreConfig  `mapstructure:"store"`
	Consul *ConsulConfig `mapstructure:"consul"`
	NATs   *NATsConfig   `mapstructure:"nats"`

	StorePassword string `mapstructure:"store_password"`
}

// Implement masking serializer AppConfig
func (c AppConfig) MarshalJSONMask() string {
	// clone app config, sections are pointers and must not be mutated in place
	c.StorePassword = strings.Repeat("*", len(c.StorePassword))
	if c.Consul != nil {
		consul := *c.Consul
		consul.Password = strings.Repeat("*", len(consul.Password))
		consul.Token = strings.Repeat("*", len(consul.Token))
		c.Consul = &consul
	}
	if c.NATs != nil {
		nats := *c.NATs
		nats.Password = strings.Repeat("*", len(nats.Password))
		c.NATs = &nats
	}

	bytes, err := json.Marshal(c)
	if err != nil {
		logger.Error("Failed to marshal app config", err)
	}
	return string(bytes)
}

// Validate normalizes paths and rejects configurations the daemon
// cannot start with.
func (c *AppConfig) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store section is missing")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Store.OwnerID == "" {
		return fmt.Errorf("store.owner_id is required")
	}
	if c.Store.StoreID == "" {
		return fmt.Errorf("store.store_id is required")
	}
	if c.Store.BackupInterval < 0 {
		return fmt.Errorf("store.backup_interval must not be negative")
	}

	c.Store.DataDir = filepath.Clean(c.Store.DataDir)
	if c.Store.BackupDir != "" {
		c.Store.BackupDir = filepath.Clean(c.Store.BackupDir)
	}
	return nil
}

type StoreConfig struct {
	DataDir        string        `mapstructure:"data_dir"`
	OwnerID        string        `mapstructure:"owner_id"`
	StoreID        string        `mapstructure:"store_id"`
	SyncWrites     bool          `mapstructure:"sync_writes"`
	BackupDir      string        `mapstructure:"backup_dir"`
	BackupInterval time.Duration `mapstructure:"backup_interval"`
}

type ConsulConfig struct {
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
}

type NATsConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func InitViperConfig() {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yaml")   // REQUIRED if the config file does not have the extension in the name
	viper.AddConfigPath(".")      // optionally look for config in the working directory
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()
	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		log.Fatal("Fatal error config file: ", err)
	}

	log.Println("Reading config file:", viper.ConfigFileUsed())
	log.Println("Initialized config successfully!")
}

func setDefaults() {
	viper.SetDefault("store.data_dir", "./data")
	viper.SetDefault("store.owner_id", "device_profile_service")
	viper.SetDefault("store.store_id", "profiles")
	viper.SetDefault("store.sync_writes", false)
	viper.SetDefault("store.backup_interval", "1h")
	viper.SetDefault("nats.url", "nats://localhost:4222")
}

func LoadConfig() *AppConfig {
	var config AppConfig
	decoderConfig := &mapstructure.DecoderConfig{
		Result:           &config,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		log.Fatal("Failed to create decoder", err)
	}

	if err := decoder.Decode(viper.AllSettings()); err != nil {
		log.Fatal("Failed to decode config", err)
	}

	return &config
}
