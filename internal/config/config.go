package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/kartikbazzad/tabflow/internal/database"
	"github.com/kartikbazzad/tabflow/internal/storage"
)

// Config holds the server configuration, loaded from .env and TABFLOW_*
// environment variables.
type Config struct {
	Server  ServerConfig    `mapstructure:"server"`
	DB      database.Config `mapstructure:"db"`
	Storage StorageConfig   `mapstructure:"storage"`
	Sched   SchedConfig     `mapstructure:"sched"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port           string `mapstructure:"port"`
	CORSOrigin     string `mapstructure:"corsorigin"`
	BootstrapToken string `mapstructure:"bootstraptoken"`
}

// StorageConfig configures object storage. Empty Endpoint disables it.
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accesskey"`
	SecretKey string `mapstructure:"secretkey"`
	UseSSL    bool   `mapstructure:"usessl"`
}

// SchedConfig tunes the scheduler and transaction grouping.
type SchedConfig struct {
	PollLimit          int    `mapstructure:"polllimit"`
	MaxDispatchRetries int    `mapstructure:"maxdispatchretries"`
	TransactionBy      string `mapstructure:"transactionby"`
	QueueWorkers       int    `mapstructure:"queueworkers"`
	TemplateCacheSize  int    `mapstructure:"templatecachesize"`
}

// MinioConfig converts the storage section to a storage client config.
func (c StorageConfig) MinioConfig() storage.Config {
	return storage.Config{
		Endpoint:        c.Endpoint,
		AccessKeyID:     c.AccessKey,
		SecretAccessKey: c.SecretKey,
		UseSSL:          c.UseSSL,
	}
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:       "3040",
			CORSOrigin: "http://localhost:5173",
		},
		DB: database.Config{
			Host:           "localhost",
			Port:           5432,
			User:           "tabflow",
			Name:           "tabflow",
			MigrationsPath: "migrations",
		},
		Sched: SchedConfig{
			TransactionBy:     "execution",
			QueueWorkers:      8,
			TemplateCacheSize: 128,
		},
	}
}

// Load loads configuration from .env file and environment variables.
// prefix: environment variable prefix (e.g. "TABFLOW_")
// target: pointer to the config struct to load into
func Load(prefix string, target interface{}) error {
	v := viper.New()

	v.SetConfigFile(".env")
	if err := v.ReadInConfig(); err != nil {
		// The .env file is optional; parse errors surface at Unmarshal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		}
	}

	// Viper's AutomaticEnv doesn't work well with Unmarshal if keys aren't
	// known ahead of time, so populate it from the environment by hand.
	prefixUpper := strings.ToUpper(prefix)
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		key, value := pair[0], pair[1]

		if strings.HasPrefix(key, prefixUpper) {
			// TABFLOW_DB_HOST -> db.host
			propKey := strings.TrimPrefix(key, prefixUpper)
			propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "."))
			propKey = strings.TrimPrefix(propKey, ".")

			v.Set(propKey, value)
		}
	}

	if err := v.Unmarshal(target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}
