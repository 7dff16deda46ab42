package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Database.Username = "inventory"
	cfg.Database.DBName = "inventory"
	cfg.SetDefaults()
	return cfg
}

func TestSetDefaults(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, "inventory-release-check", cfg.Queue.ConsumerGroup)
	assert.Equal(t, 10, cfg.Inventory.DefaultLowStockThreshold)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Outbox.LeaseTTL)
	assert.Equal(t, "inventory:outbox:dispatcher", cfg.Outbox.LockKey)
	assert.False(t, cfg.Outbox.Disabled)
	assert.Equal(t, 5, cfg.Outbox.BreakerFailures)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "missing db user",
			mutate:  func(c *Config) { c.Database.Username = "" },
			wantErr: "database username",
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.Queue.Driver = "kafka" },
			wantErr: "brokers",
		},
		{
			name:    "unknown queue driver",
			mutate:  func(c *Config) { c.Queue.Driver = "sqs" },
			wantErr: "unsupported queue driver",
		},
		{
			name:    "lease shorter than poll",
			mutate:  func(c *Config) { c.Outbox.LeaseTTL = time.Second; c.Outbox.PollInterval = 5 * time.Second },
			wantErr: "lease ttl",
		},
		{
			name:    "negative threshold",
			mutate:  func(c *Config) { c.Inventory.DefaultLowStockThreshold = -1 },
			wantErr: "threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = "secret"

	dsn := cfg.Database.GetDSN()
	assert.Contains(t, dsn, "inventory:secret@tcp(localhost:3306)/inventory")
	assert.Contains(t, dsn, "parseTime=True")
}

func TestLoadConfig_FromFileWithOverlay(t *testing.T) {
	dir := t.TempDir()
	base := `
database:
  username: app
  dbname: inventory
inventory:
  default_low_stock_threshold: 5
outbox:
  batch_size: 50
`
	overlay := `
outbox:
  batch_size: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(base), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.test.yaml"), []byte(overlay), 0644))
	t.Setenv("INVENTORY_ENV", "test")
	t.Setenv("INVENTORY_DATABASE_PASSWORD", "from-env")

	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "app", cfg.Database.Username)
	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, 5, cfg.Inventory.DefaultLowStockThreshold)
	assert.Equal(t, 10, cfg.Outbox.BatchSize)
	assert.Same(t, cfg, GetConfig())
}
