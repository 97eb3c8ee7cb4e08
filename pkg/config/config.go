package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix applied to every environment variable viper binds
// automatically, e.g. HYDRUS_UPDATE_PERIOD.
const EnvPrefix = "HYDRUS"

// Config is the typed view of the engine's tunables, populated once at
// startup by Load. Nothing in the engine re-reads viper after Load returns.
type Config struct {
	DBDir     string
	AdminPort int

	UpdatePeriod            time.Duration
	NullificationPeriod     time.Duration
	TransactionCommitPeriod time.Duration
	WALCheckpointPassive    time.Duration
	WALCheckpointTruncate   time.Duration
	JournalZeroPeriod       time.Duration

	SessionTTL time.Duration

	BandwidthDefaultMonthlyBytes int64
	BandwidthDefaultDailyBytes   int64

	SchedulerPoolSize  int64
	SchedulerMiscQuota int64

	PetitionMaterializeTimeout time.Duration
	DeleteAllContentSlice      time.Duration
}

var v *viper.Viper

// Load initializes the package viper instance and returns a populated
// Config. configFlag is the value of the --config flag, if set; dbDir is
// the resolved --db_dir, used both as a Config field and as the fallback
// config-file location ($dbDir/server.conf).
func Load(configFlag, dbDir string) (*Config, error) {
	v = viper.New()
	v.SetConfigType("yaml")

	switch {
	case configFlag != "":
		v.SetConfigFile(configFlag)
	case dbDir != "":
		candidate := filepath.Join(dbDir, "server.conf")
		if _, err := os.Stat(candidate); err == nil {
			v.SetConfigFile(candidate)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	setDefaults(v)

	// An explicit --config that doesn't exist is an error; a missing implicit
	// server.conf just means "use defaults and env vars" (handled above by
	// never calling SetConfigFile for it).
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if dbDir != "" {
		v.SetDefault("db_dir", dbDir)
	}

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("admin_port", 45870)
	v.SetDefault("update_period", "100s")
	v.SetDefault("nullification_period", 90*24*time.Hour)
	v.SetDefault("transaction_commit_period", "30s")
	v.SetDefault("wal_checkpoint_passive", "5m")
	v.SetDefault("wal_checkpoint_truncate", "15m")
	v.SetDefault("journal_zero_period", "15m")

	v.SetDefault("session_ttl", "24h")

	v.SetDefault("bandwidth_default_monthly_bytes", int64(100*1024*1024*1024))
	v.SetDefault("bandwidth_default_daily_bytes", int64(5*1024*1024*1024))

	v.SetDefault("scheduler_pool_size", int64(200))
	v.SetDefault("scheduler_misc_quota", int64(10))

	v.SetDefault("petition_materialize_timeout", "10s")
	v.SetDefault("delete_all_content_slice", "20s")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		DBDir:     v.GetString("db_dir"),
		AdminPort: v.GetInt("admin_port"),

		UpdatePeriod:            v.GetDuration("update_period"),
		NullificationPeriod:     v.GetDuration("nullification_period"),
		TransactionCommitPeriod: v.GetDuration("transaction_commit_period"),
		WALCheckpointPassive:    v.GetDuration("wal_checkpoint_passive"),
		WALCheckpointTruncate:   v.GetDuration("wal_checkpoint_truncate"),
		JournalZeroPeriod:       v.GetDuration("journal_zero_period"),

		SessionTTL: v.GetDuration("session_ttl"),

		BandwidthDefaultMonthlyBytes: v.GetInt64("bandwidth_default_monthly_bytes"),
		BandwidthDefaultDailyBytes:   v.GetInt64("bandwidth_default_daily_bytes"),

		SchedulerPoolSize:  v.GetInt64("scheduler_pool_size"),
		SchedulerMiscQuota: v.GetInt64("scheduler_misc_quota"),

		PetitionMaterializeTimeout: v.GetDuration("petition_materialize_timeout"),
		DeleteAllContentSlice:      v.GetDuration("delete_all_content_slice"),
	}
}
