package config

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/rentflow/internal/fee"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DefaultPlatformPercent applies when no fee config file is mounted.
const DefaultPlatformPercent = "10"

// FeeConfig is the single source of the platform fee policy.
type FeeConfig struct {
	PlatformPercent string `mapstructure:"platform_percent"`
}

type FeeConfigHolder struct {
	current atomic.Value // holds fee.Policy
}

// NewFeeConfigHolder reads fee.yaml and keeps the policy in sync with the file.
// FEE_PLATFORM_PERCENT overrides the file value.
func NewFeeConfigHolder(log *zap.Logger) (*FeeConfigHolder, error) {
	log = log.Named("config.fee")

	v := viper.New()
	v.SetConfigName("fee")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/rentflow")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("platform_percent", DefaultPlatformPercent)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	policy, err := loadFeePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &FeeConfigHolder{}
	holder.current.Store(policy)
	log.Info("fee policy loaded", zap.String("platform_percent", policy.String()), zap.Bool("from_file", fileLoaded))

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := loadFeePolicy(v)
			if err != nil {
				log.Warn("invalid fee config ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.Store(updated)
			log.Info("fee policy reloaded", zap.String("file", e.Name), zap.String("platform_percent", updated.String()))
		})
	}

	return holder, nil
}

// NewStaticFeeConfigHolder pins the policy, used by tests and tooling.
func NewStaticFeeConfigHolder(policy fee.Policy) *FeeConfigHolder {
	holder := &FeeConfigHolder{}
	holder.current.Store(policy)
	return holder
}

// Store replaces the policy in force. Payments already settled keep their frozen split.
func (h *FeeConfigHolder) Store(policy fee.Policy) {
	h.current.Store(policy)
}

// Policy returns the fee policy currently in force.
func (h *FeeConfigHolder) Policy() fee.Policy {
	return h.current.Load().(fee.Policy)
}

func loadFeePolicy(v *viper.Viper) (fee.Policy, error) {
	var cfg FeeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return fee.Policy{}, err
	}
	policy, err := fee.ParsePolicy(cfg.PlatformPercent)
	if err != nil {
		return fee.Policy{}, fmt.Errorf("fee.platform_percent %q: %w", cfg.PlatformPercent, err)
	}
	return policy, nil
}
