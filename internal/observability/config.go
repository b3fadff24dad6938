package observability

import (
	"strings"

	"github.com/smallbiznis/rentflow/internal/config"
)

// Config is the observability slice of the application configuration.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

const defaultSamplingRatio = 0.1

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "rentflow"
	}
	logFormat := strings.TrimSpace(cfg.Observability.LogFormat)
	if logFormat == "" {
		logFormat = "json"
	}
	protocol := strings.TrimSpace(cfg.Observability.OTLPProtocol)
	if protocol == "" {
		protocol = "grpc"
	}
	ratio := cfg.Observability.SamplingRatio
	if ratio <= 0 || ratio > 1 {
		ratio = defaultSamplingRatio
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             strings.ToLower(strings.TrimSpace(cfg.LogLevel)),
		LogFormat:            logFormat,
		OtelEnabled:          cfg.Observability.OTLPEnabled,
		OtelExporterEndpoint: strings.TrimSpace(cfg.Observability.OTLPEndpoint),
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    ratio,
	}
}

// Debug enables verbose request logging and stack traces.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
