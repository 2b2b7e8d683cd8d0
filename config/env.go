package config

import (
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overlays QTRAIN_* variables onto c. Malformed values are ignored.
func (c *RunConfig) ApplyEnv(getenv func(string) string) {
	e := env(getenv)
	c.Arch = e.str("QTRAIN_ARCH", c.Arch)
	c.WeightBits = e.int("QTRAIN_QW", c.WeightBits)
	c.ActivationBits = e.int("QTRAIN_QA", c.ActivationBits)
	c.QuantMode = e.str("QTRAIN_Q_MODE", c.QuantMode)
	c.Epochs = e.int("QTRAIN_EPOCHS", c.Epochs)
	c.BatchSize = e.int("QTRAIN_BATCH_SIZE", c.BatchSize)
	c.LR = e.float("QTRAIN_LR", c.LR)
	c.Seed = int64(e.int("QTRAIN_SEED", int(c.Seed)))
	c.Workers = e.int("QTRAIN_WORKERS", c.Workers)
	c.Resume = e.str("QTRAIN_RESUME", c.Resume)
	c.LogName = e.str("QTRAIN_LOG_NAME", c.LogName)
	c.DistURL = e.str("QTRAIN_DIST_URL", c.DistURL)
	c.DistBackend = e.str("QTRAIN_DIST_BACKEND", c.DistBackend)
	c.JoinTimeout = e.duration("QTRAIN_JOIN_TIMEOUT", c.JoinTimeout)
	c.Dashboard = e.bool("QTRAIN_DASHBOARD", c.Dashboard)

	c.Mirror.Endpoint = e.str("QTRAIN_MINIO_ENDPOINT", c.Mirror.Endpoint)
	c.Mirror.AccessKey = e.str("QTRAIN_MINIO_ACCESS_KEY", c.Mirror.AccessKey)
	c.Mirror.SecretKey = e.str("QTRAIN_MINIO_SECRET_KEY", c.Mirror.SecretKey)
	c.Mirror.Bucket = e.str("QTRAIN_MINIO_BUCKET", c.Mirror.Bucket)
	c.Mirror.UseSSL = e.bool("QTRAIN_MINIO_USE_SSL", c.Mirror.UseSSL)
}

type env func(string) string

func (e env) str(key, fallback string) string {
	v := strings.TrimSpace(e(key))
	if v == "" {
		return fallback
	}
	return v
}

func (e env) int(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(e(key)))
	if err != nil {
		return fallback
	}
	return n
}

func (e env) float(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(e(key)), 64)
	if err != nil {
		return fallback
	}
	return f
}

func (e env) bool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(e(key))) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func (e env) duration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(e(key)))
	if err != nil {
		return fallback
	}
	return d
}
