package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Recognized environment variables. Each one overrides the corresponding
// file value when set, so containerized deployments can run without a
// config file at all.
const (
	EnvKMEID             = "KME_ID"
	EnvAttachedSAEID     = "ATTACHED_SAE_ID"
	EnvOtherKMEs         = "OTHER_KMES"
	EnvUseHTTPS          = "USE_HTTPS"
	EnvDefaultKeySize    = "DEFAULT_KEY_SIZE"
	EnvMaxKeyCount       = "MAX_KEY_COUNT"
	EnvMaxKeysPerRequest = "MAX_KEYS_PER_REQUEST"
	EnvMaxKeySize        = "MAX_KEY_SIZE"
	EnvMinKeySize        = "MIN_KEY_SIZE"
	EnvKeyGenBatchSize   = "KEY_GEN_BATCH_SIZE"
	EnvKeyGenInterval    = "KEY_GEN_SEC_TO_GEN"
	EnvRefillThreshold   = "REFILL_THRESHOLD"
	EnvKeyAcquireTimeout = "KEY_ACQUIRE_TIMEOUT"
	EnvLocalKMID         = "LOCAL_KM_ID"
	EnvNextDoorKMURL     = "NEXT_DOOR_KM_URL"
	EnvLocalKMDB         = "LOCAL_KM_DB"
)

// ApplyEnv overlays the recognized environment variables onto cfg.
// Values that fail to parse are ignored, keeping the file value.
func ApplyEnv(cfg *Config) {
	applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	setString(lookup, EnvKMEID, &cfg.KME.ID)
	setString(lookup, EnvAttachedSAEID, &cfg.KME.AttachedSAEID)
	setInt(lookup, EnvMaxKeysPerRequest, &cfg.KME.MaxKeysPerRequest)
	setInt(lookup, EnvMaxKeySize, &cfg.KME.MaxKeySizeBits)
	setInt(lookup, EnvMinKeySize, &cfg.KME.MinKeySizeBits)

	if raw, ok := lookup(EnvOtherKMEs); ok {
		if peers := parsePeerList(raw); len(peers) > 0 {
			cfg.KME.Peers = peers
		}
	}

	if raw, ok := lookup(EnvUseHTTPS); ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Server.TLS.Enabled = v
		}
	}

	setInt(lookup, EnvDefaultKeySize, &cfg.Pool.DefaultKeySize)
	setInt(lookup, EnvMaxKeyCount, &cfg.Pool.MaxKeyCount)
	setInt(lookup, EnvKeyGenBatchSize, &cfg.Pool.BatchSize)
	setInt(lookup, EnvKeyGenInterval, &cfg.Pool.GenerateIntervalSecs)
	setInt(lookup, EnvRefillThreshold, &cfg.Pool.RefillThreshold)
	setInt(lookup, EnvKeyAcquireTimeout, &cfg.Pool.AcquireTimeoutSecs)

	setString(lookup, EnvLocalKMID, &cfg.LocalKM.ID)
	setString(lookup, EnvLocalKMDB, &cfg.LocalKM.DBPath)

	if raw, ok := lookup(EnvNextDoorKMURL); ok && raw != "" {
		cfg.LocalKM.UpstreamURLs = splitList(raw)
	}
}

func setString(lookup func(string) (string, bool), key string, dst *string) {
	if raw, ok := lookup(key); ok && raw != "" {
		*dst = raw
	}
}

func setInt(lookup func(string) (string, bool), key string, dst *int) {
	raw, ok := lookup(key)
	if !ok {
		return
	}
	if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		*dst = v
	}
}

// parsePeerList turns a comma-separated URL list into peer entries.
// Names are positional since the environment carries URLs only.
func parsePeerList(raw string) []PeerConfig {
	urls := splitList(raw)
	peers := make([]PeerConfig, 0, len(urls))
	for i, u := range urls {
		peers = append(peers, PeerConfig{
			Name:    fmt.Sprintf("kme-peer-%d", i+1),
			BaseURL: u,
		})
	}
	return peers
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
