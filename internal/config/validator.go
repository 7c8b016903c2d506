package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Valid KME roles.
var validRoles = map[string]bool{
	"":         true, // Empty defaults to master
	RoleMaster: true,
	RoleSlave:  true,
}

// Valid logging levels.
var validLogLevels = map[string]bool{
	"":      true, // Empty defaults to info
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Valid logging formats.
var validLogFormats = map[string]bool{
	"":        true, // Empty defaults to json
	"json":    true,
	"console": true,
	"text":    true, // Alias for console
	"pretty":  true,
}

// Validate checks the configuration for errors.
// It validates all required fields, valid values, and cross-field constraints.
// Returns a ValidationError containing all errors found, or nil if valid.
func (c *Config) Validate() error {
	errs := &ValidationError{}

	validateServer(c, errs)
	validateKME(c, errs)
	validatePool(c, errs)
	validateLocalKM(c, errs)
	validateLogging(c, errs)
	validateRateLimit(c, errs)

	return errs.ToError()
}

// validateServer validates the server configuration section.
func validateServer(c *Config, errs *ValidationError) {
	// Server.Listen is required
	if c.Server.Listen == "" {
		errs.Add("server.listen is required")
	} else {
		validateListenAddress(c.Server.Listen, errs)
	}

	if c.Server.TimeoutMS < 0 {
		errs.Add("server.timeout_ms must be >= 0")
	}
	if c.Server.MaxConcurrent < 0 {
		errs.Add("server.max_concurrent must be >= 0")
	}
	if c.Server.MaxBodyBytes < 0 {
		errs.Add("server.max_body_bytes must be >= 0")
	}

	// TLS needs both halves of the key pair
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			errs.Add("server.tls.cert_file is required when tls is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			errs.Add("server.tls.key_file is required when tls is enabled")
		}
	}
}

// validateListenAddress validates a listen address in host:port format.
func validateListenAddress(addr string, errs *ValidationError) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		errs.Addf("server.listen must be in host:port format (got %q)", addr)
		return
	}

	// Host can be empty (listen on all interfaces) or a valid IP/hostname
	if host != "" {
		if ip := net.ParseIP(host); ip == nil {
			// Not an IP, treat as hostname - basic validation
			if strings.ContainsAny(host, " \t\n") {
				errs.Add("server.listen host contains invalid characters")
			}
		}
	}

	// Port must be present (SplitHostPort doesn't validate this)
	if port == "" {
		errs.Add("server.listen port is required")
	}
}

// validateKME validates the KME identity section.
func validateKME(c *Config, errs *ValidationError) {
	if !validRoles[c.KME.ID] {
		errs.Addf("kme.id is invalid (got %q, valid: %q master, %q slave)",
			c.KME.ID, RoleMaster, RoleSlave)
	}

	if c.KME.MaxKeysPerRequest < 0 {
		errs.Add("kme.max_keys_per_request must be >= 0")
	}
	if c.KME.MaxKeySizeBits < 0 {
		errs.Add("kme.max_key_size_bits must be >= 0")
	}
	if c.KME.MinKeySizeBits < 0 {
		errs.Add("kme.min_key_size_bits must be >= 0")
	}
	if c.KME.MinKeySizeBits > 0 && c.KME.MaxKeySizeBits > 0 &&
		c.KME.MinKeySizeBits > c.KME.MaxKeySizeBits {
		errs.Addf("kme.min_key_size_bits must not exceed kme.max_key_size_bits (got %d > %d)",
			c.KME.MinKeySizeBits, c.KME.MaxKeySizeBits)
	}

	// A slave with no peers has nowhere to get keys from
	if c.KME.GetEffectiveID() == RoleSlave && len(c.KME.Peers) == 0 {
		errs.Add("kme.peers must list the master when kme.id is the slave role")
	}

	seenNames := make(map[string]bool)
	for i := range c.KME.Peers {
		validatePeer(&c.KME.Peers[i], i, seenNames, errs)
	}
}

// validatePeer validates a single peer entry.
func validatePeer(p *PeerConfig, index int, seenNames map[string]bool, errs *ValidationError) {
	prefix := func(field string) string {
		if p.Name != "" {
			return fmt.Sprintf("peer[%s].%s", p.Name, field)
		}
		return fmt.Sprintf("kme.peers[%d].%s", index, field)
	}

	if p.Name != "" {
		if seenNames[p.Name] {
			errs.Addf("duplicate peer name: %s", p.Name)
		}
		seenNames[p.Name] = true
	}

	if p.BaseURL == "" {
		errs.Addf("%s is required", prefix("base_url"))
		return
	}
	validateBaseURL(p.BaseURL, prefix("base_url"), errs)
}

// validateBaseURL checks that a URL parses with an http(s) scheme and host.
func validateBaseURL(raw, field string, errs *ValidationError) {
	u, err := url.Parse(raw)
	if err != nil {
		errs.Addf("%s is not a valid URL (got %q)", field, raw)
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		errs.Addf("%s must use http or https (got %q)", field, raw)
	}
	if u.Host == "" {
		errs.Addf("%s is missing a host (got %q)", field, raw)
	}
}

// validatePool validates the shared pool section.
func validatePool(c *Config, errs *ValidationError) {
	if c.Pool.DefaultKeySize < 0 {
		errs.Add("pool.default_key_size must be >= 0")
	}
	if c.Pool.MaxKeyCount < 0 {
		errs.Add("pool.max_key_count must be >= 0")
	}
	if c.Pool.BatchSize < 0 {
		errs.Add("pool.batch_size must be >= 0")
	}
	if c.Pool.RefillThreshold < 0 {
		errs.Add("pool.refill_threshold must be >= 0")
	}
	if c.Pool.GenerateIntervalSecs < 0 {
		errs.Add("pool.generate_interval_secs must be >= 0")
	}
	if c.Pool.AcquireTimeoutSecs < 0 {
		errs.Add("pool.acquire_timeout_secs must be >= 0")
	}

	// A threshold above capacity would refill forever
	if c.Pool.RefillThreshold > 0 && c.Pool.MaxKeyCount > 0 &&
		c.Pool.RefillThreshold > c.Pool.MaxKeyCount {
		errs.Addf("pool.refill_threshold must not exceed pool.max_key_count (got %d > %d)",
			c.Pool.RefillThreshold, c.Pool.MaxKeyCount)
	}
}

// validateLocalKM validates the Local Key Manager section.
func validateLocalKM(c *Config, errs *ValidationError) {
	if c.LocalKM.SyncIntervalHours < 0 {
		errs.Add("local_km.sync_interval_hours must be >= 0")
	}
	if c.LocalKM.DefaultPoolSize < 0 {
		errs.Add("local_km.default_pool_size must be >= 0")
	}

	if c.LocalKM.LowThreshold < 0 || c.LocalKM.LowThreshold > 1 {
		errs.Addf("local_km.low_threshold must be within [0, 1] (got %v)", c.LocalKM.LowThreshold)
	}
	if c.LocalKM.EmergencyThreshold < 0 || c.LocalKM.EmergencyThreshold > 1 {
		errs.Addf("local_km.emergency_threshold must be within [0, 1] (got %v)",
			c.LocalKM.EmergencyThreshold)
	}

	// Emergency fires below low, so it must not sit above it
	if c.LocalKM.EmergencyThreshold > 0 && c.LocalKM.LowThreshold > 0 &&
		c.LocalKM.EmergencyThreshold > c.LocalKM.LowThreshold {
		errs.Addf("local_km.emergency_threshold must not exceed local_km.low_threshold (got %v > %v)",
			c.LocalKM.EmergencyThreshold, c.LocalKM.LowThreshold)
	}

	for i, raw := range c.LocalKM.UpstreamURLs {
		validateBaseURL(raw, fmt.Sprintf("local_km.upstream_urls[%d]", i), errs)
	}
}

// validateLogging validates the logging configuration section.
func validateLogging(c *Config, errs *ValidationError) {
	if !validLogLevels[c.Logging.Level] {
		errs.Addf("logging.level is invalid (got %q, valid: debug, info, warn, error)",
			c.Logging.Level)
	}
	if !validLogFormats[c.Logging.Format] {
		errs.Addf("logging.format is invalid (got %q, valid: json, console, text, pretty)",
			c.Logging.Format)
	}
}

// validateRateLimit validates the rate limit section.
func validateRateLimit(c *Config, errs *ValidationError) {
	if c.RateLimit.RequestsPerMinute < 0 {
		errs.Add("rate_limit.requests_per_minute must be >= 0")
	}
	if c.RateLimit.KeysPerMinute < 0 {
		errs.Add("rate_limit.keys_per_minute must be >= 0")
	}
}
