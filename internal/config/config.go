// Package config loads the agent configuration from flags and environment
// variables. Flags win over the environment; a .env file, when present,
// seeds the environment first.
package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the call agent configuration.
type Config struct {
	// SignalingURL is the websocket endpoint of the signaling service.
	SignalingURL string
	// CredentialsURL is the endpoint issuing TURN credentials.
	CredentialsURL string
	// OwnedIdentity is the local identity, hex encoded.
	OwnedIdentity string
	// DeviceUID identifies this device among the identity's devices.
	DeviceUID string
	// CallLogPath is the SQLite call log location. Empty keeps the log
	// in memory.
	CallLogPath string
	LogLevel    string

	LowBandwidth   bool
	VideoSupported bool
}

// Load parses flags and the environment. The .env file is optional.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: loading .env: %v\n", err)
	}

	cfg := &Config{}
	flag.StringVar(&cfg.SignalingURL, "signaling", envOr("SIGNALING_URL", "wss://localhost:8443/ws"), "signaling websocket URL")
	flag.StringVar(&cfg.CredentialsURL, "credentials", envOr("CREDENTIALS_URL", ""), "TURN credential service URL")
	flag.StringVar(&cfg.OwnedIdentity, "identity", envOr("OWNED_IDENTITY", ""), "owned identity (hex)")
	flag.StringVar(&cfg.DeviceUID, "device", envOr("DEVICE_UID", ""), "device uid")
	flag.StringVar(&cfg.CallLogPath, "calllog", envOr("CALL_LOG_PATH", ""), "call log SQLite path (empty for in-memory)")
	flag.StringVar(&cfg.LogLevel, "loglevel", envOr("LOGLEVEL", "info"), "log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.LowBandwidth, "low-bandwidth", envBool("LOW_BANDWIDTH", false), "cap audio at 16 kbps")
	flag.BoolVar(&cfg.VideoSupported, "video", envBool("VIDEO_SUPPORTED", true), "announce video support to peers")
	flag.Parse()

	return cfg
}

// Validate checks the fields nothing can default.
func (c *Config) Validate() error {
	if c.OwnedIdentity == "" {
		return fmt.Errorf("owned identity is required")
	}
	if _, err := hex.DecodeString(c.OwnedIdentity); err != nil {
		return fmt.Errorf("owned identity must be hex: %w", err)
	}
	if c.SignalingURL == "" {
		return fmt.Errorf("signaling URL is required")
	}
	return nil
}

// IdentityBytes decodes the configured owned identity.
func (c *Config) IdentityBytes() []byte {
	b, _ := hex.DecodeString(c.OwnedIdentity)
	return b
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
