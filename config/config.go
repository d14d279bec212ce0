// Copyright 2025 The atomik Authors
// This file is part of the atomik settlement processor.
//
// The atomik settlement processor is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// The atomik settlement processor is distributed in the hope that it will be
// useful, but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the atomik settlement processor. If not, see <http://www.gnu.org/licenses/>.

// Package config loads the processor configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gagliardetto/solana-go"
)

// Config is the full environment surface of the settlement processor.
// Intervals are raw milliseconds on the wire, exposed as durations through
// the accessor methods.
type Config struct {
	RPCEndpoints         []string `env:"RPC_ENDPOINTS,required" envSeparator:","`
	ProgramID            string   `env:"PROGRAM_ID,required"`
	ProcessorKeypairPath string   `env:"PROCESSOR_KEYPAIR_PATH,required"`
	CasinoPubkey         string   `env:"CASINO_PUBKEY"`
	EngineURL            string   `env:"ENGINE_URL,required"`
	EngineAPIKey         string   `env:"ENGINE_API_KEY,required"`

	WorkerCount     int    `env:"SETTLEMENT_WORKER_COUNT" envDefault:"4"`
	BatchMin        int    `env:"BATCH_MIN" envDefault:"3"`
	BatchMax        int    `env:"BATCH_MAX" envDefault:"12"`
	MaxBetsPerTx    int    `env:"MAX_BETS_PER_TX" envDefault:"6"`
	MaxRetries      uint32 `env:"MAX_RETRIES" envDefault:"3"`
	DispatchBacklog int    `env:"DISPATCH_BACKLOG" envDefault:"100"`
	MinBetLamports  uint64 `env:"MIN_BET_LAMPORTS" envDefault:"1000000"`

	PollIntervalMS    int64  `env:"POLL_INTERVAL_MS" envDefault:"10000"`
	ReconIntervalMS   int64  `env:"RECON_INTERVAL_MS" envDefault:"60000"`
	ReconMinAgeMS     int64  `env:"RECON_MIN_AGE_MS" envDefault:"120000"`
	CircuitThreshold  uint32 `env:"CIRCUIT_THRESHOLD" envDefault:"5"`
	CircuitCooldownMS int64  `env:"CIRCUIT_COOLDOWN_MS" envDefault:"30000"`
	ConfirmTimeoutMS  int64  `env:"CONFIRM_TIMEOUT_MS" envDefault:"30000"`

	MetricsAddr string `env:"METRICS_ADDR"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment into a validated Config.
func Load() (*Config, error) {
	cfg := new(Config)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	endpoints := c.RPCEndpoints[:0]
	for _, ep := range c.RPCEndpoints {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	c.RPCEndpoints = endpoints
	if len(c.RPCEndpoints) == 0 {
		return errors.New("RPC_ENDPOINTS must name at least one endpoint")
	}
	if c.BatchMin <= 0 || c.BatchMax < c.BatchMin {
		return fmt.Errorf("batch bounds invalid: min %d, max %d", c.BatchMin, c.BatchMax)
	}
	if c.MaxBetsPerTx <= 0 {
		return fmt.Errorf("MAX_BETS_PER_TX must be positive, got %d", c.MaxBetsPerTx)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("SETTLEMENT_WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Program parses the configured program id.
func (c *Config) Program() (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(c.ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("PROGRAM_ID: %w", err)
	}
	return pk, nil
}

// Casino parses the optional casino cross-check pubkey. The second return is
// false when none was configured.
func (c *Config) Casino() (solana.PublicKey, bool, error) {
	if c.CasinoPubkey == "" {
		return solana.PublicKey{}, false, nil
	}
	pk, err := solana.PublicKeyFromBase58(c.CasinoPubkey)
	if err != nil {
		return solana.PublicKey{}, false, fmt.Errorf("CASINO_PUBKEY: %w", err)
	}
	return pk, true, nil
}

// Keypair loads the processor signing identity. It is read once at startup
// and held in memory for the life of the process.
func (c *Config) Keypair() (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(c.ProcessorKeypairPath)
	if err != nil {
		return nil, fmt.Errorf("loading processor keypair from %s: %w", c.ProcessorKeypairPath, err)
	}
	return key, nil
}

func (c *Config) PollInterval() time.Duration    { return time.Duration(c.PollIntervalMS) * time.Millisecond }
func (c *Config) ReconInterval() time.Duration   { return time.Duration(c.ReconIntervalMS) * time.Millisecond }
func (c *Config) ReconMinAge() time.Duration     { return time.Duration(c.ReconMinAgeMS) * time.Millisecond }
func (c *Config) CircuitCooldown() time.Duration { return time.Duration(c.CircuitCooldownMS) * time.Millisecond }
func (c *Config) ConfirmTimeout() time.Duration  { return time.Duration(c.ConfirmTimeoutMS) * time.Millisecond }
