package restic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"

	"github.com/restic/chunker"
)

// Config contains the configuration for a repository. It is written once by
// init and never changed afterwards.
type Config struct {
	Version           uint            `json:"version"`
	ID                string          `json:"id"`
	ChunkerPolynomial chunker.Pol     `json:"chunker_polynomial"`
	MinChunkSize      uint            `json:"min_chunk_size"`
	AvgChunkSizeBits  uint            `json:"avg_chunk_size_bits"`
	MaxChunkSize      uint            `json:"max_chunk_size"`
	Compression       CompressionMode `json:"compression"`
	CompressionLevel  int             `json:"compression_level,omitempty"`
	PackSize          uint            `json:"pack_size"`
}

const RepoVersion = 1

// Chunker and pack size defaults, used by CreateConfig when the caller
// leaves a parameter unset.
const (
	DefaultMinChunkSize     = chunker.MinSize
	DefaultMaxChunkSize     = chunker.MaxSize
	DefaultAvgChunkSizeBits = 20
	DefaultPackSize         = 16 * 1024 * 1024

	MinPackSize = 4 * 1024 * 1024
	MaxPackSize = 128 * 1024 * 1024

	minAvgChunkSizeBits = 10
	maxAvgChunkSizeBits = 26
)

// CompressionMode configures if data should be compressed.
type CompressionMode uint

// Constants for the different compression levels.
const (
	CompressionAuto    CompressionMode = 0
	CompressionOff     CompressionMode = 1
	CompressionMax     CompressionMode = 2
	CompressionInvalid CompressionMode = 3
)

// Set implements the method needed for pflag command flag parsing.
func (c *CompressionMode) Set(s string) error {
	switch s {
	case "auto":
		*c = CompressionAuto
	case "off":
		*c = CompressionOff
	case "max":
		*c = CompressionMax
	default:
		*c = CompressionInvalid
		return fmt.Errorf("invalid compression mode %q, must be one of (auto|off|max)", s)
	}

	return nil
}

func (c *CompressionMode) String() string {
	switch *c {
	case CompressionAuto:
		return "auto"
	case CompressionOff:
		return "off"
	case CompressionMax:
		return "max"
	default:
		return "invalid"
	}
}

func (c *CompressionMode) Type() string {
	return "mode"
}

func (c CompressionMode) MarshalJSON() ([]byte, error) {
	if c >= CompressionInvalid {
		return nil, errors.Errorf("invalid compression mode %d", c)
	}
	return json.Marshal(c.String())
}

func (c *CompressionMode) UnmarshalJSON(buf []byte) error {
	var s string
	if err := json.Unmarshal(buf, &s); err != nil {
		return err
	}
	return c.Set(s)
}

// ConfigOptions holds the parameters chosen at init. Zero values select the
// defaults.
type ConfigOptions struct {
	MinChunkSize     uint
	AvgChunkSizeBits uint
	MaxChunkSize     uint
	Compression      CompressionMode
	CompressionLevel int
	PackSize         uint
}

// CreateConfig creates a config with a randomly selected polynomial and ID.
func CreateConfig(opts ConfigOptions) (Config, error) {
	var (
		err error
		cfg Config
	)

	cfg.ChunkerPolynomial, err = chunker.RandomPolynomial()
	if err != nil {
		return Config{}, errors.Wrap(err, "chunker.RandomPolynomial")
	}

	cfg.ID = NewRandomID().String()
	cfg.Version = RepoVersion

	cfg.MinChunkSize = opts.MinChunkSize
	if cfg.MinChunkSize == 0 {
		cfg.MinChunkSize = DefaultMinChunkSize
	}
	cfg.MaxChunkSize = opts.MaxChunkSize
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	cfg.AvgChunkSizeBits = opts.AvgChunkSizeBits
	if cfg.AvgChunkSizeBits == 0 {
		cfg.AvgChunkSizeBits = DefaultAvgChunkSizeBits
	}
	cfg.Compression = opts.Compression
	cfg.CompressionLevel = opts.CompressionLevel
	cfg.PackSize = opts.PackSize
	if cfg.PackSize == 0 {
		cfg.PackSize = DefaultPackSize
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	debug.Log("New config: %#v", cfg)
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.Version != RepoVersion {
		return errors.Errorf("unsupported repository version %v", cfg.Version)
	}
	if cfg.AvgChunkSizeBits < minAvgChunkSizeBits || cfg.AvgChunkSizeBits > maxAvgChunkSizeBits {
		return errors.Errorf("average chunk size bits %d out of range [%d, %d]",
			cfg.AvgChunkSizeBits, minAvgChunkSizeBits, maxAvgChunkSizeBits)
	}
	avg := uint(1) << cfg.AvgChunkSizeBits
	if cfg.MinChunkSize == 0 || cfg.MinChunkSize > avg || avg > cfg.MaxChunkSize {
		return errors.Errorf("chunk sizes must satisfy 0 < min (%d) <= avg (%d) <= max (%d)",
			cfg.MinChunkSize, avg, cfg.MaxChunkSize)
	}
	if cfg.Compression >= CompressionInvalid {
		return errors.Errorf("invalid compression mode %d", cfg.Compression)
	}
	if cfg.PackSize < MinPackSize || cfg.PackSize > MaxPackSize {
		return errors.Errorf("pack size %d out of range [%d, %d]", cfg.PackSize, MinPackSize, MaxPackSize)
	}
	return nil
}

var checkPolynomial = true
var checkPolynomialOnce sync.Once

// TestDisableCheckPolynomial disables the check that the polynomial used for
// the chunker.
func TestDisableCheckPolynomial(t testing.TB) {
	t.Logf("disabling check of the chunker polynomial")
	checkPolynomialOnce.Do(func() {
		checkPolynomial = false
	})
}

// LoadConfig returns loads, checks and returns the config for a repository.
func LoadConfig(ctx context.Context, r LoaderUnpacked) (Config, error) {
	var (
		cfg Config
	)

	err := LoadJSONUnpacked(ctx, r, ConfigFile, ID{}, &cfg)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, errors.WithKind(err, errors.ErrCorrupt)
	}

	if checkPolynomial {
		if !cfg.ChunkerPolynomial.Irreducible() {
			return Config{}, errors.Corruptf("invalid chunker polynomial")
		}
	}

	return cfg, nil
}

// SaveConfig stores the config. The repository writes it without encryption.
func SaveConfig(ctx context.Context, r SaverUnpacked, cfg Config) error {
	_, err := SaveJSONUnpacked(ctx, r, ConfigFile, cfg)
	return err
}
