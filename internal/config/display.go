package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// DefaultDisplayConfigPath is where the viewer looks for display settings
// when no path is configured.
const DefaultDisplayConfigPath = "config.json"

// MaxDisplayConfigSize bounds the display configuration file.
const MaxDisplayConfigSize = 1 * 1024 * 1024

// ErrConfigParse is returned when a display configuration file cannot be
// read, parsed or validated.
var ErrConfigParse = errors.New("config parse error")

// MicPosition is a microphone position in metres.
type MicPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DisplayConfig carries presentation-only settings: microphone positions
// and per-baseline lag offset, amplitude scale and amplitude offset. None of
// it affects decoding.
type DisplayConfig struct {
	Positions  []MicPosition `json:"positions"`
	LagOffsets []float64     `json:"lag_offsets"`
	AmpScales  []float64     `json:"amp_scales"`
	AmpOffsets []float64     `json:"amp_offsets"`
}

// defaultMicPositions is the rig geometry the viewer starts from.
var defaultMicPositions = []MicPosition{
	{-0.073, -0.065, 0},
	{0.073, -0.065, 0},
	{-0.038, 0.065, 0},
	{0.04, 0.065, 0},
	{0.118, 0.285, 0},
	{0.268, 0.285, 0},
	{0.026, -0.065, 0},
	{-0.026, -0.065, 0},
}

// DefaultDisplayConfig returns the settings used before any file is loaded:
// every lag offset centred at lagCount/2, unit amplitude scale, no offset.
func DefaultDisplayConfig(mics, lagCount int) *DisplayConfig {
	baselines := mics * (mics - 1) / 2
	cfg := &DisplayConfig{
		Positions:  make([]MicPosition, mics),
		LagOffsets: make([]float64, baselines),
		AmpScales:  make([]float64, baselines),
		AmpOffsets: make([]float64, baselines),
	}
	for i := range cfg.Positions {
		if i < len(defaultMicPositions) {
			cfg.Positions[i] = defaultMicPositions[i]
		}
	}
	for i := 0; i < baselines; i++ {
		cfg.LagOffsets[i] = float64(lagCount) / 2
		cfg.AmpScales[i] = 1
	}
	return cfg
}

// Clone returns a deep copy.
func (c *DisplayConfig) Clone() *DisplayConfig {
	if c == nil {
		return nil
	}
	return &DisplayConfig{
		Positions:  append([]MicPosition(nil), c.Positions...),
		LagOffsets: append([]float64(nil), c.LagOffsets...),
		AmpScales:  append([]float64(nil), c.AmpScales...),
		AmpOffsets: append([]float64(nil), c.AmpOffsets...),
	}
}

// fileFormat mirrors the rig's config.json:
//
//	{"config": {"positions": {"micpos1": {"x":..,"y":..,"z":..}},
//	            "lagoffsets": {"lagoffset1": ..}, "ampscales": {"ampscale1": ..},
//	            "ampoffsets": {"ampoffset1": ..}}}
type fileFormat struct {
	Config struct {
		Positions  map[string]MicPosition `json:"positions"`
		LagOffsets map[string]float64     `json:"lagoffsets"`
		AmpScales  map[string]float64     `json:"ampscales"`
		AmpOffsets map[string]float64     `json:"ampoffsets"`
	} `json:"config"`
}

// LoadDisplayConfig reads a display configuration file, starting from base
// so keys omitted from the file keep their current values.
// The file must have a .json extension and be at most 1MB.
func LoadDisplayConfig(path string, base *DisplayConfig) (*DisplayConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", ErrConfigParse, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat config file: %w", ErrConfigParse, err)
	}
	if fileInfo.Size() > MaxDisplayConfigSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrConfigParse, fileInfo.Size(), MaxDisplayConfigSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrConfigParse, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config JSON: %w", ErrConfigParse, err)
	}

	cfg := base.Clone()
	if cfg == nil {
		cfg = &DisplayConfig{}
	}
	if err := applyIndexed(ff.Config.Positions, "micpos", len(cfg.Positions), func(i int, p MicPosition) {
		cfg.Positions[i] = p
	}); err != nil {
		return nil, err
	}
	for _, group := range []struct {
		values map[string]float64
		prefix string
		dst    []float64
	}{
		{ff.Config.LagOffsets, "lagoffset", cfg.LagOffsets},
		{ff.Config.AmpScales, "ampscale", cfg.AmpScales},
		{ff.Config.AmpOffsets, "ampoffset", cfg.AmpOffsets},
	} {
		dst := group.dst
		if err := applyIndexed(group.values, group.prefix, len(dst), func(i int, v float64) {
			dst[i] = v
		}); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid configuration: %w", ErrConfigParse, err)
	}
	return cfg, nil
}

// applyIndexed maps keys like "lagoffset3" to index 2. Keys beyond the
// deployment's count are rejected.
func applyIndexed[T any](values map[string]T, prefix string, count int, set func(int, T)) error {
	for key, v := range values {
		if !strings.HasPrefix(key, prefix) {
			return fmt.Errorf("%w: unexpected key %q", ErrConfigParse, key)
		}
		n, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
		if err != nil || n < 1 {
			return fmt.Errorf("%w: unexpected key %q", ErrConfigParse, key)
		}
		if n > count {
			return fmt.Errorf("%w: %s refers to entry %d but only %d are configured", ErrConfigParse, key, n, count)
		}
		set(n-1, v)
	}
	return nil
}

// Validate checks that the configuration values are usable.
func (c *DisplayConfig) Validate() error {
	if len(c.LagOffsets) != len(c.AmpScales) || len(c.LagOffsets) != len(c.AmpOffsets) {
		return fmt.Errorf("per-baseline settings disagree in length: %d lag offsets, %d amp scales, %d amp offsets",
			len(c.LagOffsets), len(c.AmpScales), len(c.AmpOffsets))
	}
	for i, s := range c.AmpScales {
		if s <= 0 {
			return fmt.Errorf("ampscale%d must be positive, got %f", i+1, s)
		}
	}
	return nil
}

// DisplayStore holds the active display configuration. A failed reload
// leaves the previous configuration in place.
type DisplayStore struct {
	mu   sync.RWMutex
	path string
	cfg  *DisplayConfig
}

// NewDisplayStore returns a store seeded with initial, reloading from path.
func NewDisplayStore(path string, initial *DisplayConfig) *DisplayStore {
	if path == "" {
		path = DefaultDisplayConfigPath
	}
	return &DisplayStore{path: path, cfg: initial.Clone()}
}

// Path returns the file Reload reads.
func (s *DisplayStore) Path() string {
	return s.path
}

// Get returns a copy of the active configuration.
func (s *DisplayStore) Get() *DisplayConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Reload re-reads the configuration file. On error the active
// configuration is unchanged and the error wraps ErrConfigParse.
func (s *DisplayStore) Reload() (*DisplayConfig, error) {
	s.mu.RLock()
	base := s.cfg
	s.mu.RUnlock()

	cfg, err := LoadDisplayConfig(s.path, base)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return cfg.Clone(), nil
}
