package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	nodeConfigFileName = "node_cfg.json"
	settingsFileName   = "ussb.toml"
)

// nodeConfigDisk is the protocol-mandated node_cfg.json shape.
type nodeConfigDisk struct {
	MasterFID string `json:"master_fid"`
}

// LoadMasterFID reads node_cfg.json under dir. ok is false when the file is
// absent or no master feed is configured yet.
func LoadMasterFID(dir string) (fid [32]byte, ok bool, err error) {
	raw, err := os.ReadFile(filepath.Join(dir, nodeConfigFileName))
	if errors.Is(err, os.ErrNotExist) {
		return fid, false, nil
	}
	if err != nil {
		return fid, false, err
	}
	var disk nodeConfigDisk
	if err := json.Unmarshal(raw, &disk); err != nil {
		return fid, false, fmt.Errorf("decode %s: %w", nodeConfigFileName, err)
	}
	if disk.MasterFID == "" {
		return fid, false, nil
	}
	fid, err = parseHex32("master_fid", disk.MasterFID)
	if err != nil {
		return fid, false, err
	}
	return fid, true, nil
}

// SaveMasterFID persists the master feed id to node_cfg.json.
func SaveMasterFID(dir string, fid [32]byte) error {
	raw, err := json.Marshal(nodeConfigDisk{MasterFID: fmt.Sprintf("%x", fid[:])})
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	return writeFileAtomic(filepath.Join(dir, nodeConfigFileName), raw, 0o644)
}

// Settings are operator-tunable runtime knobs. They live in ussb.toml and
// never carry protocol state.
type Settings struct {
	MulticastAddr  string `toml:"multicast_addr"`
	HTTPAddr       string `toml:"http_addr"`
	LogLevel       string `toml:"log_level"`
	TXDelayMS      int    `toml:"tx_delay_ms"`
	RXTimeoutMS    int    `toml:"rx_timeout_ms"`
	WantIntervalMS int    `toml:"want_interval_ms"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// DefaultSettings mirrors the timing of the original nodes: ~200-400 ms
// between sends, ~0.5 s want refill, short receive timeout.
func DefaultSettings() Settings {
	return Settings{
		MulticastAddr:  "224.1.1.1:5000",
		HTTPAddr:       "0.0.0.0:8000",
		LogLevel:       "info",
		TXDelayMS:      200,
		RXTimeoutMS:    3000,
		WantIntervalMS: 500,
	}
}

// LoadSettings reads ussb.toml under dir, falling back to defaults when the
// file is absent. Present files are validated strictly.
func LoadSettings(dir string) (Settings, error) {
	cfg := DefaultSettings()
	raw, err := os.ReadFile(filepath.Join(dir, settingsFileName))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", settingsFileName, err)
	}
	if err := ValidateSettings(cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", settingsFileName, err)
	}
	return cfg, nil
}

// ValidateSettings rejects unusable values before any socket is opened.
func ValidateSettings(cfg Settings) error {
	if err := validateAddr(cfg.MulticastAddr); err != nil {
		return fmt.Errorf("invalid multicast_addr: %w", err)
	}
	if cfg.HTTPAddr != "" {
		if err := validateAddr(cfg.HTTPAddr); err != nil {
			return fmt.Errorf("invalid http_addr: %w", err)
		}
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.TXDelayMS <= 0 {
		return errors.New("tx_delay_ms must be > 0")
	}
	if cfg.RXTimeoutMS <= 0 {
		return errors.New("rx_timeout_ms must be > 0")
	}
	if cfg.WantIntervalMS <= 0 {
		return errors.New("want_interval_ms must be > 0")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}
