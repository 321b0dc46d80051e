// Package config loads station settings from a YAML file.
//
// Example station.yaml:
//
//	port: /dev/ttyUSB0
//	strategy: bit-burn-key
//	firmware: build/ecocomfort_essential.bin
//	serial_file: s3://line-1/serial_number.txt?region=eu-central-1
//	key_file: vault://vault.factory.local:8200/secret/esp/device-key?field=key
//	tools:
//	  python: ""
//	  esptool: /opt/esp/esptool
//	  espefuse: /opt/esp/espefuse
//	record_stores:
//	  - file:///var/lib/station/records
//	  - ipfs://127.0.0.1:5001/?dir=/esp-records
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ruteri/esp-provisioning-station/interfaces"
	"github.com/ruteri/esp-provisioning-station/provisioner"
	"gopkg.in/yaml.v3"
)

// Tools locates the vendor tools. Python is a pointer so that an explicit
// empty string (run the tools directly) can be told apart from "unset".
type Tools struct {
	Python   *string `yaml:"python"`
	Esptool  string  `yaml:"esptool"`
	Espefuse string  `yaml:"espefuse"`
}

// Station is the YAML form of a station's settings. Unset fields keep the
// value they already have in the provisioner.Config they are applied to.
type Station struct {
	Port  string `yaml:"port"`
	Chip  string `yaml:"chip"`
	Baud  int    `yaml:"baud"`
	Tools Tools  `yaml:"tools"`

	Bootloader     string `yaml:"bootloader"`
	PartitionTable string `yaml:"partition_table"`
	Firmware       string `yaml:"firmware"`

	SerialFile string `yaml:"serial_file"`
	KeyFile    string `yaml:"key_file"`

	Strategy     string `yaml:"strategy"`
	SerialBlock  string `yaml:"serial_block"`
	SerialOffset *int   `yaml:"serial_offset"`
	KeyBlock     string `yaml:"key_block"`
	KeyBits      int    `yaml:"key_bits"`

	Force         *bool  `yaml:"force"`
	DoNotConfirm  *bool  `yaml:"do_not_confirm"`
	LenientSerial *bool  `yaml:"lenient_serial"`
	Overflow      string `yaml:"overflow"`
	ScratchDir    string `yaml:"scratch_dir"`

	RecordStores []string `yaml:"record_stores"`

	Server Server `yaml:"server"`
}

// Server holds the settings of the station API.
type Server struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads a station file.
func Load(path string) (*Station, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrConfig, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a station file. Unknown keys are rejected so typos do not
// silently fall back to defaults on a production line.
func Parse(r io.Reader) (*Station, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrConfig, err)
	}

	var st Station
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&st); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: invalid station file: %w", interfaces.ErrConfig, err)
	}
	return &st, nil
}

// Apply overlays the set fields of st onto cfg.
func (st *Station) Apply(cfg *provisioner.Config) error {
	setString(&cfg.Port, st.Port)
	setString(&cfg.Chip, st.Chip)
	if st.Baud != 0 {
		cfg.Baud = st.Baud
	}

	if st.Tools.Python != nil {
		cfg.Tools.Python = *st.Tools.Python
	}
	setString(&cfg.Tools.Esptool, st.Tools.Esptool)
	setString(&cfg.Tools.Espefuse, st.Tools.Espefuse)

	setString(&cfg.Bootloader, st.Bootloader)
	setString(&cfg.PartitionTable, st.PartitionTable)
	setString(&cfg.Firmware, st.Firmware)
	setString(&cfg.SerialLocation, st.SerialFile)
	setString(&cfg.KeyLocation, st.KeyFile)

	if st.Strategy != "" {
		s, err := interfaces.ParseBurnStrategy(st.Strategy)
		if err != nil {
			return err
		}
		cfg.Strategy = s
	}
	if st.Overflow != "" {
		p, err := interfaces.ParseOverflowPolicy(st.Overflow)
		if err != nil {
			return err
		}
		cfg.Overflow = p
	}

	setString(&cfg.SerialBlock, st.SerialBlock)
	if st.SerialOffset != nil {
		cfg.SerialOffset = *st.SerialOffset
	}
	setString(&cfg.KeyBlock, st.KeyBlock)
	if st.KeyBits != 0 {
		cfg.KeyBits = st.KeyBits
	}

	setBool(&cfg.ForceBurn, st.Force)
	setBool(&cfg.DoNotConfirm, st.DoNotConfirm)
	setBool(&cfg.LenientSerial, st.LenientSerial)
	setString(&cfg.ScratchDir, st.ScratchDir)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
