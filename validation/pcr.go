package validation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cloudx-io/dutchauction/auctionapi"
)

// LoadPCRsFromFile loads the known PCR sets of released auction host
// images. Files ending in .yaml or .yml are read as YAML, anything else as
// JSON.
func LoadPCRsFromFile(path string) ([]PCRSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCR config file: %w", err)
	}

	var config PCRConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse PCR config %s: %w", path, err)
	}

	if len(config.PCRSets) == 0 {
		return nil, fmt.Errorf("no PCR sets found in %s", path)
	}
	for i, set := range config.PCRSets {
		if err := set.validate(); err != nil {
			return nil, fmt.Errorf("PCR set #%d in %s: %w", i, path, err)
		}
	}
	return config.PCRSets, nil
}

func (s PCRSet) validate() error {
	for _, pcr := range []struct{ name, value string }{
		{"pcr0", s.PCR0},
		{"pcr1", s.PCR1},
		{"pcr2", s.PCR2},
	} {
		if pcr.value == "" {
			return fmt.Errorf("%s is empty", pcr.name)
		}
		if _, err := hex.DecodeString(pcr.value); err != nil {
			return fmt.Errorf("%s is not hex: %w", pcr.name, err)
		}
	}
	return nil
}

// MatchPCRs returns the first known set that measures the same image,
// kernel and application as pcrs.
func MatchPCRs(pcrs auctionapi.PCRs, knownSets []PCRSet) (PCRSet, bool) {
	for _, set := range knownSets {
		if strings.EqualFold(pcrs.ImageFileHash, set.PCR0) &&
			strings.EqualFold(pcrs.KernelHash, set.PCR1) &&
			strings.EqualFold(pcrs.ApplicationHash, set.PCR2) {
			return set, true
		}
	}
	return PCRSet{}, false
}
