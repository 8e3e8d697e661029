package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"go.yaml.in/yaml/v3"
)

// Roster is the fixed, pre-known device fleet. The prober walks it
// round-robin; there is no dynamic discovery.
type Roster struct {
	Devices []string `yaml:"devices"`
}

// LoadRoster reads the device roster from a YAML file. An empty roster is
// rejected: a bridge with nothing to probe is a deployment mistake.
func LoadRoster(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read roster")
	}
	var r Roster
	if err := yaml.Unmarshal(b, &r); err != nil {
		return nil, errors.Wrap(err, "parse roster")
	}
	seen := make(map[string]struct{}, len(r.Devices))
	var devices []string
	for _, d := range r.Devices {
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return nil, errors.Newf("roster %s lists no devices", path)
	}
	return devices, nil
}
