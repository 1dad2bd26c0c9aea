package capability

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/cognigate/backend/internal/core"
)

// LoadFile reads a capability matrix from a YAML file and validates it.
// A missing or malformed file is fatal at startup.
func LoadFile(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open capability matrix: %v", core.ErrConfiguration, err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode capability matrix: %v", core.ErrConfiguration, err)
	}
	return New(cfg)
}
