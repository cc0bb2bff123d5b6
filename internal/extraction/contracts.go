package extraction

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
	"github.com/joseph-ayodele/listing-diagnostics/internal/llm"
)

//go:embed contracts.yaml
var defaultContracts []byte

// Contract is the schema and instruction pair sent to the scraping collaborator for one platform.
type Contract struct {
	Platform     constants.Platform
	Schema       map[string]any
	Instructions string
}

type contractFile struct {
	BaseInstructions string                   `yaml:"base_instructions"`
	Platforms        map[string]platformEntry `yaml:"platforms"`
}

type platformEntry struct {
	Instructions string         `yaml:"instructions"`
	Fields       map[string]any `yaml:"fields"`
}

// Contracts is the loaded contract table.
type Contracts struct {
	base   string
	byName map[constants.Platform]Contract
}

// LoadContracts parses the embedded contract table. When path is set, the file's platform
// entries replace the embedded ones.
func LoadContracts(path string) (*Contracts, error) {
	var f contractFile
	if err := yaml.Unmarshal(defaultContracts, &f); err != nil {
		return nil, fmt.Errorf("extraction: parse embedded contracts: %w", err)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("extraction: read contracts file: %w", err)
		}
		var override contractFile
		if err := yaml.Unmarshal(b, &override); err != nil {
			return nil, fmt.Errorf("extraction: parse contracts file: %w", err)
		}
		if strings.TrimSpace(override.BaseInstructions) != "" {
			f.BaseInstructions = override.BaseInstructions
		}
		for name, entry := range override.Platforms {
			f.Platforms[name] = entry
		}
	}

	c := &Contracts{
		base:   strings.TrimSpace(f.BaseInstructions),
		byName: make(map[constants.Platform]Contract, len(f.Platforms)),
	}
	for name, entry := range f.Platforms {
		p := constants.ParsePlatform(name)
		if p == constants.PlatformUnknown {
			return nil, fmt.Errorf("extraction: contract for unsupported platform %q", name)
		}
		c.byName[p] = Contract{
			Platform:     p,
			Schema:       llm.BuildPropertyJSONSchema(entry.Fields),
			Instructions: joinInstructions(c.base, entry.Instructions),
		}
	}
	return c, nil
}

// For returns the contract for p. Platforms without an entry get the base contract.
func (c *Contracts) For(p constants.Platform) Contract {
	if ct, ok := c.byName[p]; ok {
		return ct
	}
	return Contract{
		Platform:     p,
		Schema:       llm.BuildPropertyJSONSchema(nil),
		Instructions: c.base,
	}
}

func joinInstructions(base, extra string) string {
	extra = strings.TrimSpace(extra)
	if extra == "" {
		return base
	}
	return base + "\n" + extra
}
