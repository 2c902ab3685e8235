// -----------------------------------------------------------------------
// Chain Registry - loads and resolves service chain definitions
// -----------------------------------------------------------------------

package registry

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/models"
	"gopkg.in/yaml.v3"
)

// Registry holds the service chains loaded from services.yml. The set is
// immutable after load; concurrent readers need no locking.
type Registry struct {
	chains map[string]*models.ServiceChain
	logger arbor.ILogger
}

// chainsFile is the services.yml document shape.
type chainsFile struct {
	Chains []models.ServiceChain `yaml:"chains" validate:"required,min=1,dive"`
}

// Load reads chain definitions from the YAML file at path.
func Load(path string, logger arbor.ILogger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service chains file %s: %w", path, err)
	}
	reg, err := Parse(data, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid service chains file %s: %w", path, err)
	}
	logger.Info().Str("path", path).Int("chains", len(reg.chains)).Msg("Service chains loaded")
	return reg, nil
}

// Parse builds a registry from raw YAML.
func Parse(data []byte, logger arbor.ILogger) (*Registry, error) {
	var file chainsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse service chains: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("service chain validation failed: %w", err)
	}

	chains := make(map[string]*models.ServiceChain, len(file.Chains))
	for i := range file.Chains {
		chain := file.Chains[i]
		if _, exists := chains[chain.Name]; exists {
			return nil, fmt.Errorf("duplicate service chain %q", chain.Name)
		}
		for j, step := range chain.Steps {
			if step.IsBatched && step.MaxBatchInputs <= 0 && step.MaxBatchSizeInBytes <= 0 {
				return nil, fmt.Errorf("chain %q step %d (%s): batched steps need maxBatchInputs or maxBatchSizeInBytes", chain.Name, j, step.ServiceID)
			}
		}
		chains[chain.Name] = &chain
	}

	return &Registry{chains: chains, logger: logger}, nil
}

// Chain resolves a chain by name.
func (r *Registry) Chain(name string) (*models.ServiceChain, error) {
	chain, ok := r.chains[name]
	if !ok {
		return nil, fmt.Errorf("%w: service chain %q", models.ErrNotFound, name)
	}
	return chain, nil
}

// Chains returns every registered chain, sorted by name.
func (r *Registry) Chains() []*models.ServiceChain {
	out := make([]*models.ServiceChain, 0, len(r.chains))
	for _, chain := range r.chains {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var _ interfaces.ChainRegistry = (*Registry)(nil)
