// Package interventions selects suggested exercises for weak dimensions.
package interventions

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/scoring"
	"gopkg.in/yaml.v3"
)

// DefaultTopK is the number of cards chosen per dimension.
const DefaultTopK = 2

// SupportedVersions is the semver constraint a catalog must satisfy.
const SupportedVersions = "^1.0.0"

//go:embed default_catalog.yaml
var defaultCatalog []byte

// dimensionKeys maps bank dimension names to catalog keys.
var dimensionKeys = map[string]string{
	"沟通":       "communication",
	"信任":       "trust",
	"亲密/性生活":   "intimacy",
	"子女教育":     "parenting",
	"冲突处理":     "conflict",
	"价值观/角色分工": "values_roles",
}

// DimensionKey returns the catalog key of a dimension name. Unknown names are
// returned unchanged.
func DimensionKey(name string) string {
	if key, ok := dimensionKeys[strings.TrimSpace(name)]; ok {
		return key
	}
	return name
}

// Catalog is the set of intervention cards.
type Catalog struct {
	Name    string                    `yaml:"name"`
	Version string                    `yaml:"version"`
	Cards   []domain.InterventionCard `yaml:"cards"`

	Source string `yaml:"-"`
}

// Parse decodes a YAML catalog and checks its version.
func Parse(r io.Reader) (*Catalog, error) {
	var c Catalog
	if err := yaml.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if c.Version != "" {
		v, err := semver.NewVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid catalog version %q: %w", c.Version, err)
		}
		constraint, err := semver.NewConstraint(SupportedVersions)
		if err != nil {
			return nil, err
		}
		if !constraint.Check(v) {
			return nil, fmt.Errorf("catalog version %s does not satisfy %s", v, SupportedVersions)
		}
	}
	for i, card := range c.Cards {
		if card.ID == "" || card.Dimension == "" {
			return nil, fmt.Errorf("card %d: id and dimension are required", i)
		}
	}
	return &c, nil
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(bytes.NewReader(defaultCatalog))
	if err != nil {
		panic(fmt.Sprintf("embedded intervention catalog: %v", err))
	}
	c.Source = "embedded"
	return c
}

// Load reads the catalog at path, falling back to the embedded catalog when
// the file is missing or invalid.
func Load(path string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		logger.Warn("intervention catalog unavailable, using embedded catalog", "path", path, "error", err)
		return Default()
	}
	defer f.Close()
	c, err := Parse(f)
	if err != nil {
		logger.Warn("intervention catalog invalid, using embedded catalog", "path", path, "error", err)
		return Default()
	}
	c.Source = path
	return c
}

// Select returns up to topK cards for a catalog dimension key that apply to
// severity, ordered by priority then id. Cards without a severity list apply
// to every severity.
func (c *Catalog) Select(dimensionKey, severity string, topK int) []domain.InterventionCard {
	if topK <= 0 {
		topK = DefaultTopK
	}
	var out []domain.InterventionCard
	for _, card := range c.Cards {
		if card.Dimension != dimensionKey {
			continue
		}
		if len(card.Severity) > 0 && !slices.Contains(card.Severity, severity) {
			continue
		}
		card.Severity = slices.Clone(card.Severity)
		card.Steps = slices.Clone(card.Steps)
		out = append(out, card)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// Plan builds one group per scored dimension, in the given order. A dimension
// without a severity entry is treated as moderate.
func (c *Catalog) Plan(dimensions []string, severity map[string]string, topK int) []domain.InterventionGroup {
	groups := make([]domain.InterventionGroup, 0, len(dimensions))
	for _, dim := range dimensions {
		sev := severity[dim]
		if sev == "" {
			sev = scoring.Moderate
		}
		cards := c.Select(DimensionKey(dim), sev, topK)
		if cards == nil {
			cards = []domain.InterventionCard{}
		}
		groups = append(groups, domain.InterventionGroup{Dimension: dim, Cards: cards})
	}
	return groups
}
