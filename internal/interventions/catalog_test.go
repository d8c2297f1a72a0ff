package interventions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/mqol-labs/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDimensionKey(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"沟通":       "communication",
		"信任":       "trust",
		"亲密/性生活":   "intimacy",
		"子女教育":     "parenting",
		"冲突处理":     "conflict",
		"价值观/角色分工": "values_roles",
		"财务":       "财务",
	}
	for name, want := range tests {
		assert.Equal(t, want, DimensionKey(name))
	}
}

func TestSelectOrdersByPriorityAndCapsTopK(t *testing.T) {
	t.Parallel()

	c, err := Parse(strings.NewReader(`
version: 1.0.0
cards:
  - {id: b, dimension: trust, severity: [重度], priority: 2, title: B}
  - {id: a, dimension: trust, severity: [重度], priority: 2, title: A}
  - {id: z, dimension: trust, priority: 1, title: Z}
  - {id: m, dimension: trust, severity: [轻度], priority: 0, title: M}
  - {id: x, dimension: conflict, severity: [重度], priority: 0, title: X}
`))
	require.NoError(t, err)

	cards := c.Select("trust", scoring.Severe, 2)
	require.Len(t, cards, 2)
	assert.Equal(t, "z", cards[0].ID)
	assert.Equal(t, "a", cards[1].ID)

	all := c.Select("trust", scoring.Severe, 10)
	assert.Len(t, all, 3)

	assert.Len(t, c.Select("trust", scoring.Mild, 0), 2)
}

func TestPlanDefaultsToModerate(t *testing.T) {
	t.Parallel()

	c := Default()
	groups := c.Plan([]string{"沟通", "未知维度"}, map[string]string{}, DefaultTopK)
	require.Len(t, groups, 2)

	assert.Equal(t, "沟通", groups[0].Dimension)
	require.Len(t, groups[0].Cards, 2)
	for _, card := range groups[0].Cards {
		assert.Contains(t, card.Severity, scoring.Moderate)
		assert.Equal(t, "communication", card.Dimension)
	}
	assert.NotNil(t, groups[1].Cards)
	assert.Empty(t, groups[1].Cards)
}

func TestLoadFallsBackToEmbedded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	assert.Equal(t, "embedded", Load(filepath.Join(dir, "missing.yaml"), nil).Source)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: 9.0.0\ncards: []\n"), 0o644))
	assert.Equal(t, "embedded", Load(bad, nil).Source)

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("version: 1.1.0\ncards:\n  - {id: a, dimension: trust, title: A}\n"), 0o644))
	c := Load(good, nil)
	assert.Equal(t, good, c.Source)
	assert.Len(t, c.Cards, 1)
}

func TestShippedCatalogMatchesEmbedded(t *testing.T) {
	t.Parallel()

	shipped := Load(filepath.Join("..", "..", "data", "plans", "plans_minimal_v1.yaml"), nil)
	assert.Equal(t, Default().Cards, shipped.Cards)
}
