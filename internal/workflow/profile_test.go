package workflow

import (
	"testing"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func completeProfile() domain.Profile {
	return domain.Profile{
		Nickname:              "小林",
		Gender:                "女",
		Age:                   "34",
		MaritalStatus:         "在婚",
		MarriageType:          "初婚",
		MarriageDurationYears: "6",
		Spouse:                domain.Spouse{Age: "36", Occupation: "工程师", PriorMarriage: "否"},
		Children:              []domain.Child{{Age: "4", Gender: "男", Relation: "亲生"}},
	}
}

func TestCompleteness(t *testing.T) {
	t.Parallel()

	total := float64(len(RequiredFieldNames()))

	tests := []struct {
		name        string
		profile     func() domain.Profile
		wantMissing []string
	}{
		{
			name:    "empty profile",
			profile: func() domain.Profile { return domain.Profile{} },
			wantMissing: []string{
				"name_or_nickname", "gender", "age", "marital_status",
				"spouse_age", "spouse_occupation", "spouse_prior_marriage", "children_count",
			},
		},
		{
			name:        "complete married profile",
			profile:     completeProfile,
			wantMissing: nil,
		},
		{
			name: "married requires marriage details",
			profile: func() domain.Profile {
				p := completeProfile()
				p.MarriageType = ""
				p.MarriageDurationYears = ""
				return p
			},
			wantMissing: []string{"marriage_type", "marriage_duration_years"},
		},
		{
			name: "divorced skips marriage details",
			profile: func() domain.Profile {
				p := completeProfile()
				p.MaritalStatus = "离婚"
				p.MarriageType = ""
				p.MarriageDurationYears = ""
				return p
			},
			wantMissing: nil,
		},
		{
			name: "no children is an answer",
			profile: func() domain.Profile {
				p := completeProfile()
				p.Children = nil
				p.ChildrenCount = intPtr(0)
				return p
			},
			wantMissing: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := tt.profile()
			missing := MissingFields(p)
			assert.Equal(t, tt.wantMissing, missing)

			c := Completeness(p)
			assert.GreaterOrEqual(t, c, 0.0)
			assert.LessOrEqual(t, c, 1.0)
			assert.InDelta(t, (total-float64(len(missing)))/total, c, 1e-9)
		})
	}
}

func TestNormalizeProfile(t *testing.T) {
	t.Parallel()

	t.Run("combined name goes to nickname", func(t *testing.T) {
		t.Parallel()
		p := normalizeProfile(map[string]any{"name_or_nickname": "阿敏", "age": float64(30)})
		assert.Equal(t, "阿敏", p.Nickname)
		assert.Empty(t, p.Name)
		assert.Equal(t, "30", p.Age)
	})

	t.Run("explicit name wins", func(t *testing.T) {
		t.Parallel()
		p := normalizeProfile(map[string]any{"name_or_nickname": "阿敏", "name": "李敏"})
		assert.Equal(t, "李敏", p.Name)
		assert.Empty(t, p.Nickname)
	})

	t.Run("children count creates placeholders", func(t *testing.T) {
		t.Parallel()
		p := normalizeProfile(map[string]any{"children_count": float64(2)})
		require.Len(t, p.Children, 2)
		assert.Equal(t, domain.Child{}, p.Children[0])
		require.NotNil(t, p.ChildrenCount)
		assert.Equal(t, 2, *p.ChildrenCount)
	})

	t.Run("structured children preferred over count", func(t *testing.T) {
		t.Parallel()
		p := normalizeProfile(map[string]any{
			"children_count": float64(3),
			"children":       []any{map[string]any{"age": "5", "relation": "亲生"}},
		})
		require.Len(t, p.Children, 1)
		assert.Equal(t, "5", p.Children[0].Age)
	})

	t.Run("flat spouse fields override nested", func(t *testing.T) {
		t.Parallel()
		p := normalizeProfile(map[string]any{
			"spouse":                map[string]any{"age": "40", "occupation": "教师"},
			"spouse_age":            "41",
			"spouse_prior_marriage": false,
		})
		assert.Equal(t, domain.Spouse{Age: "41", Occupation: "教师", PriorMarriage: "否"}, p.Spouse)
	})
}

func TestMergeProfile(t *testing.T) {
	t.Parallel()

	base := domain.Profile{
		Nickname: "小林",
		Spouse:   domain.Spouse{Age: "36"},
		Children: []domain.Child{{Age: "4"}},
	}
	patch := domain.Profile{
		Gender:   "女",
		Spouse:   domain.Spouse{Occupation: "工程师"},
		Children: []domain.Child{{Gender: "男"}, {Age: "1"}},
	}

	got := mergeProfile(base, patch)
	assert.Equal(t, "小林", got.Nickname)
	assert.Equal(t, "女", got.Gender)
	assert.Equal(t, domain.Spouse{Age: "36", Occupation: "工程师"}, got.Spouse)
	assert.Equal(t, []domain.Child{{Age: "4", Gender: "男"}, {Age: "1"}}, got.Children)

	// The base is not aliased.
	got.Children[0].Age = "9"
	assert.Equal(t, "4", base.Children[0].Age)
}
