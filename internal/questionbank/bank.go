// Package questionbank loads the assessment question bank and selects the
// items asked in a session.
package questionbank

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/mqol-labs/internal/domain"
)

// Bank is an ordered set of dimensions, each with ordered items.
type Bank struct {
	Name       string      `yaml:"name" json:"name"`
	Version    string      `yaml:"version" json:"version"`
	Dimensions []Dimension `yaml:"dimensions" json:"dimensions"`

	// Source is the file the bank was read from, or FallbackSource.
	Source string `yaml:"-" json:"source"`
}

// Dimension groups items measuring one area of marital quality.
type Dimension struct {
	Key   string `yaml:"key" json:"key"`
	Name  string `yaml:"name" json:"name"`
	Items []Item `yaml:"items" json:"items"`
}

// Item is a single Likert question.
type Item struct {
	ID      string  `yaml:"id" json:"id"`
	Text    string  `yaml:"text" json:"text"`
	Reverse bool    `yaml:"reverse" json:"reverse"`
	Weight  float64 `yaml:"weight" json:"weight"`
}

// FallbackSource names the built-in bank.
const FallbackSource = "internal_demo"

var (
	// ErrEmptyBank is returned when a bank has no items.
	ErrEmptyBank = errors.New("question bank has no items")
)

// Validate checks structural integrity: every dimension is named, every item
// has a unique ID and text.
func (b *Bank) Validate() error {
	if len(b.Dimensions) == 0 {
		return ErrEmptyBank
	}
	seen := make(map[string]bool)
	total := 0
	for i, d := range b.Dimensions {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("dimension %d: name is required", i)
		}
		for j, it := range d.Items {
			if strings.TrimSpace(it.ID) == "" {
				return fmt.Errorf("dimension %s item %d: id is required", d.Name, j)
			}
			if strings.TrimSpace(it.Text) == "" {
				return fmt.Errorf("item %s: text is required", it.ID)
			}
			if seen[it.ID] {
				return fmt.Errorf("item %s: duplicate id", it.ID)
			}
			if it.Weight < 0 {
				return fmt.Errorf("item %s: weight must not be negative", it.ID)
			}
			seen[it.ID] = true
			total++
		}
	}
	if total == 0 {
		return ErrEmptyBank
	}
	return nil
}

// ItemCount returns the number of items across all dimensions.
func (b *Bank) ItemCount() int {
	n := 0
	for _, d := range b.Dimensions {
		n += len(d.Items)
	}
	return n
}

// dimension returns the first dimension whose name or key equals label,
// compared case-insensitively.
func (b *Bank) dimension(label string) (int, bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return 0, false
	}
	for i, d := range b.Dimensions {
		if strings.EqualFold(d.Name, label) || (d.Key != "" && strings.EqualFold(d.Key, label)) {
			return i, true
		}
	}
	return 0, false
}

// SelectPlan picks the items for a session. Dimensions matching the primary
// intent come first, then those matching the other intents; when nothing
// matches every dimension is used in bank order. At most perDim items are
// taken from each dimension.
func (b *Bank) SelectPlan(primary string, intents []string, perDim int) []domain.PlanItem {
	if perDim <= 0 {
		perDim = 10
	}

	var order []int
	picked := make(map[int]bool)
	for _, label := range append([]string{primary}, intents...) {
		if i, ok := b.dimension(label); ok && !picked[i] {
			picked[i] = true
			order = append(order, i)
		}
	}
	if len(order) == 0 {
		for i := range b.Dimensions {
			order = append(order, i)
		}
	}

	var plan []domain.PlanItem
	for _, i := range order {
		d := b.Dimensions[i]
		for j, it := range d.Items {
			if j >= perDim {
				break
			}
			weight := it.Weight
			if weight <= 0 {
				weight = 1
			}
			plan = append(plan, domain.PlanItem{
				Dimension:     d.Name,
				QuestionID:    it.ID,
				QuestionText:  it.Text,
				ReverseScored: it.Reverse,
				Weight:        weight,
			})
		}
	}
	return plan
}

// Fallback returns the built-in minimal bank: six dimensions with two items each.
func Fallback() *Bank {
	return &Bank{
		Name:    "mqol_minimal",
		Version: "1.0.0",
		Source:  FallbackSource,
		Dimensions: []Dimension{
			{Key: "communication", Name: "沟通", Items: []Item{
				{ID: "COM01", Text: "我和伴侣能够坦诚地交流彼此的想法和感受。", Weight: 1},
				{ID: "COM02", Text: "我们谈话时经常话不投机、不欢而散。", Reverse: true, Weight: 1},
			}},
			{Key: "trust", Name: "信任", Items: []Item{
				{ID: "TRU01", Text: "我相信伴侣在重要的事情上对我是诚实的。", Weight: 1},
				{ID: "TRU02", Text: "我常常怀疑伴侣有事瞒着我。", Reverse: true, Weight: 1},
			}},
			{Key: "intimacy", Name: "亲密/性生活", Items: []Item{
				{ID: "INT01", Text: "我对我们之间的亲密程度感到满意。", Weight: 1},
				{ID: "INT02", Text: "我们之间的身体亲密越来越少，让我感到困扰。", Reverse: true, Weight: 1},
			}},
			{Key: "parenting", Name: "子女教育", Items: []Item{
				{ID: "PAR01", Text: "在孩子的教育问题上，我们能达成一致。", Weight: 1},
				{ID: "PAR02", Text: "孩子的事情经常成为我们争吵的导火索。", Reverse: true, Weight: 1},
			}},
			{Key: "conflict", Name: "冲突处理", Items: []Item{
				{ID: "CON01", Text: "发生分歧时，我们能够冷静地商量解决办法。", Weight: 1},
				{ID: "CON02", Text: "我们的争吵常常升级为互相指责或冷战。", Reverse: true, Weight: 1},
			}},
			{Key: "values_roles", Name: "价值观/角色分工", Items: []Item{
				{ID: "VAL01", Text: "我们对家庭责任的分工感到公平合理。", Weight: 1},
				{ID: "VAL02", Text: "我们在金钱和生活方式上的看法差异很大。", Reverse: true, Weight: 1},
			}},
		},
	}
}
