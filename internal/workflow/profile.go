package workflow

import (
	"strings"

	"github.com/ashureev/mqol-labs/internal/domain"
)

// requiredField declares one intake field: when it is required and how to
// tell whether it has been collected.
type requiredField struct {
	name     string
	required func(p domain.Profile) bool
	present  func(p domain.Profile) bool
}

func requiredAlways(domain.Profile) bool { return true }

// requiredFields lists the intake fields in asking order.
var requiredFields = []requiredField{
	{"name_or_nickname", requiredAlways, func(p domain.Profile) bool { return p.Name != "" || p.Nickname != "" }},
	{"gender", requiredAlways, func(p domain.Profile) bool { return p.Gender != "" }},
	{"age", requiredAlways, func(p domain.Profile) bool { return p.Age != "" }},
	{"marital_status", requiredAlways, func(p domain.Profile) bool { return p.MaritalStatus != "" }},
	{"marriage_type", isMarried, func(p domain.Profile) bool { return p.MarriageType != "" }},
	{"marriage_duration_years", isMarried, func(p domain.Profile) bool { return p.MarriageDurationYears != "" }},
	{"spouse_age", requiredAlways, func(p domain.Profile) bool { return p.Spouse.Age != "" }},
	{"spouse_occupation", requiredAlways, func(p domain.Profile) bool { return p.Spouse.Occupation != "" }},
	{"spouse_prior_marriage", requiredAlways, func(p domain.Profile) bool { return p.Spouse.PriorMarriage != "" }},
	{"children_count", requiredAlways, func(p domain.Profile) bool { return len(p.Children) > 0 || p.ChildrenCount != nil }},
}

// RequiredFieldNames returns the intake field names in asking order.
func RequiredFieldNames() []string {
	out := make([]string, len(requiredFields))
	for i, f := range requiredFields {
		out[i] = f.name
	}
	return out
}

var marriedStatuses = []string{"在婚", "在婚-初婚", "在婚-再婚", "在婚(初婚)", "在婚(再婚)"}

// isMarried reports whether the marital status denotes an active marriage.
func isMarried(p domain.Profile) bool {
	status := strings.TrimSpace(p.MaritalStatus)
	for _, s := range marriedStatuses {
		if status == s {
			return true
		}
	}
	return strings.HasPrefix(strings.ToLower(status), "married")
}

// MissingFields returns the required fields not yet collected.
func MissingFields(p domain.Profile) []string {
	var missing []string
	for _, f := range requiredFields {
		if f.required(p) && !f.present(p) {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Completeness is the share of required fields collected. Fields that do not
// apply count as collected.
func Completeness(p domain.Profile) float64 {
	total := len(requiredFields)
	return float64(total-len(MissingFields(p))) / float64(total)
}

// normalizeProfile maps the model's updated_fields object onto a profile
// patch. Empty values mean "not provided".
func normalizeProfile(updated map[string]any) domain.Profile {
	var patch domain.Profile

	patch.Name = asText(updated["name"])
	patch.Nickname = asText(updated["nickname"])
	if combined := asText(updated["name_or_nickname"]); combined != "" && patch.Name == "" && patch.Nickname == "" {
		patch.Nickname = combined
	}

	patch.Gender = asText(updated["gender"])
	patch.Age = asText(updated["age"])
	patch.MaritalStatus = asText(updated["marital_status"])
	patch.MarriageType = asText(updated["marriage_type"])
	patch.MarriageDurationYears = asText(updated["marriage_duration_years"])

	if nested := asMap(updated["spouse"]); nested != nil {
		patch.Spouse = domain.Spouse{
			Age:           asText(nested["age"]),
			Occupation:    asText(nested["occupation"]),
			PriorMarriage: asText(nested["prior_marriage"]),
		}
	}
	if v := asText(updated["spouse_age"]); v != "" {
		patch.Spouse.Age = v
	}
	if v := asText(updated["spouse_occupation"]); v != "" {
		patch.Spouse.Occupation = v
	}
	if v := asText(updated["spouse_prior_marriage"]); v != "" {
		patch.Spouse.PriorMarriage = v
	}

	for _, raw := range asSlice(updated["children"]) {
		m := asMap(raw)
		if m == nil {
			continue
		}
		ch := domain.Child{
			Age:      asText(m["age"]),
			Gender:   asText(m["gender"]),
			Relation: asText(m["relation"]),
		}
		if ch != (domain.Child{}) {
			patch.Children = append(patch.Children, ch)
		}
	}
	if n, ok := asInt(updated["children_count"]); ok && n >= 0 {
		patch.ChildrenCount = &n
		if len(patch.Children) == 0 && n > 0 {
			patch.Children = make([]domain.Child, n)
		}
	}
	return patch
}

// mergeProfile applies patch field by field. Spouse is merged key-wise and
// children index-aligned when children already exist.
func mergeProfile(base, patch domain.Profile) domain.Profile {
	out := base.Clone()
	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIf(&out.Name, patch.Name)
	setIf(&out.Nickname, patch.Nickname)
	setIf(&out.Gender, patch.Gender)
	setIf(&out.Age, patch.Age)
	setIf(&out.MaritalStatus, patch.MaritalStatus)
	setIf(&out.MarriageType, patch.MarriageType)
	setIf(&out.MarriageDurationYears, patch.MarriageDurationYears)
	setIf(&out.Spouse.Age, patch.Spouse.Age)
	setIf(&out.Spouse.Occupation, patch.Spouse.Occupation)
	setIf(&out.Spouse.PriorMarriage, patch.Spouse.PriorMarriage)

	if len(patch.Children) > 0 {
		if len(out.Children) == 0 {
			out.Children = append([]domain.Child(nil), patch.Children...)
		} else {
			for len(out.Children) < len(patch.Children) {
				out.Children = append(out.Children, domain.Child{})
			}
			for i, ch := range patch.Children {
				setIf(&out.Children[i].Age, ch.Age)
				setIf(&out.Children[i].Gender, ch.Gender)
				setIf(&out.Children[i].Relation, ch.Relation)
			}
		}
	}
	if patch.ChildrenCount != nil {
		n := *patch.ChildrenCount
		out.ChildrenCount = &n
	}
	return out
}
