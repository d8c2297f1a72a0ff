package domain

// Profile is the intake record collected by the receptionist stage.
// Values are kept as text exactly as the user (or model) stated them.
type Profile struct {
	Name                  string  `json:"name,omitempty"`
	Nickname              string  `json:"nickname,omitempty"`
	Gender                string  `json:"gender,omitempty"`
	Age                   string  `json:"age,omitempty"`
	MaritalStatus         string  `json:"marital_status,omitempty"`
	MarriageType          string  `json:"marriage_type,omitempty"`
	MarriageDurationYears string  `json:"marriage_duration_years,omitempty"`
	Spouse                Spouse  `json:"spouse"`
	Children              []Child `json:"children,omitempty"`
	// ChildrenCount is the stated number of children. It is kept separately
	// so that "no children" is distinguishable from "not asked yet".
	ChildrenCount *int `json:"children_count,omitempty"`
}

// Spouse holds partner details.
type Spouse struct {
	Age           string `json:"age,omitempty"`
	Occupation    string `json:"occupation,omitempty"`
	PriorMarriage string `json:"prior_marriage,omitempty"`
}

// IsZero reports whether no spouse field is set.
func (s Spouse) IsZero() bool {
	return s == Spouse{}
}

// Child is one entry of the children list. An all-empty Child is a placeholder
// created when only the number of children is known.
type Child struct {
	Age      string `json:"age,omitempty"`
	Gender   string `json:"gender,omitempty"`
	Relation string `json:"relation,omitempty"`
}

// DisplayName returns the preferred way to address the user.
func (p Profile) DisplayName() string {
	if p.Nickname != "" {
		return p.Nickname
	}
	if p.Name != "" {
		return p.Name
	}
	return "朋友"
}

// Clone returns a deep copy of the profile.
func (p Profile) Clone() Profile {
	out := p
	if p.Children != nil {
		out.Children = make([]Child, len(p.Children))
		copy(out.Children, p.Children)
	}
	if p.ChildrenCount != nil {
		n := *p.ChildrenCount
		out.ChildrenCount = &n
	}
	return out
}
