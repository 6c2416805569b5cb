package schemas

// -- Fact Knowledge Model --

// Fact is a typed (trait, value) unit of knowledge collected during an operation.
type Fact struct {
	Trait string `json:"trait" yaml:"trait"`
	Value string `json:"value" yaml:"value"`
	Score int    `json:"score" yaml:"score"`
	// Source is the id of the link that produced the fact, empty for seeded facts.
	Source      string   `json:"source,omitempty" yaml:"source,omitempty"`
	CollectedBy []string `json:"collected_by,omitempty" yaml:"collected_by,omitempty"`
}

// Unique identifies a fact by trait and value, independent of provenance.
func (f Fact) Unique() string {
	return f.Trait + f.Value
}

// Relationship is a named edge between two facts.
type Relationship struct {
	Source Fact   `json:"source" yaml:"source"`
	Edge   string `json:"edge,omitempty" yaml:"edge,omitempty"`
	Target *Fact  `json:"target,omitempty" yaml:"target,omitempty"`
	Score  int    `json:"score" yaml:"score"`
}

// Unique identifies a relationship by its endpoints and edge name.
func (r Relationship) Unique() string {
	u := r.Source.Unique() + r.Edge
	if r.Target != nil {
		u += r.Target.Unique()
	}
	return u
}

// FactsWithTrait filters facts down to those carrying the given trait.
func FactsWithTrait(facts []Fact, trait string) []Fact {
	var out []Fact
	for _, f := range facts {
		if f.Trait == trait {
			out = append(out, f)
		}
	}
	return out
}
