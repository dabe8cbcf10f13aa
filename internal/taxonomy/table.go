// Package taxonomy maps raw statement rows onto the closed set of transit
// modes using a versioned rule table loaded from YAML.
package taxonomy

import (
	"bytes"
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dvloznov/transit-tracker/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed default_modes.yaml
var defaultTable []byte

// Condition is a single column predicate. All set predicates must hold.
type Condition struct {
	Field  string   `yaml:"field"`
	Equals *string  `yaml:"equals,omitempty"`
	In     []string `yaml:"in,omitempty"`
	Regex  string   `yaml:"regex,omitempty"`
	Suffix string   `yaml:"suffix,omitempty"`
	Empty  *bool    `yaml:"empty,omitempty"`

	re *regexp.Regexp
}

// Rule resolves to Mode (and Tap) when every condition matches.
type Rule struct {
	Mode       domain.Mode `yaml:"mode"`
	Tap        domain.Tap  `yaml:"tap,omitempty"`
	Precedence int         `yaml:"precedence"`
	When       []Condition `yaml:"when"`
}

// Table is an immutable, precedence-ordered rule set.
type Table struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Resolution is the outcome of looking a row up in the table.
type Resolution struct {
	Mode    domain.Mode
	Tap     domain.Tap
	Matched bool
}

var knownFields = map[string]bool{
	"transaction_type": true,
	"location":         true,
	"route":            true,
	"product":          true,
	"debit":            true,
	"credit":           true,
	"balance":          true,
}

// Default returns the table compiled into the binary.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("taxonomy: embedded table is invalid: %v", err))
	}
	return t
}

// Parse decodes and validates a YAML rule table.
func Parse(data []byte) (*Table, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t Table
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("taxonomy.Parse: decode: %w", err)
	}
	if t.Version < 1 {
		return nil, fmt.Errorf("taxonomy.Parse: version must be positive, got %d", t.Version)
	}

	for i := range t.Rules {
		r := &t.Rules[i]
		if !r.Mode.Valid() || r.Mode == domain.ModeUnknown {
			return nil, fmt.Errorf("taxonomy.Parse: rule %d: mode %q is not in the taxonomy", i, r.Mode)
		}
		switch r.Tap {
		case domain.TapNone, domain.TapEntry, domain.TapExit:
		default:
			return nil, fmt.Errorf("taxonomy.Parse: rule %d: invalid tap %q", i, r.Tap)
		}
		if len(r.When) == 0 {
			return nil, fmt.Errorf("taxonomy.Parse: rule %d (%s): no conditions", i, r.Mode)
		}
		for j := range r.When {
			c := &r.When[j]
			if !knownFields[c.Field] {
				return nil, fmt.Errorf("taxonomy.Parse: rule %d condition %d: unknown field %q", i, j, c.Field)
			}
			if c.Regex != "" {
				re, err := regexp.Compile(c.Regex)
				if err != nil {
					return nil, fmt.Errorf("taxonomy.Parse: rule %d condition %d: %w", i, j, err)
				}
				c.re = re
			}
		}
	}

	sort.SliceStable(t.Rules, func(i, j int) bool {
		return t.Rules[i].Precedence > t.Rules[j].Precedence
	})
	return &t, nil
}

// Resolve maps a row to a mode. It never fails: rows matching no rule
// resolve to ModeUnknown with Matched false.
func (t *Table) Resolve(row domain.RawRow) Resolution {
	for _, r := range t.Rules {
		if r.matches(row) {
			return Resolution{Mode: r.Mode, Tap: r.Tap, Matched: true}
		}
	}
	return Resolution{Mode: domain.ModeUnknown}
}

func (r Rule) matches(row domain.RawRow) bool {
	for _, c := range r.When {
		if !c.matches(strings.TrimSpace(row.Field(c.Field))) {
			return false
		}
	}
	return true
}

func (c Condition) matches(v string) bool {
	if c.Equals != nil && v != *c.Equals {
		return false
	}
	if len(c.In) > 0 {
		found := false
		for _, s := range c.In {
			if v == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.re != nil && !c.re.MatchString(v) {
		return false
	}
	if c.Suffix != "" && !strings.HasSuffix(v, c.Suffix) {
		return false
	}
	if c.Empty != nil && (v == "") != *c.Empty {
		return false
	}
	return true
}
