// Package review routes finished tasks to auto-merge or human review from an
// externally configured decision table.
package review

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/polecat/internal/persistence"
)

type Outcome string

const (
	AutoMerge   Outcome = persistence.ReviewAutoMerge
	NeedsReview Outcome = persistence.ReviewNeedsReview
)

// Complexity levels, read from a "complexity:<level>" task tag.
const (
	Trivial  = "trivial"
	Low      = "low"
	Medium   = "medium"
	High     = "high"
	Critical = "critical"

	// DefaultComplexity applies to untagged tasks.
	DefaultComplexity = Medium
)

//go:embed schema.json
var schemaJSON []byte

var tableSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("review: unmarshal schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("review-table.json", doc); err != nil {
		panic(fmt.Sprintf("review: add schema resource: %v", err))
	}
	s, err := c.Compile("review-table.json")
	if err != nil {
		panic(fmt.Sprintf("review: compile schema: %v", err))
	}
	return s
}

// Rule matches on complexity and high-stakes paths. Absent fields match
// anything.
type Rule struct {
	Complexity []string `yaml:"complexity,omitempty"`
	HighStakes *bool    `yaml:"high_stakes,omitempty"`
	Decision   Outcome  `yaml:"decision"`
}

func (r Rule) matches(complexity string, highStakes bool) bool {
	if len(r.Complexity) > 0 {
		found := false
		for _, c := range r.Complexity {
			if c == complexity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.HighStakes != nil && *r.HighStakes != highStakes {
		return false
	}
	return true
}

type Table struct {
	Version         int      `yaml:"version"`
	Default         Outcome  `yaml:"default"`
	SampleRate      float64  `yaml:"sample_rate"`
	HighStakesPaths []string `yaml:"high_stakes_paths"`
	Rules           []Rule   `yaml:"rules"`

	globs []glob.Glob
	// rootGlobs holds the "**/"-stripped form of a pattern, or nil.
	rootGlobs []glob.Glob
}

// Decision is the routing result and why it was reached.
type Decision struct {
	Outcome    Outcome  `json:"outcome"`
	Reason     string   `json:"reason"`
	Rule       int      `json:"rule"`
	Complexity string   `json:"complexity"`
	HighStakes []string `json:"high_stakes,omitempty"`
	Sampled    bool     `json:"sampled,omitempty"`
	Forced     bool     `json:"forced,omitempty"`
	Version    string   `json:"version"`
}

// Detail renders the decision for a report row.
func (d Decision) Detail() map[string]any {
	m := map[string]any{
		"outcome":    string(d.Outcome),
		"reason":     d.Reason,
		"rule":       d.Rule,
		"complexity": d.Complexity,
		"version":    d.Version,
	}
	if len(d.HighStakes) > 0 {
		m["high_stakes"] = d.HighStakes
	}
	if d.Sampled {
		m["sampled"] = true
	}
	if d.Forced {
		m["forced"] = true
	}
	return m
}

// Default is used when no table file exists: everything goes to review.
func Default() *Table {
	t := &Table{Version: 1, Default: NeedsReview}
	_ = t.compile()
	return t
}

// Load reads a table from path. A missing or empty file yields Default.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read review table: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}
	return Parse(data)
}

// Parse validates YAML against the table schema and compiles its globs.
func Parse(data []byte) (*Table, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse review table: %w", err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse review table: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return nil, fmt.Errorf("parse review table: %w", err)
	}
	if err := tableSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid review table: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse review table: %w", err)
	}
	if t.Default == "" {
		t.Default = NeedsReview
	}
	if err := t.compile(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) compile() error {
	t.globs, t.rootGlobs = nil, nil
	for _, p := range t.HighStakesPaths {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return fmt.Errorf("invalid high_stakes_paths pattern %q: %w", p, err)
		}
		var root glob.Glob
		if rest, ok := strings.CutPrefix(p, "**/"); ok {
			if root, err = glob.Compile(rest, '/'); err != nil {
				return fmt.Errorf("invalid high_stakes_paths pattern %q: %w", p, err)
			}
		}
		t.globs = append(t.globs, g)
		t.rootGlobs = append(t.rootGlobs, root)
	}
	return nil
}

// highStakes returns the touched files matching any high-stakes pattern.
// A leading "**/" also matches at the repository root.
func (t *Table) highStakes(files []string) []string {
	var hits []string
	for _, f := range files {
		f = strings.TrimPrefix(f, "./")
		for i, g := range t.globs {
			if g.Match(f) || (t.rootGlobs[i] != nil && t.rootGlobs[i].Match(f)) {
				hits = append(hits, f)
				break
			}
		}
	}
	return hits
}

// Route decides whether task may merge without human review. It is pure:
// the same task, files and table always give the same decision.
func (t *Table) Route(task *persistence.Task, touched []string) Decision {
	d := Decision{Rule: -1, Complexity: ComplexityOf(task), Version: t.Fingerprint()}
	d.HighStakes = t.highStakes(touched)
	isHighStakes := len(d.HighStakes) > 0

	d.Outcome = t.Default
	d.Reason = "default"
	for i, r := range t.Rules {
		if r.matches(d.Complexity, isHighStakes) {
			d.Outcome = r.Decision
			d.Rule = i
			d.Reason = "rule " + strconv.Itoa(i)
			break
		}
	}

	if d.Outcome == AutoMerge && t.SampleRate > 0 && sample(task.ID, t.Version) < t.SampleRate {
		d.Outcome = NeedsReview
		d.Sampled = true
		d.Reason += ", sampled for review"
	}
	return d
}

// Forced builds a needs_review decision that bypasses the table.
func (t *Table) Forced(task *persistence.Task, reason string) Decision {
	return Decision{
		Outcome:    NeedsReview,
		Reason:     reason,
		Rule:       -1,
		Complexity: ComplexityOf(task),
		Forced:     true,
		Version:    t.Fingerprint(),
	}
}

// ComplexityOf reads the task's complexity tag; unknown or missing levels
// count as medium.
func ComplexityOf(task *persistence.Task) string {
	if task == nil {
		return DefaultComplexity
	}
	v, ok := task.TagValue("complexity")
	if !ok {
		return DefaultComplexity
	}
	switch v = strings.ToLower(strings.TrimSpace(v)); v {
	case Trivial, Low, Medium, High, Critical:
		return v
	}
	return DefaultComplexity
}

// sample maps a task deterministically into [0,1).
func sample(taskID string, version int) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(taskID + strconv.Itoa(version)))
	return float64(h.Sum64()>>11) / (1 << 53)
}

// Fingerprint identifies the table contents.
func (t *Table) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "v=%d|default=%s|rate=%g|", t.Version, t.Default, t.SampleRate)
	for _, p := range t.HighStakesPaths {
		_, _ = h.Write([]byte(p + "|"))
	}
	for _, r := range t.Rules {
		hs := "*"
		if r.HighStakes != nil {
			hs = strconv.FormatBool(*r.HighStakes)
		}
		fmt.Fprintf(h, "%s/%s/%s|", strings.Join(r.Complexity, ","), hs, r.Decision)
	}
	return "review-" + strconv.FormatUint(h.Sum64(), 16)
}
