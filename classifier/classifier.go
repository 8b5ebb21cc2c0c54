package classifier

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Verdict is the outcome of classifying a single command.
type Verdict struct {
	// RequiresSandbox reports that the command is unsafe to run as a bare
	// process but acceptable once isolated. Informational only; it never
	// blocks execution.
	RequiresSandbox bool `json:"requires_sandbox"`

	// AbsolutelyBlocked reports that the command endangers the host even
	// under full isolation and must never be dispatched to any backend.
	AbsolutelyBlocked bool `json:"absolutely_blocked"`

	// Reason names the tier and the first rule that matched, empty when
	// neither tier matched.
	Reason string `json:"reason"`
}

// Rule is a single compiled classification pattern.
type Rule struct {
	ID          string
	Description string
	pattern     *regexp.Regexp
}

// RuleSet holds the two ordered pattern tiers. It is immutable after Load;
// the same RuleSet may be shared by any number of goroutines.
type RuleSet struct {
	Version int
	block   []Rule
	sandbox []Rule
}

// ruleFile is the on-disk shape of a rule table.
type ruleFile struct {
	Version int        `yaml:"version"`
	Block   []ruleSpec `yaml:"block"`
	Sandbox []ruleSpec `yaml:"sandbox"`
}

type ruleSpec struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Pattern     string `yaml:"pattern"`
}

//go:embed rules.yaml
var defaultRulesYAML []byte

var defaultRules = MustLoad(defaultRulesYAML)

// Default returns the built-in rule set compiled once at startup.
func Default() *RuleSet {
	return defaultRules
}

// Classify evaluates a command against the default rule set.
func Classify(command string) Verdict {
	return defaultRules.Classify(command)
}

// Load parses and compiles a YAML rule table.
func Load(data []byte) (*RuleSet, error) {
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rule table: %w", err)
	}
	if rf.Version <= 0 {
		return nil, fmt.Errorf("rule table version must be positive, got: %d", rf.Version)
	}

	rs := &RuleSet{Version: rf.Version}
	var err error
	if rs.block, err = compileRules(rf.Block); err != nil {
		return nil, fmt.Errorf("block tier: %w", err)
	}
	if rs.sandbox, err = compileRules(rf.Sandbox); err != nil {
		return nil, fmt.Errorf("sandbox tier: %w", err)
	}
	return rs, nil
}

// MustLoad is Load for rule tables that are compiled into the binary.
func MustLoad(data []byte) *RuleSet {
	rs, err := Load(data)
	if err != nil {
		panic(err)
	}
	return rs
}

func compileRules(specs []ruleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("rule with pattern %q has no id", s.Pattern)
		}
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", s.ID, err)
		}
		rules = append(rules, Rule{ID: s.ID, Description: s.Description, pattern: re})
	}
	return rules, nil
}

// Classify evaluates the command text against both tiers in order. The
// block tier always wins, and within a tier only the first matching rule
// is reported.
func (rs *RuleSet) Classify(command string) Verdict {
	if r, ok := match(rs.block, command); ok {
		return Verdict{
			AbsolutelyBlocked: true,
			Reason:            fmt.Sprintf("blocked: %s", r.Description),
		}
	}
	if r, ok := match(rs.sandbox, command); ok {
		return Verdict{
			RequiresSandbox: true,
			Reason:          fmt.Sprintf("requires sandbox: %s", r.Description),
		}
	}
	return Verdict{}
}

func match(rules []Rule, command string) (Rule, bool) {
	for _, r := range rules {
		if r.pattern.MatchString(command) {
			return r, true
		}
	}
	return Rule{}, false
}
