// Package rules implements the deterministic debit-account classifier.
// Classification is a pure function over the extracted receipt text: no
// I/O, no clock, no randomness.
package rules

import (
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// DefaultAccount is the terminal fallback when no rule matches and the
// model suggested nothing usable.
const DefaultAccount = "雑費"

// DecisionInput carries the text fields considered for classification.
type DecisionInput struct {
	Vendor                string
	Description           string
	Memo                  string
	ItemsSummary          string
	Items                 []string
	SuggestedDebitAccount string
}

// Rule maps a set of keyword patterns to a debit account. Higher priority
// wins; equal priorities resolve in declaration order.
type Rule struct {
	Account  string
	Priority int
	patterns []*regexp.Regexp
}

// NewRule builds a Rule from plain keywords. Each keyword is NFKC-folded
// so full-width and half-width spellings match interchangeably, and
// whitespace runs inside a keyword are relaxed to match any spacing.
func NewRule(account string, priority int, keywords ...string) Rule {
	patterns := make([]*regexp.Regexp, len(keywords))
	for i, kw := range keywords {
		patterns[i] = makePattern(kw)
	}
	return Rule{Account: account, Priority: priority, patterns: patterns}
}

func makePattern(keyword string) *regexp.Regexp {
	folded := norm.NFKC.String(keyword)
	parts := strings.Fields(folded)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)` + strings.Join(parts, `\s*`))
}

// RuleMatch reports which rule and pattern won a classification.
type RuleMatch struct {
	Account string `json:"account"`
	Pattern string `json:"pattern"`
}

// Table is an immutable, priority-ordered rule set.
type Table struct {
	rules []Rule
}

// NewTable returns the built-in rule table with any extra rules appended.
// Extra rules at the same priority as a built-in rule rank after it.
func NewTable(extra ...Rule) *Table {
	rules := make([]Rule, 0, len(builtinRules)+len(extra))
	rules = append(rules, builtinRules...)
	rules = append(rules, extra...)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	return &Table{rules: rules}
}

func buildHaystack(in DecisionInput) string {
	parts := make([]string, 0, 4+len(in.Items))
	for _, s := range []string{in.Vendor, in.Description, in.Memo, in.ItemsSummary} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	for _, s := range in.Items {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.ToLower(norm.NFKC.String(strings.Join(parts, " ")))
}

// Match returns the winning rule for the input, or false when no rule
// pattern matches. Within one rule the first matching pattern wins; across
// rules the highest priority wins.
func (t *Table) Match(in DecisionInput) (RuleMatch, bool) {
	haystack := buildHaystack(in)
	if haystack == "" {
		return RuleMatch{}, false
	}
	for _, rule := range t.rules {
		for _, p := range rule.patterns {
			if p.MatchString(haystack) {
				return RuleMatch{Account: rule.Account, Pattern: p.String()}, true
			}
		}
	}
	return RuleMatch{}, false
}

// Decide resolves the debit account for the input: winning rule account,
// else the trimmed model suggestion, else DefaultAccount.
func (t *Table) Decide(in DecisionInput) string {
	if m, ok := t.Match(in); ok {
		return m.Account
	}
	if suggested := strings.TrimSpace(in.SuggestedDebitAccount); suggested != "" {
		return suggested
	}
	return DefaultAccount
}

type ruleFileEntry struct {
	Account  string   `yaml:"account"`
	Priority int      `yaml:"priority"`
	Keywords []string `yaml:"keywords"`
}

// LoadRulesFile reads extra account rules from a YAML file. Entries with
// no account or no keywords are rejected.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read %s", path)
	}
	var entries []ruleFileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, eris.Wrapf(err, "rules: parse %s", path)
	}
	rules := make([]Rule, 0, len(entries))
	for i, e := range entries {
		if e.Account == "" || len(e.Keywords) == 0 {
			return nil, eris.Errorf("rules: entry %d in %s needs an account and at least one keyword", i, path)
		}
		rules = append(rules, NewRule(e.Account, e.Priority, e.Keywords...))
	}
	return rules, nil
}
