package stats

import (
	"fmt"
	"sort"
	"strings"
	"testing"
)

// RuleChecker decides whether a rendered stat value passes a Rule.
type RuleChecker struct {
	name  string
	check func(got, want interface{}) bool
}

var (
	// The stat renders as an int64 equal to the rule's int Value.
	Int64EqTest = RuleChecker{"Int64EqTest", func(got, want interface{}) bool {
		v, ok := got.(int64)
		return ok && v == int64(want.(int))
	}}

	// The stat renders as an int64 above the rule's int Value.
	Int64GTTest = RuleChecker{"Int64GTTest", func(got, want interface{}) bool {
		v, ok := got.(int64)
		return ok && v > int64(want.(int))
	}}

	// The stat is not registered.
	DoesNotExistTest = RuleChecker{"DoesNotExistTest", func(got, _ interface{}) bool {
		return got == nil
	}}
)

type Rule struct {
	Checker RuleChecker
	Value   interface{}
}

// VerifyStats fails t with every rule in expected that the rendered registry
// breaks. registry must come from NewFinagleStatsRegistry.
func VerifyStats(tag string, registry StatsRegistry, t *testing.T, expected map[string]Rule) {
	t.Helper()
	fr, ok := registry.(*finagleRegistry)
	if !ok {
		t.Errorf("%s: VerifyStats needs a registry from NewFinagleStatsRegistry, got %T", tag, registry)
		return
	}
	rendered := fr.flatten()

	names := make([]string, 0, len(expected))
	for name := range expected {
		names = append(names, name)
	}
	sort.Strings(names)

	var failures []string
	for _, name := range names {
		rule := expected[name]
		got, present := rendered[name]
		if rule.Checker.check(got, rule.Value) {
			continue
		}
		if present && rule.Checker.name == DoesNotExistTest.name {
			failures = append(failures, fmt.Sprintf("%s: registered with %v", name, got))
			continue
		}
		failures = append(failures, fmt.Sprintf("%s: %v fails %s(%v)", name, got, rule.Checker.name, rule.Value))
	}
	if len(failures) > 0 {
		dump, _ := fr.marshalPretty()
		t.Errorf("%s: unexpected stats\n%s\nregistry:\n%s", tag, strings.Join(failures, "\n"), dump)
	}
}
