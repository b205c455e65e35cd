package synckit

import "sort"

// Spec is a predicate used to match conflicts to rules. Combinators allow
// building complex match logic from small, testable pieces.
type Spec func(Conflict) bool

// And returns a spec that requires both specs to match.
func And(a, b Spec) Spec { return func(c Conflict) bool { return a != nil && b != nil && a(c) && b(c) } }

// Or returns a spec that requires at least one spec to match.
func Or(a, b Spec) Spec { return func(c Conflict) bool { return (a != nil && a(c)) || (b != nil && b(c)) } }

// Not returns a spec that negates the provided spec.
func Not(a Spec) Spec { return func(c Conflict) bool { return a == nil || !a(c) } }

// Always matches every conflict.
func Always() Spec { return func(Conflict) bool { return true } }

// EntityTypeIs matches conflicts on any of the given entity types.
func EntityTypeIs(types ...string) Spec {
	set := toSet(types)
	return func(c Conflict) bool {
		_, ok := set[c.EntityType]
		return ok
	}
}

// KindIs matches conflicts of any of the given kinds.
func KindIs(kinds ...ConflictKind) Spec {
	set := make(map[ConflictKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(c Conflict) bool {
		_, ok := set[c.Kind]
		return ok
	}
}

// HasAncestor matches conflicts that carry a common ancestor.
func HasAncestor() Spec { return func(c Conflict) bool { return c.Ancestor != nil } }

// AnyFieldIn matches when any field that differs between local and remote
// is in the set.
func AnyFieldIn(fields ...string) Spec {
	set := toSet(fields)
	return func(c Conflict) bool {
		for _, f := range ChangedFields(c) {
			if _, ok := set[f]; ok {
				return true
			}
		}
		return false
	}
}

// ChangedFields lists, sorted, the fields whose values differ between the
// local and remote snapshots.
func ChangedFields(c Conflict) []string {
	seen := make(map[string]struct{})
	for f := range c.Local.Data {
		seen[f] = struct{}{}
	}
	for f := range c.Remote.Data {
		seen[f] = struct{}{}
	}
	var out []string
	for f := range seen {
		lv, lok := c.Local.Data.Lookup(f)
		rv, rok := c.Remote.Data.Lookup(f)
		if !valuesEqual(lv, lok, rv, rok) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// Rule binds a matcher to the strategy applied automatically on a match.
type Rule struct {
	Name     string
	Matcher  Spec
	Strategy Strategy
}

// Policy is an ordered rule list. The first matching rule wins; a conflict no
// rule matches waits for the caller.
type Policy struct {
	rules []Rule
}

// NewPolicy returns a policy evaluating rules in order.
func NewPolicy(rules ...Rule) *Policy {
	return &Policy{rules: append([]Rule(nil), rules...)}
}

// AddRule appends a rule.
func (p *Policy) AddRule(r Rule) { p.rules = append(p.rules, r) }

// Rules returns a copy of the rule list.
func (p *Policy) Rules() []Rule { return append([]Rule(nil), p.rules...) }

// Match returns the first rule matching c. Rules whose strategy needs an
// ancestor are skipped for conflicts without one.
func (p *Policy) Match(c Conflict) (Rule, bool) {
	if p == nil {
		return Rule{}, false
	}
	for _, r := range p.rules {
		if r.Matcher == nil || !r.Matcher(c) {
			continue
		}
		if r.Strategy.NeedsAncestor() && c.Ancestor == nil {
			continue
		}
		return r, true
	}
	return Rule{}, false
}
