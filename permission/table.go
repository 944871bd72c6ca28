package permission

import "strings"

// Table is an immutable (method, path) index over permission rules. Tables are
// built once per cache refresh and read concurrently without locks.
type Table struct {
	prefix string
	rules  map[string]Rule
}

// NewTable normalizes every rule path and indexes the rules. Later duplicates
// of the same (method, path) replace earlier ones.
func NewTable(prefix string, rules []Rule) *Table {
	t := &Table{prefix: prefix, rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		t.rules[ruleKey(r.Method, NormalizePath(prefix, r.APIPath))] = r
	}
	return t
}

// Len reports the number of indexed rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// Lookup resolves method and an already-normalized path to a rule. An exact
// match wins; otherwise the last segment is stripped and the lookup retried,
// so a rule for a collection path covers its sub-resources unless a more
// specific rule exists.
func (t *Table) Lookup(method, normalizedPath string) (Rule, bool) {
	path := normalizedPath
	for path != "" {
		if rule, ok := t.rules[ruleKey(method, path)]; ok {
			return rule, true
		}
		i := strings.LastIndexByte(path, '/')
		if i <= 0 {
			break
		}
		path = path[:i]
	}
	return Rule{}, false
}
