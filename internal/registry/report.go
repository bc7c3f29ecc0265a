package registry

import (
	"fmt"
	"strings"
)

// Report renders the dependency tree below name, one task per line. Alias
// hops, circular dependencies and names that cannot be resolved are marked
// instead of failing, so the report can be used to debug a broken graph.
func (r *Registry) Report(name string) string {
	var b strings.Builder
	r.report(&b, name, "", map[string]bool{})
	return b.String()
}

func (r *Registry) report(b *strings.Builder, name, indent string, above map[string]bool) {
	label := fmt.Sprintf("%q", name)
	if chain := r.AliasChain(name); len(chain) > 0 {
		label += " -> " + fmt.Sprintf("%q", chain[len(chain)-1]) + " (alias)"
	}
	t, err := r.Lookup(name)
	if err != nil {
		fmt.Fprintf(b, "%s%s (could not be resolved)\n", indent, label)
		return
	}
	if len(t.Deps) == 0 {
		fmt.Fprintf(b, "%s%s [%s]\n", indent, label, t.kind)
		return
	}
	fmt.Fprintf(b, "%s%s [%s] depends on:\n", indent, label, t.kind)
	above[t.Name] = true
	for _, d := range t.Deps {
		if above[r.Canonical(d)] {
			fmt.Fprintf(b, "%s  %q, which is a circular dependency!\n", indent, d)
			continue
		}
		r.report(b, d, indent+"  ", above)
	}
	delete(above, t.Name)
}
