package weights

import (
	"fmt"
	"strings"
)

// Rule is one substring rewrite applied to a source tensor name. Rules run
// in list order and each replaces every occurrence.
type Rule struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Rewrite applies the rules to name in order.
func Rewrite(name string, rules []Rule) string {
	for _, r := range rules {
		name = strings.ReplaceAll(name, r.From, r.To)
	}
	return name
}

// ImportOptions controls how archive names map onto native parameters.
type ImportOptions struct {
	// Rules rewrite source names into native names.
	Rules []Rule
	// Expected is the full native parameter-name set. Every rewritten
	// source name must land in it.
	Expected []string
	// Ignore lists rewritten-name prefixes to drop before validation,
	// for auxiliary heads the native model never materializes.
	Ignore []string
}

// Unmatched records one source tensor whose rewritten name resolved to no
// native parameter.
type Unmatched struct {
	Source    string
	Rewritten string
}

// ResolveError reports every source name that failed to resolve. The
// importer collects all failures before giving up so one run surfaces the
// whole rename-rule gap.
type ResolveError struct {
	Archive   string
	Unmatched []Unmatched
	Expected  int
}

func (e *ResolveError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "weight import %s: %d source names resolve to no native parameter (%d expected):", e.Archive, len(e.Unmatched), e.Expected)
	for _, u := range e.Unmatched {
		if u.Rewritten == u.Source {
			fmt.Fprintf(&sb, "\n  %s", u.Source)
		} else {
			fmt.Fprintf(&sb, "\n  %s (from %s)", u.Rewritten, u.Source)
		}
	}
	return sb.String()
}

// Import reads a checkpoint archive and converts it into a native weight
// bank: the shared top-level group (if any) is stripped, rename rules
// rewrite each source name, ignored prefixes are dropped, and every
// surviving name must match an expected native parameter. All resolution
// failures are reported together and no partial bank is returned.
func Import(archivePath string, opts ImportOptions) (*Bank, error) {
	if len(opts.Expected) == 0 {
		return nil, fmt.Errorf("weight import %s: expected parameter set is empty", archivePath)
	}
	tensors, err := readArchive(archivePath)
	if err != nil {
		return nil, err
	}
	stripSharedGroup(tensors)

	expected := make(map[string]struct{}, len(opts.Expected))
	for _, name := range opts.Expected {
		expected[name] = struct{}{}
	}

	bank := NewBank()
	var unmatched []Unmatched
	for _, t := range tensors {
		name := Rewrite(t.name, opts.Rules)
		if hasAnyPrefix(name, opts.Ignore) {
			continue
		}
		if _, ok := expected[name]; !ok {
			unmatched = append(unmatched, Unmatched{Source: t.name, Rewritten: name})
			continue
		}
		if err := bank.Put(name, Tensor{Shape: t.shape, Data: t.data}); err != nil {
			return nil, fmt.Errorf("weight import %s: %w", archivePath, err)
		}
	}
	if len(unmatched) > 0 {
		return nil, &ResolveError{Archive: archivePath, Unmatched: unmatched, Expected: len(opts.Expected)}
	}
	return bank, nil
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
