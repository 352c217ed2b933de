package kargs

import (
	"fmt"

	"github.com/bootkit-org/bootkit/models"
)

// Merge folds an ordered fragment sequence into the final argument list.
//
// Rules: a set from a higher tier replaces any lower-tier value; appends
// accumulate onto the key regardless of tier, in fragment order; two sets
// for one key from different fragments of equal tier are a fatal conflict.
// Within a single fragment a later set replaces an earlier one.
//
// The result depends only on fragment content, tier and the given order,
// never on filesystem enumeration. Callers pass fragments lowest tier
// first, lexical order within a tier.
func Merge(fragments []Fragment) ([]string, error) {
	type base struct {
		d      Directive
		tier   int
		source string
	}
	bases := map[string]*base{}
	appends := map[string][]Directive{}
	var order []string
	seen := map[string]bool{}

	note := func(key string) {
		if !seen[key] {
			seen[key] = true
			order = append(order, key)
		}
	}

	for _, frag := range fragments {
		for _, d := range frag.Directives {
			note(d.Key)
			switch d.Kind {
			case Append:
				appends[d.Key] = append(appends[d.Key], d)
			case Set:
				cur := bases[d.Key]
				switch {
				case cur == nil:
					bases[d.Key] = &base{d: d, tier: frag.Tier, source: frag.Path}
				case cur.source == frag.Path:
					// Later line in the same fragment wins.
					cur.d = d
				case cur.tier == frag.Tier:
					return nil, fmt.Errorf("%w: conflicting values for %q in %s and %s",
						models.ErrUser, d.Key, cur.source, frag.Path)
				case frag.Tier > cur.tier:
					bases[d.Key] = &base{d: d, tier: frag.Tier, source: frag.Path}
				}
				// A lower-tier set arriving after a higher-tier one is
				// already outranked and dropped.
			}
		}
	}

	var out []string
	for _, key := range order {
		if b := bases[key]; b != nil {
			out = append(out, render(b.d))
		}
		for _, d := range appends[key] {
			out = append(out, render(d))
		}
	}
	return out, nil
}

func render(d Directive) string {
	if !d.HasValue {
		return d.Key
	}
	return d.Key + "=" + d.Value
}
