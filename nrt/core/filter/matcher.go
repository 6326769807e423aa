package filter

import (
	"regexp"

	"github.com/nbd-wtf/go-nostr"
)

type MatchOptions struct {
	// IgnoreDelegation matches authors on the signing key even when the event
	// carries a NIP-26 delegation tag.
	IgnoreDelegation bool
}

// Author returns the delegator from a "delegation" tag unless ignoreDelegation
// is set, otherwise the signing key.
func Author(ev *nostr.Event, ignoreDelegation bool) string {
	if !ignoreDelegation {
		for _, t := range ev.Tags {
			if len(t) >= 2 && t[0] == "delegation" && isHex64(t[1]) {
				return t[1]
			}
		}
	}
	return ev.PubKey
}

// Match reports whether ev satisfies every active field of f.
func (f *Filter) Match(ev *nostr.Event, opts MatchOptions) bool {
	if len(f.IDs) > 0 {
		if _, ok := f.IDs[ev.ID]; !ok {
			return false
		}
	}

	if len(f.Kinds) > 0 {
		if _, ok := f.Kinds[ev.Kind]; !ok {
			return false
		}
	}
	if len(f.NKinds) > 0 {
		if _, ok := f.NKinds[ev.Kind]; ok {
			return false
		}
	}

	if len(f.Authors) > 0 || len(f.NAuthors) > 0 {
		author := Author(ev, opts.IgnoreDelegation)
		if len(f.Authors) > 0 {
			if _, ok := f.Authors[author]; !ok {
				return false
			}
		}
		if _, ok := f.NAuthors[author]; ok {
			return false
		}
	}

	if ev.Content != "" {
		if len(f.Contents) > 0 && !anyMatch(f.Contents, ev.Content) {
			return false
		}
		if len(f.NContents) > 0 && anyMatch(f.NContents, ev.Content) {
			return false
		}
	}

	if len(f.Tags) > 0 || len(f.NTags) > 0 {
		present := flattenTags(ev.Tags)
		for _, group := range f.Tags {
			if !anyPresent(group, present) {
				return false
			}
		}
		for _, group := range f.NTags {
			if allPresent(group, present) {
				return false
			}
		}
	}
	return true
}

// MatchAny is true when at least one filter matches.
func MatchAny(filters []*Filter, ev *nostr.Event, opts MatchOptions) bool {
	for _, f := range filters {
		if f.Match(ev, opts) {
			return true
		}
	}
	return false
}

func flattenTags(tags nostr.Tags) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if len(t) >= 2 {
			out[t[0]+":"+t[1]] = struct{}{}
		}
	}
	return out
}

func anyPresent(group []string, present map[string]struct{}) bool {
	for _, g := range group {
		if _, ok := present[g]; ok {
			return true
		}
	}
	return false
}

func allPresent(group []string, present map[string]struct{}) bool {
	for _, g := range group {
		if _, ok := present[g]; !ok {
			return false
		}
	}
	return true
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
