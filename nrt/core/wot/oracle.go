package wot

import (
	"context"
	"sort"
)

// FollowFetcher returns the followed pubkeys of each author it could find a
// contact list for.
type FollowFetcher interface {
	Follows(ctx context.Context, authors []string) (map[string][]string, error)
}

// Expand walks the follow graph breadth-first from anchor. Depth 1 trusts the
// anchor and its follows; depth 2 adds the follows of those.
func Expand(ctx context.Context, f FollowFetcher, anchor string, depth int) (map[string]struct{}, error) {
	trusted := map[string]struct{}{anchor: {}}
	frontier := []string{anchor}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		follows, err := f.Follows(ctx, frontier)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, author := range frontier {
			for _, pk := range follows[author] {
				if _, seen := trusted[pk]; seen {
					continue
				}
				trusted[pk] = struct{}{}
				next = append(next, pk)
			}
		}
		sort.Strings(next)
		frontier = next
	}
	return trusted, nil
}
