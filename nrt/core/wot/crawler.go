package wot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"
)

const kindContactList = 3

// RelayFetcher reads kind-3 contact lists from a set of public relays and
// keeps the newest list per author.
type RelayFetcher struct {
	URLs      []string
	Timeout   time.Duration
	BatchSize int
}

func (r *RelayFetcher) Follows(ctx context.Context, authors []string) (map[string][]string, error) {
	batch := r.BatchSize
	if batch <= 0 {
		batch = 500
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	var (
		mu     sync.Mutex
		latest = map[string]*nostr.Event{}
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range r.URLs {
		g.Go(func() error {
			if err := r.queryRelay(gctx, url, authors, batch, timeout, func(ev *nostr.Event) {
				mu.Lock()
				if cur, ok := latest[ev.PubKey]; !ok || ev.CreatedAt > cur.CreatedAt {
					latest[ev.PubKey] = ev
				}
				mu.Unlock()
			}); err != nil {
				log.Warnf("query %s: %v", url, err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(r.URLs) > 0 && failed == len(r.URLs) {
		return nil, errors.New("no relay answered")
	}

	out := make(map[string][]string, len(latest))
	for author, ev := range latest {
		out[author] = followedKeys(ev)
	}
	return out, nil
}

func (r *RelayFetcher) queryRelay(ctx context.Context, url string, authors []string, batch int, timeout time.Duration, emit func(*nostr.Event)) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rl, err := nostr.RelayConnect(cctx, url)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer rl.Close()

	for i := 0; i < len(authors); i += batch {
		end := min(i+batch, len(authors))
		qctx, qcancel := context.WithTimeout(ctx, timeout)
		evs, err := rl.QuerySync(qctx, nostr.Filter{
			Kinds:   []int{kindContactList},
			Authors: authors[i:end],
		})
		qcancel()
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		for _, ev := range evs {
			if ev.Kind == kindContactList {
				emit(ev)
			}
		}
	}
	return nil
}

func followedKeys(ev *nostr.Event) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" && len(tag[1]) == 64 {
			out = append(out, tag[1])
		}
	}
	return out
}
