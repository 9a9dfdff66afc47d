package precache

import "sort"

// Plan is the outcome of reconciling the content cache against a new manifest.
// Every list is sorted. Keep, Fetch and Lazy partition the new manifest's paths and
// Keep and Evict partition the cached paths, so a changed path shows up both in Evict
// and in Fetch or Lazy.
type Plan struct {
	// Keep lists cached paths whose content is unchanged.
	Keep []string `json:"keep"`
	// Evict lists cached paths that were removed or whose hash changed.
	Evict []string `json:"evict"`
	// Fetch lists core paths that must be downloaded eagerly.
	Fetch []string `json:"fetch"`
	// Lazy lists paths that are downloaded on first access.
	Lazy []string `json:"lazy"`
}

// Empty reports whether the plan has no work and nothing to keep.
func (p Plan) Empty() bool {
	return len(p.Keep) == 0 && len(p.Evict) == 0 && len(p.Fetch) == 0 && len(p.Lazy) == 0
}

// Reconcile decides which cached entries survive an upgrade from oldManifest to
// newManifest.
//
// current lists the paths present in the content cache and core lists the paths
// fetched eagerly. A cached path is kept only when it is listed in both manifests
// with the same hash; every other cached path is evicted. A nil oldManifest means
// there is no record of what the cache holds, so everything is evicted. Paths of
// newManifest that are not kept are fetched eagerly when they are core and lazily
// otherwise. Core paths missing from newManifest are ignored.
func Reconcile(oldManifest, newManifest Manifest, current, core []string) Plan {
	plan := Plan{
		Keep:  []string{},
		Evict: []string{},
		Fetch: []string{},
		Lazy:  []string{},
	}

	kept := make(map[string]bool, len(current))
	seen := make(map[string]bool, len(current))
	for _, p := range current {
		if seen[p] {
			continue
		}
		seen[p] = true

		newHash, inNew := newManifest[p]
		oldHash, inOld := oldManifest[p]
		if oldManifest != nil && inNew && inOld && newHash == oldHash {
			kept[p] = true
			plan.Keep = append(plan.Keep, p)
			continue
		}
		plan.Evict = append(plan.Evict, p)
	}

	eager := make(map[string]bool, len(core))
	for _, p := range core {
		if newManifest.Has(p) && !kept[p] && !eager[p] {
			eager[p] = true
			plan.Fetch = append(plan.Fetch, p)
		}
	}

	for p := range newManifest {
		if !kept[p] && !eager[p] {
			plan.Lazy = append(plan.Lazy, p)
		}
	}

	sort.Strings(plan.Keep)
	sort.Strings(plan.Evict)
	sort.Strings(plan.Fetch)
	sort.Strings(plan.Lazy)
	return plan
}
