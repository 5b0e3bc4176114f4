package calibration

import (
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/robgpita/inundation-mapping/internal/domain"
)

// segment is the one-row-per-catchment view of the drainage network used
// for downstream propagation. Waterbody catchments are excluded; their
// disjoint artifacts would break the traversal.
type segment struct {
	hydroID  int
	feature  int
	nextDown int
	order    int
	lengthKM float64
}

// segments reduces rating rows to network segments, one per non-lake
// catchment, ordered by HydroID.
func segments(rows []domain.RatingRow) []segment {
	seen := make(map[int]bool)
	var segs []segment
	for i := range rows {
		r := &rows[i]
		if seen[r.HydroID] || r.LakeID != domain.NoLake {
			continue
		}
		seen[r.HydroID] = true
		segs = append(segs, segment{
			hydroID:  r.HydroID,
			feature:  r.FeatureID,
			nextDown: r.NextDownID,
			order:    r.Order,
			lengthKM: r.LengthKM,
		})
	}
	slices.SortFunc(segs, func(a, b segment) int { return a.hydroID - b.hydroID })
	return segs
}

// chainEntry places a segment on a traversal chain. Entries come back
// grouped by chain, ordered upstream to downstream within each.
type chainEntry struct {
	seg   segment
	chain int
}

// chains orders segments upstream to downstream. Every headwater (a
// HydroID never referenced as a NextDownID) starts a chain; walks stop
// at already-visited segments, and a confluence whose stream order steps
// up starts its own chain instead of extending a tributary's.
func chains(segs []segment) []chainEntry {
	byID := make(map[int]*segment, len(segs))
	inflows := make(map[int]int)
	for i := range segs {
		byID[segs[i].hydroID] = &segs[i]
		inflows[segs[i].nextDown]++
	}
	var heads []int
	for _, s := range segs {
		if inflows[s.hydroID] == 0 {
			heads = append(heads, s.hydroID)
		}
	}

	var out []chainEntry
	visited := make(map[int]bool)
	chain := 0
	for len(heads) > 0 {
		id := heads[0]
		heads = heads[1:]
		if visited[id] {
			continue
		}
		chain++
		for {
			s := byID[id]
			visited[id] = true
			out = append(out, chainEntry{seg: *s, chain: chain})
			next, ok := byID[s.nextDown]
			if !ok || visited[s.nextDown] {
				break
			}
			if inflows[s.nextDown] > 1 && next.order > s.order {
				heads = append(heads, s.nextDown)
				break
			}
			id = s.nextDown
		}
	}
	return out
}

// groupRoughness spreads a running mean of consecutive calibrated
// catchments downstream. An uncalibrated catchment picks the group value
// up only while the accumulated distance from the last calibrated one
// stays under propagateKM and at least two catchments fed the mean.
func groupRoughness(entries []chainEntry, hydroN map[int]float64, propagateKM float64) map[int]float64 {
	group := make(map[int]float64)
	chain := -1
	var distAccum, runSum, groupN float64
	var run, contributors int
	for _, e := range entries {
		if e.chain != chain {
			chain = e.chain
			distAccum, runSum, groupN = 0, 0, 0
			run, contributors = 0, 0
		}
		n, ok := hydroN[e.seg.hydroID]
		if !ok {
			distAccum += e.seg.lengthKM
			run = 0
			if distAccum < propagateKM && contributors > 1 {
				group[e.seg.hydroID] = groupN
			}
			continue
		}
		distAccum = 0
		run++
		if run == 1 {
			runSum, contributors = 0, 0
		}
		groupN = (n + runSum) / float64(run)
		group[e.seg.hydroID] = groupN
		runSum += n
		contributors++
	}
	return group
}

// featureRoughness averages the catchment medians across catchments
// sharing a feature, so an uncalibrated catchment can inherit from a
// calibrated sibling on the same national reach.
func featureRoughness(segs []segment, hydroN map[int]float64) map[int]float64 {
	byFeature := make(map[int][]float64)
	for _, s := range segs {
		if n, ok := hydroN[s.hydroID]; ok {
			byFeature[s.feature] = append(byFeature[s.feature], n)
		}
	}
	out := make(map[int]float64, len(byFeature))
	for f, ns := range byFeature {
		out[f] = stat.Mean(ns, nil)
	}
	return out
}
