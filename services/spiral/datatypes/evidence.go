// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// EvidenceSet is a string set with the operations the spiral engine needs:
// Jaccard overlap for diversity and consistency, union for coverage
// accumulation.
type EvidenceSet map[string]struct{}

// NewEvidenceSet builds a set from tags, dropping empty ones.
func NewEvidenceSet(tags ...string) EvidenceSet {
	set := make(EvidenceSet, len(tags))
	for _, tag := range tags {
		if tag != "" {
			set[tag] = struct{}{}
		}
	}
	return set
}

// Add inserts every non-empty tag into the set.
func (s EvidenceSet) Add(tags ...string) {
	for _, tag := range tags {
		if tag != "" {
			s[tag] = struct{}{}
		}
	}
}

// Contains reports membership.
func (s EvidenceSet) Contains(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Len returns the set size.
func (s EvidenceSet) Len() int { return len(s) }

// Slice returns the members in unspecified order.
func (s EvidenceSet) Slice() []string {
	out := make([]string, 0, len(s))
	for tag := range s {
		out = append(out, tag)
	}
	return out
}

// IntersectionSize counts members present in both sets.
func (s EvidenceSet) IntersectionSize(other EvidenceSet) int {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	n := 0
	for tag := range small {
		if large.Contains(tag) {
			n++
		}
	}
	return n
}

// Jaccard returns |A∩B| / |A∪B|, or 0 when either set is empty.
//
// Empty-set handling matches the diversity comparison in retrieval: two
// candidates without evidence are treated as dissimilar rather than
// identical, so MMR does not collapse them.
func Jaccard(a, b EvidenceSet) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	inter := a.IntersectionSize(b)
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0.0
	}
	return float64(inter) / float64(union)
}

// JaccardSlices is Jaccard over raw tag slices.
func JaccardSlices(a, b []string) float64 {
	return Jaccard(NewEvidenceSet(a...), NewEvidenceSet(b...))
}
