// Package spatial implements the two-stage airspace conflict test: an
// ephemeral bounding-box tree built per query over time-filtered candidates,
// followed by an exact polygon pass against each candidate's minimum rotated
// rectangle. A conflict exists when the query geometry intersects any
// candidate (OR semantics).
package spatial

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"time"

	"github.com/google/uuid"

	"skylane/internal/domain"
	"skylane/internal/geo"
)

const leafSize = 8

// Key derives a deterministic 63-bit integer from a UUID for integer-keyed
// index APIs. Collisions are possible at very large candidate counts; callers
// must tolerate them (known scaling limit).
func Key(id uuid.UUID) int64 {
	sum := sha256.Sum256(id[:])
	return int64(binary.BigEndian.Uint64(sum[:8]) &^ (uint64(1) << 63))
}

// IDFromString parses an entity id as a UUID, deriving a name-based UUID for
// ids that are not UUIDs themselves.
func IDFromString(id string) uuid.UUID {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
}

// Candidate is one intent or constraint under consideration.
type Candidate struct {
	ID      uuid.UUID
	OVN     string
	Volumes []domain.Volume4D
}

type entry struct {
	key  int64
	cand Candidate
	bbox geo.BBox
}

type node struct {
	bbox     geo.BBox
	leaves   []*entry
	children []*node
}

// Index is an ephemeral bounding-box tree. It is built fresh for every query
// and carries no state between calls.
type Index struct {
	root  *node
	count int
}

// New builds an index over the candidates whose time window overlaps
// [start, end). Time filtering happens before any spatial indexing; a
// candidate with an unparsable window is kept rather than dropped, so unknown
// timing can never hide a conflict.
func New(start, end time.Time, candidates []Candidate) *Index {
	var entries []*entry
	for _, c := range candidates {
		cs, ce, err := geo.TimeWindow(c.Volumes)
		if err == nil && !geo.Overlaps(start, end, cs, ce) {
			continue
		}
		b := geo.BoundingBox(c.Volumes)
		if !b.Valid() {
			continue
		}
		entries = append(entries, &entry{key: Key(c.ID), cand: c, bbox: b})
	}
	ix := &Index{count: len(entries)}
	if len(entries) > 0 {
		ix.root = pack(entries)
	}
	return ix
}

// pack builds an STR-style tree: entries sorted by center, grouped into
// fixed-size leaves, parents merged bottom-up.
func pack(entries []*entry) *node {
	sort.Slice(entries, func(i, j int) bool {
		ci, cj := entries[i].bbox.Center(), entries[j].bbox.Center()
		if ci.X != cj.X {
			return ci.X < cj.X
		}
		return ci.Y < cj.Y
	})
	var level []*node
	for i := 0; i < len(entries); i += leafSize {
		end := i + leafSize
		if end > len(entries) {
			end = len(entries)
		}
		n := &node{bbox: geo.EmptyBBox()}
		for _, e := range entries[i:end] {
			n.leaves = append(n.leaves, e)
			n.bbox.ExtendBox(e.bbox)
		}
		level = append(level, n)
	}
	for len(level) > 1 {
		var next []*node
		for i := 0; i < len(level); i += leafSize {
			end := i + leafSize
			if end > len(level) {
				end = len(level)
			}
			n := &node{bbox: geo.EmptyBBox()}
			for _, c := range level[i:end] {
				n.children = append(n.children, c)
				n.bbox.ExtendBox(c.bbox)
			}
			next = append(next, n)
		}
		level = next
	}
	return level[0]
}

// Len returns the number of indexed candidates after time filtering.
func (ix *Index) Len() int { return ix.count }

// Search returns every candidate whose bounding box intersects b (stage one).
func (ix *Index) Search(b geo.BBox) []Candidate {
	var out []Candidate
	if ix.root == nil {
		return out
	}
	var walk func(n *node)
	walk = func(n *node) {
		if !n.bbox.Intersects(b) {
			return
		}
		for _, e := range n.leaves {
			if e.bbox.Intersects(b) {
				out = append(out, e.cand)
			}
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(ix.root)
	return out
}

// ConflictsWith runs both stages against a query volume set and returns the
// IDs of every candidate whose minimum rotated rectangle intersects any of
// the query outlines. A non-empty result means conflict.
func (ix *Index) ConflictsWith(query []domain.Volume4D) []uuid.UUID {
	var hits []uuid.UUID
	box := geo.BoundingBox(query)
	if !box.Valid() {
		return hits
	}
	var rings [][]geo.Point
	for _, v := range query {
		if ring := geo.OutlinePoints(v.Volume); len(ring) >= 3 {
			rings = append(rings, ring)
		}
	}
	for _, cand := range ix.Search(box) {
		mrr := geo.MRROf(cand.Volumes)
		if len(mrr) < 3 {
			continue
		}
		for _, ring := range rings {
			if geo.PolygonsIntersect(ring, mrr) {
				hits = append(hits, cand.ID)
				break
			}
		}
	}
	return hits
}
