// README: Topology router; computes the one-directional facility path between two nodes.
package topology

import (
	"fmt"

	"parcelnet/internal/types"
)

// Topology is an immutable rooted forest of facilities. Safe for concurrent reads.
type Topology struct {
	facilities map[types.ID]Facility
	parent     map[types.ID]types.ID
	order      []types.ID
}

// New builds a topology from facilities and a child -> parent relation.
// Every parent must be a known facility and the relation must be acyclic.
func New(facilities []Facility, parents map[types.ID]types.ID) (*Topology, error) {
	t := &Topology{
		facilities: make(map[types.ID]Facility, len(facilities)),
		parent:     make(map[types.ID]types.ID, len(parents)),
		order:      make([]types.ID, 0, len(facilities)),
	}
	for _, f := range facilities {
		if f.ID == "" || !f.Kind.Valid() {
			return nil, fmt.Errorf("%w: id=%q kind=%q", ErrInvalidFacility, f.ID, f.Kind)
		}
		if _, dup := t.facilities[f.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidFacility, f.ID)
		}
		t.facilities[f.ID] = f
		t.order = append(t.order, f.ID)
	}
	for child, p := range parents {
		if _, ok := t.facilities[child]; !ok {
			return nil, fmt.Errorf("parent of %q: %w", child, ErrUnknownFacility)
		}
		if _, ok := t.facilities[p]; !ok {
			return nil, fmt.Errorf("parent %q of %q: %w", p, child, ErrUnknownFacility)
		}
		t.parent[child] = p
	}
	for _, id := range t.order {
		if err := t.checkChain(id); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Topology) checkChain(id types.ID) error {
	seen := map[types.ID]bool{id: true}
	cur := id
	for {
		p, ok := t.parent[cur]
		if !ok {
			return nil
		}
		if seen[p] {
			return fmt.Errorf("%w: via %q", ErrCyclicTopology, p)
		}
		seen[p] = true
		cur = p
	}
}

func (t *Topology) Get(id types.ID) (Facility, bool) {
	f, ok := t.facilities[id]
	return f, ok
}

// Parent returns the parent facility ID, or false for roots.
func (t *Topology) Parent(id types.ID) (types.ID, bool) {
	p, ok := t.parent[id]
	return p, ok
}

// Facilities returns all facilities in load order.
func (t *Topology) Facilities() []Facility {
	out := make([]Facility, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.facilities[id])
	}
	return out
}

// Chain returns the ascending chain from id to its root, id first.
func (t *Topology) Chain(id types.ID) ([]Facility, error) {
	f, ok := t.facilities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFacility, id)
	}
	chain := []Facility{f}
	cur := id
	for {
		p, ok := t.parent[cur]
		if !ok {
			return chain, nil
		}
		chain = append(chain, t.facilities[p])
		cur = p
	}
}

// Route returns the ordered facility path a shipment traverses from start to end.
//
// When the two chains share an ancestor the path climbs to the first shared
// facility (scanning the source chain) and descends to end. Otherwise the
// chains are joined top to top as a trunk transfer; standard service stops
// each side at its first Center so the top-level Hub is skipped.
func (t *Topology) Route(startID, endID types.ID, level ServiceLevel) ([]Facility, error) {
	source, err := t.Chain(startID)
	if err != nil {
		return nil, err
	}
	target, err := t.Chain(endID)
	if err != nil {
		return nil, err
	}

	targetIndex := make(map[types.ID]int, len(target))
	for j, f := range target {
		targetIndex[f.ID] = j
	}

	for i, f := range source {
		j, ok := targetIndex[f.ID]
		if !ok {
			continue
		}
		path := make([]Facility, 0, i+1+j)
		path = append(path, source[:i+1]...)
		for k := j - 1; k >= 0; k-- {
			path = append(path, target[k])
		}
		return path, nil
	}

	if level == ServiceStandard {
		source = truncateAtCenter(source)
		target = truncateAtCenter(target)
	}
	path := make([]Facility, 0, len(source)+len(target))
	path = append(path, source...)
	for k := len(target) - 1; k >= 0; k-- {
		path = append(path, target[k])
	}
	return path, nil
}

func truncateAtCenter(chain []Facility) []Facility {
	for i, f := range chain {
		if f.Kind == KindCenter {
			return chain[:i+1]
		}
	}
	return chain
}
