package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forgechain/forgechain/internal/link"
	"github.com/forgechain/forgechain/internal/registry"
)

// Weave assembles a pipeline from a set of link ids: it orders the links
// topologically by artifact dependencies, rejects ambiguous producers,
// unmet requirements, and cycles, and chains the result with on_success
// conditions.
func Weave(reg *registry.Registry, linkIDs []string) (*Spec, error) {
	contracts := map[string]*link.Contract{}
	for _, id := range linkIDs {
		entry, ok := reg.Get(id)
		if !ok {
			return nil, fmt.Errorf("pipeline: link %s not found in registry", id)
		}
		contracts[id] = entry.Contract
	}

	producers := map[string]string{}
	for _, id := range linkIDs {
		for _, claim := range contracts[id].Spec.Produces {
			artifactID := claim.ID()
			if artifactID == "" {
				continue
			}
			if prev, dup := producers[artifactID]; dup {
				return nil, fmt.Errorf("pipeline: ambiguous producer: %s produced by both %s and %s", artifactID, prev, id)
			}
			producers[artifactID] = id
		}
	}

	adjacency := map[string][]string{}
	for _, id := range linkIDs {
		adjacency[id] = nil
	}
	for _, id := range linkIDs {
		for _, claim := range contracts[id].Spec.Requires {
			artifactID := claim.ID()
			if artifactID == "" {
				continue
			}
			producer, ok := producers[artifactID]
			if !ok {
				if claim.Optional {
					continue
				}
				return nil, fmt.Errorf("pipeline: artifact %s required by %s is not produced by any link in the set", artifactID, id)
			}
			adjacency[producer] = append(adjacency[producer], id)
		}
	}

	ordered, err := topoSort(adjacency)
	if err != nil {
		return nil, err
	}

	spec := &Spec{
		PipelineID:  "weaved_pipeline",
		Description: fmt.Sprintf("generated pipeline for links: %s", strings.Join(ordered, ", ")),
		Overrides:   map[string]map[string]any{},
	}
	for _, id := range ordered {
		spec.Links = append(spec.Links, Entry{ID: id})
	}
	for i := 1; i < len(ordered); i++ {
		spec.Overrides[ordered[i]] = map[string]any{
			"spec": map[string]any{
				"when": map[string]any{
					"condition": fmt.Sprintf("on_success(%s)", ordered[i-1]),
				},
			},
		}
	}
	return spec, nil
}

// topoSort orders the nodes so every producer precedes its consumers,
// failing on cycles. Iteration is deterministic: node ids are visited in
// sorted order.
func topoSort(adjacency map[string][]string) ([]string, error) {
	nodes := make([]string, 0, len(adjacency))
	for id := range adjacency {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := map[string]int{}
	var ordered []string

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case inStack:
			return fmt.Errorf("pipeline: dependency cycle detected at link %s", id)
		case done:
			return nil
		}
		state[id] = inStack
		next := append([]string(nil), adjacency[id]...)
		sort.Strings(next)
		for _, dep := range next {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		ordered = append([]string{id}, ordered...)
		return nil
	}
	for _, id := range nodes {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
