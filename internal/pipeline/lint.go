package pipeline

import (
	"fmt"

	"github.com/forgechain/forgechain/internal/link"
	"github.com/forgechain/forgechain/internal/registry"
)

// Lint statically validates a pipeline against the link registry: every
// link and shadow candidate must exist, no artifact may have two
// producers, every required
// artifact needs a producer in the pipeline (or be optional), from_link
// preferences must hold, and run conditions may only reference links that
// are actually in the pipeline.
func Lint(spec *Spec, reg *registry.Registry) []string {
	var problems []string

	type resolved struct {
		id       string
		contract *link.Contract
	}
	var contracts []resolved
	for _, entry := range spec.Links {
		regEntry, ok := reg.Get(entry.ID)
		if !ok {
			problems = append(problems, fmt.Sprintf("link %q not found in registry", entry.ID))
			continue
		}
		contract, err := spec.ResolveContract(regEntry.Contract)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		contracts = append(contracts, resolved{id: entry.ID, contract: contract})
	}

	for _, entry := range spec.Links {
		if entry.Shadow == "" {
			continue
		}
		if _, ok := reg.Get(entry.Shadow); !ok {
			problems = append(problems, fmt.Sprintf("shadow candidate %q for link %q not found in registry", entry.Shadow, entry.ID))
		}
	}

	inPipeline := func(id string) bool {
		for _, c := range contracts {
			if c.id == id {
				return true
			}
		}
		return false
	}

	producers := map[string]string{}
	for _, c := range contracts {
		for _, claim := range c.contract.Spec.Produces {
			artifactID := claim.ID()
			if artifactID == "" {
				continue
			}
			if prev, dup := producers[artifactID]; dup {
				problems = append(problems, fmt.Sprintf("ambiguous producer: %q produced by both %q and %q", artifactID, prev, c.id))
				continue
			}
			producers[artifactID] = c.id
		}
	}

	for _, c := range contracts {
		for _, claim := range c.contract.Spec.Requires {
			artifactID := claim.ID()
			if artifactID == "" {
				continue
			}
			if claim.FromLink != "" {
				if !inPipeline(claim.FromLink) {
					problems = append(problems, fmt.Sprintf("link %q requires %q from %q, which is not in the pipeline", c.id, artifactID, claim.FromLink))
					continue
				}
				if producers[artifactID] != claim.FromLink {
					problems = append(problems, fmt.Sprintf("link %q requires %q from %q, which does not produce it", c.id, artifactID, claim.FromLink))
				}
				continue
			}
			if _, ok := producers[artifactID]; !ok && !claim.Optional {
				problems = append(problems, fmt.Sprintf("link %q requires %q but no producer is in the pipeline", c.id, artifactID))
			}
		}
	}

	for _, c := range contracts {
		cond := c.contract.Condition()
		switch cond.Kind {
		case link.CondOnSuccess, link.CondOnFailure:
			if !inPipeline(cond.Target) {
				problems = append(problems, fmt.Sprintf("link %q condition %q references unknown link %q", c.id, cond.String(), cond.Target))
			}
		}
	}

	return problems
}
