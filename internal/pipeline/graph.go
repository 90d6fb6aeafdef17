package pipeline

import (
	"fmt"
	"strings"

	"github.com/forgechain/forgechain/internal/link"
	"github.com/forgechain/forgechain/internal/registry"
)

// Graph renders an ASCII dependency view of the pipeline: each link with
// its run condition, where its inputs come from, and what it produces.
func Graph(spec *Spec, reg *registry.Registry) string {
	type resolved struct {
		id       string
		contract *link.Contract
	}
	var contracts []resolved
	producers := map[string]string{}
	for _, entry := range spec.Links {
		regEntry, ok := reg.Get(entry.ID)
		if !ok {
			continue
		}
		contract, err := spec.ResolveContract(regEntry.Contract)
		if err != nil {
			continue
		}
		contracts = append(contracts, resolved{id: entry.ID, contract: contract})
		for _, claim := range contract.Spec.Produces {
			if id := claim.ID(); id != "" {
				producers[id] = entry.ID
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline graph: %s\n", spec.PipelineID)
	b.WriteString(strings.Repeat("=", 60) + "\n")
	for _, c := range contracts {
		fmt.Fprintf(&b, "[%s]\n", c.id)
		if cond := c.contract.Condition(); cond.Kind != link.CondAlways {
			fmt.Fprintf(&b, "  when: %s\n", cond.String())
		}
		for _, claim := range c.contract.Spec.Requires {
			artifactID := claim.ID()
			if artifactID == "" {
				continue
			}
			source := producers[artifactID]
			if source == "" {
				source = "EXTERNAL"
			}
			fmt.Fprintf(&b, "  <- (%s) from %s\n", artifactID, source)
		}
		for _, claim := range c.contract.Spec.Produces {
			if artifactID := claim.ID(); artifactID != "" {
				fmt.Fprintf(&b, "  -> produces: %s\n", artifactID)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
