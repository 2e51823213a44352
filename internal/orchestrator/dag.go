package orchestrator

import "fmt"

// validateDAG checks unique names, no unknown dependencies, and no cycles
// via Kahn's topological sort, ties broken by input order — grounded
// directly on the teacher's validateDAG (internal/jobs/orchestrator/dag.go).
// Unlike the teacher's flat order, this returns the sort's levels: every
// stage within one level had all its dependencies satisfied by the same
// prior pass, so the stages sharing a level are mutually independent and
// safe to run concurrently (spec §4.5's CrossMatch/Photometry fan-out both
// depend only on Validation and land in the same level).
func validateDAG(defs []StageDef) ([][]string, error) {
	if len(defs) == 0 {
		return nil, nil
	}

	seen := map[string]bool{}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("orchestrator: stage missing name")
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("orchestrator: duplicate stage name %q", d.Name)
		}
		seen[d.Name] = true
	}
	for _, d := range defs {
		for _, dep := range d.Deps {
			if !seen[dep] {
				return nil, fmt.Errorf("orchestrator: stage %q depends on unknown stage %q", d.Name, dep)
			}
		}
	}

	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for _, d := range defs {
		inDegree[d.Name] = 0
	}
	for _, d := range defs {
		for _, dep := range d.Deps {
			inDegree[d.Name]++
			dependents[dep] = append(dependents[dep], d.Name)
		}
	}

	var levels [][]string
	added := map[string]bool{}
	total := 0
	for {
		var level []string
		for _, d := range defs {
			if added[d.Name] {
				continue
			}
			if inDegree[d.Name] == 0 {
				level = append(level, d.Name)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, name := range level {
			added[name] = true
			for _, next := range dependents[name] {
				inDegree[next]--
			}
		}
		levels = append(levels, level)
		total += len(level)
	}

	if total != len(defs) {
		return nil, fmt.Errorf("orchestrator: cycle detected in stage graph")
	}
	return levels, nil
}
