package directory

import "sort"

// Candidates filters agents to those online and under the capacity limit
// by the directory's own count, then orders them deterministically:
// least combined load first (directory count + locally tracked load),
// ties broken by name, then id. Every instance of the service produces
// the same ordering for the same inputs.
func Candidates(agents []Agent, localLoad func(agentID int64) int, capacityLimit int) []Agent {
	var out []Agent
	for _, a := range agents {
		if !a.IsAvailable {
			continue
		}
		if a.CurrentCustomerCount+localLoad(a.ID) >= capacityLimit {
			continue
		}
		out = append(out, a)
	}

	sort.SliceStable(out, func(i, j int) bool {
		li := out[i].CurrentCustomerCount + localLoad(out[i].ID)
		lj := out[j].CurrentCustomerCount + localLoad(out[j].ID)
		if li != lj {
			return li < lj
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
