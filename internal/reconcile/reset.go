package reconcile

import (
	"fmt"

	"ClusterBank/internal/model"
)

// ApplyReset folds the last counter of cluster into its base so the scheduler
// counter can restart from zero without being read as a regression.
func ApplyReset(p model.Proposal, cluster string) (model.Proposal, error) {
	p = p.Clone()
	a := p.Allocation(cluster)
	if a == nil {
		return p, fmt.Errorf("proposal %d has no allocation on cluster %s", p.ID, cluster)
	}
	a.RawBase += a.RawLast
	a.RawLast = 0
	return p, nil
}
