package txn

import (
	"fmt"

	"github.com/dr0pdb/icecanetm/internal/common"
)

// DependentTransaction is a clone the commit depends on.
type DependentTransaction struct {
	Transaction

	option    DependentCloneOption
	completed bool
}

// Option returns how the clone affects the commit.
func (dt *DependentTransaction) Option() DependentCloneOption {
	return dt.option
}

// Complete declares that the work done under the clone is finished.
func (dt *DependentTransaction) Complete() error {
	t := dt.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := dt.usable(); err != nil {
		return err
	}
	if dt.completed {
		return common.NewTransactionCompletedError(fmt.Sprintf("txn %s: dependent clone already completed", t.id))
	}
	dt.completed = true
	t.completeDependentClone(dt.option)
	return nil
}
