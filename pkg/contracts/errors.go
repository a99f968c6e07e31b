package contracts

import (
	"fmt"
	"strings"
)

// ContractValidationError carries every violation found in a payload.
// Validators never short-circuit: a payload missing four fields raises one
// error with four messages.
type ContractValidationError struct {
	Contract string
	Errors   []string
}

func (e *ContractValidationError) Error() string {
	return fmt.Sprintf("contract %s invalid (%d violations): %s",
		e.Contract, len(e.Errors), strings.Join(e.Errors, "; "))
}
