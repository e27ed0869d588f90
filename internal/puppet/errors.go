package puppet

import "fmt"

// ParameterApplyError reports a frame field the current model cannot take.
// It is recovered where it happens and never crosses a package boundary as
// a returned error.
type ParameterApplyError struct {
	Model string
	Param Param
}

func (e *ParameterApplyError) Error() string {
	return fmt.Sprintf("model %s has no parameter %s", e.Model, e.Param)
}
