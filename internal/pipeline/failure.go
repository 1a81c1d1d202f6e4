package pipeline

import (
	"fmt"

	"github.com/forgeml/imageforge/internal/imggen"
)

// Stage names the pipeline steps, in execution order.
type Stage string

const (
	StagePlan     Stage = "plan"
	StageGenerate Stage = "generate"
	StageDownload Stage = "download"
	StageRemoveBg Stage = "remove_bg"
	StageTrim     Stage = "trim"
	StageEnhance  Stage = "enhance"
	StageConvert  Stage = "convert"
	StageQC       Stage = "qc"
	StageMetadata Stage = "metadata"
)

// StageFailure records which stage failed and whether a retry could
// plausibly succeed. HTTPStatus is 0 for non-HTTP failures.
type StageFailure struct {
	Stage      Stage
	Reason     string
	Retryable  bool
	HTTPStatus int
	Err        error
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed: %s", f.Stage, f.Reason)
}

func (f *StageFailure) Unwrap() error { return f.Err }

// failAt wraps err as a failure of the given stage, carrying over the
// provider error classification when there is one.
func failAt(stage Stage, err error) *StageFailure {
	if err == nil {
		return nil
	}
	if sf, ok := err.(*StageFailure); ok {
		return sf
	}
	return &StageFailure{
		Stage:      stage,
		Reason:     err.Error(),
		Retryable:  imggen.Retryable(err),
		HTTPStatus: imggen.StatusCode(err),
		Err:        err,
	}
}
