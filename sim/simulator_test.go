package sim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shunsukew/rundler/types"
)

func TestExtractMempoolError_PicksMostSevere(t *testing.T) {
	simErr := &SimulationError{
		Violations: []types.SimulationViolation{
			{Code: types.ViolationForbiddenStorage, Message: "banned"},
			{Code: types.ViolationInvalidSignature, Message: "bad sig"},
			{Code: types.ViolationInsufficientPreVerificationGas, Message: "low gas"},
		},
	}
	merr := ExtractMempoolError(simErr)
	require.Equal(t, types.MempoolErrorSimulationViolation, merr.Kind)
	require.Equal(t, types.ViolationInvalidSignature, merr.Violation.Code)

	// the extracted entry is replaced with a sentinel so a second
	// extraction over the same slice doesn't return it again.
	require.NotEqual(t, types.ViolationInvalidSignature, simErr.Violations[1].Code)
}

func TestExtractMempoolError_NoViolationsIsOther(t *testing.T) {
	simErr := &SimulationError{Err: errors.New("rpc timeout")}
	merr := ExtractMempoolError(simErr)
	require.Equal(t, types.MempoolErrorOther, merr.Kind)
	require.ErrorContains(t, merr, "rpc timeout")
}
