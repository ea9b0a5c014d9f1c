package fed

import "fmt"

// MessageCode tags an envelope with the intent of its payload.
type MessageCode int

const (
	// CodeParameterRequest asks the upstream process for the current model.
	CodeParameterRequest MessageCode = iota

	// CodeGradientUpdate carries gradients from a client.
	CodeGradientUpdate

	// CodeParameterUpdate carries trained parameters from a client.
	CodeParameterUpdate

	// CodeEvaluateParams asks a client to evaluate the attached parameters.
	CodeEvaluateParams

	// CodeExit tells the receiver to leave its main loop.
	CodeExit

	// CodeSetUp announces logical identities during the handshake.
	CodeSetUp
)

var messageCodeNames = map[MessageCode]string{
	CodeParameterRequest: "ParameterRequest",
	CodeGradientUpdate:   "GradientUpdate",
	CodeParameterUpdate:  "ParameterUpdate",
	CodeEvaluateParams:   "EvaluateParams",
	CodeExit:             "Exit",
	CodeSetUp:            "SetUp",
}

func (c MessageCode) String() string {
	if name, ok := messageCodeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("MessageCode(%d)", int(c))
}
