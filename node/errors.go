package node

import (
	"errors"
)

// Stage names the assembly step that failed.
type Stage string

const (
	StageConfiguration Stage = "configuration"
	StageExecutor      Stage = "executor"
	StageTelemetry     Stage = "telemetry"
	StageClient        Stage = "client"
	StageImportQueue   Stage = "import queue"
	StageRelayChain    Stage = "relay chain"
	StageNetwork       Stage = "network"
	StageServiceTasks  Stage = "service tasks"
	StageConsensus     Stage = "consensus"
	StageAuthorship    Stage = "authorship"
)

var ErrLightClientNotSupported = errors.New("Light client not supported!")

// AssemblyError is returned by every node start before the node runs.
type AssemblyError struct {
	Stage Stage
	Err   error
}

func (e *AssemblyError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}

func assemblyError(stage Stage, err error) error {
	return &AssemblyError{Stage: stage, Err: err}
}
