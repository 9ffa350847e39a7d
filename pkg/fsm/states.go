// Package fsm drives the full provisioning pipeline (host checks, kernel,
// root filesystem, network, launch) as a superfly/fsm state machine, and
// reverses completed stages when a later one fails.
package fsm

import (
	"context"

	"github.com/btcdash/microvm/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the provisioning FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[PipelineRequest, PipelineResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[PipelineRequest, PipelineResponse](manager, "microvm-provision").
		Start(StatePrereqs, m.transition(StatePrereqs, m.checkHost)).
		To(StateKernel, m.transition(StateKernel, m.fetchKernel)).
		To(StateBuild, m.transition(StateBuild, m.buildRootfs)).
		To(StateNetwork, m.transition(StateNetwork, m.setupNetwork)).
		To(StateLaunch, m.transition(StateLaunch, m.launch)).
		To(StateComplete, m.transition(StateComplete, m.complete)).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
