package engine

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/petrijr/txflow/pkg/api"
)

type stepTrigger string

const (
	triggerInvoke            stepTrigger = "invoke"
	triggerAwait             stepTrigger = "await"
	triggerSucceed           stepTrigger = "succeed"
	triggerFail              stepTrigger = "fail"
	triggerRetry             stepTrigger = "retry"
	triggerCompensate        stepTrigger = "compensate"
	triggerAwaitCompensation stepTrigger = "await_compensation"
	triggerCompensated       stepTrigger = "compensated"
	triggerCompensationFail  stepTrigger = "compensation_fail"
)

func configureStepMachine(sm *stateless.StateMachine) {
	sm.Configure(api.StepNotStarted).
		Permit(triggerInvoke, api.StepInvoking)

	sm.Configure(api.StepInvoking).
		Permit(triggerAwait, api.StepWaitingAsync).
		Permit(triggerSucceed, api.StepDone).
		Permit(triggerFail, api.StepFailed)

	sm.Configure(api.StepWaitingAsync).
		Permit(triggerSucceed, api.StepDone).
		Permit(triggerFail, api.StepFailed).
		Permit(triggerRetry, api.StepNotStarted)

	sm.Configure(api.StepDone).
		Permit(triggerCompensate, api.StepCompensating)

	sm.Configure(api.StepFailed).
		Permit(triggerCompensate, api.StepCompensating)

	sm.Configure(api.StepCompensating).
		Permit(triggerAwaitCompensation, api.StepWaitingAsyncCompensate).
		Permit(triggerCompensated, api.StepCompensated).
		Permit(triggerCompensationFail, api.StepPermanentlyFailed)

	sm.Configure(api.StepWaitingAsyncCompensate).
		Permit(triggerCompensated, api.StepCompensated).
		Permit(triggerCompensationFail, api.StepPermanentlyFailed)
}

// transition moves rec along the step lifecycle. Illegal transitions are
// programming errors and leave rec untouched.
func transition(rec *api.StepExecutionRecord, trigger stepTrigger) error {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return rec.Status, nil
		},
		func(_ context.Context, s stateless.State) error {
			rec.Status = s.(api.StepStatus)
			return nil
		},
		stateless.FiringImmediate,
	)
	configureStepMachine(sm)

	if err := sm.Fire(trigger); err != nil {
		return fmt.Errorf("step %q: %s from %s: %w", rec.StepID, trigger, rec.Status, err)
	}
	return nil
}

// actionOf tells which handler a step status belongs to.
func actionOf(status api.StepStatus) api.Action {
	switch status {
	case api.StepCompensating, api.StepWaitingAsyncCompensate, api.StepCompensated, api.StepPermanentlyFailed:
		return api.ActionCompensate
	}
	return api.ActionInvoke
}
