package pipeline

import (
	"context"
	"fmt"

	"github.com/openfroyo/convergence/pkg/engine"
)

// Compliance reports the compliance state of the node provisioned for one
// (configuration, environment) pair of the current run. It backs the
// compliance() builtin of the test suites.
func (o *Orchestrator) Compliance(ctx context.Context, configuration, environment string) (engine.ComplianceState, error) {
	if o.run == nil {
		return engine.ComplianceUnknown, engine.NewStructuralError("no pipeline run in progress", nil)
	}
	session := o.currentSession()
	if session == nil {
		return engine.ComplianceUnknown, engine.NewStructuralError("compliance queried before authentication", nil)
	}

	for _, inst := range o.run.Instances() {
		if inst.Configuration == configuration && inst.Environment == environment {
			return o.deps.Automation.NodeCompliance(ctx, session, o.run.AccountID, inst.Name)
		}
	}
	return engine.ComplianceUnknown, engine.NewInputError(
		fmt.Sprintf("no instance provisioned for %s", engine.Configuration{Name: configuration}.LegName(environment)), nil).
		WithSubject(configuration)
}
