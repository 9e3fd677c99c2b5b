package orchestrator

import (
	"context"
	"fmt"

	"github.com/containerd/log"

	"github.com/spin-stack/diskbox/internal/catalog"
	"github.com/spin-stack/diskbox/internal/ident"
	"github.com/spin-stack/diskbox/internal/lifecycle"
	"github.com/spin-stack/diskbox/internal/session"
)

// ProbeTarget is one encrypted host device to look into.
type ProbeTarget struct {
	Device string
	Kind   ident.StepKind
}

// ProbeEncrypted boots a VM with the targets attached read-only, opens each
// container, classifies its content and closes it again. Results are keyed
// by host device. The VM is stopped before ProbeEncrypted returns.
func (o *Orchestrator) ProbeEncrypted(ctx context.Context, targets []ProbeTarget) (_ map[string]catalog.ProbeResult, retErr error) {
	if len(targets) == 0 {
		return map[string]catalog.ProbeResult{}, nil
	}
	plan := &ident.Plan{Identifier: "probe"}
	for i, t := range targets {
		plan.Attachments = append(plan.Attachments, ident.Attachment{Path: t.Device, ReadOnly: true})
		plan.Steps = append(plan.Steps, ident.Step{
			Kind:       t.Kind,
			Device:     ident.GuestDevice(i),
			Name:       fmt.Sprintf("probe%d", i+1),
			HostDevice: t.Device,
			Index:      i + 1,
		})
	}

	m := &Mount{o: o, req: MountRequest{Plan: plan}, sm: lifecycle.NewStateMachine()}
	defer func() {
		if retErr != nil {
			retErr = m.sm.Fail(retErr)
		} else {
			m.sm.ForceTransition(lifecycle.StateTornDown)
		}
		if res := m.teardown(ctx, true); res.HasErrors() {
			log.G(ctx).WithError(res).Warn("probe VM cleanup incomplete")
		}
	}()

	if err := m.sm.Advance(lifecycle.StateValidating); err != nil {
		return nil, err
	}
	lock, err := o.registry.AcquireLock()
	if err != nil {
		return nil, err
	}
	m.lock = lock
	if _, err := o.registry.Current(ctx); err == nil {
		return nil, fmt.Errorf("cannot probe while mounted: %w", session.ErrAlreadyMounted)
	}
	for _, a := range plan.Attachments {
		if err := o.checkDevice(a.Path, false); err != nil {
			return nil, err
		}
	}
	if err := o.coord.Available(plan.Steps); err != nil {
		return nil, err
	}

	if err := m.boot(ctx); err != nil {
		return nil, err
	}
	if err := m.sm.Advance(lifecycle.StateDecrypting); err != nil {
		return nil, err
	}

	results := make(map[string]catalog.ProbeResult, len(targets))
	for _, step := range plan.Steps {
		sctx, cancel := m.stepContext(ctx, 0)
		res, err := o.coord.Probe(sctx, m.guest, step)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", step.HostDevice, err)
		}
		log.G(ctx).WithFields(log.Fields{"device": step.HostDevice, "content": res.Content}).Debug("probed encrypted device")
		results[step.HostDevice] = res
	}
	return results, nil
}
