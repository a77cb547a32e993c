package domain

import (
	"context"

	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

// Contract is the control surface shared by the in-process supervisor and
// the remote client gateway
type Contract interface {
	Status(ctx context.Context) (*supervisor.Snapshot, error)
	ServiceStatus(ctx context.Context, id string) (supervisor.ServiceState, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	StopAll(ctx context.Context) error
}

// NewSupervisorContract exposes a running supervisor through Contract
func NewSupervisorContract(sup *supervisor.Supervisor) Contract {
	return &supervisorContract{sup: sup}
}

type supervisorContract struct {
	sup *supervisor.Supervisor
}

func (c *supervisorContract) Status(_ context.Context) (*supervisor.Snapshot, error) {
	return c.sup.Snapshot(), nil
}

func (c *supervisorContract) ServiceStatus(_ context.Context, id string) (supervisor.ServiceState, error) {
	return c.sup.ServiceStatus(id)
}

func (c *supervisorContract) Start(ctx context.Context, id string) error {
	return c.sup.Start(ctx, id)
}

func (c *supervisorContract) Stop(ctx context.Context, id string) error {
	return c.sup.Stop(ctx, id)
}

func (c *supervisorContract) StopAll(ctx context.Context) error {
	return c.sup.StopAll(ctx)
}
