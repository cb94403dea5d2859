package deadletter

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"

	"attribution-pipeline/pkg/taskname"
)

// Module archives and purges dead letters. Processes that own live queues
// add ReplayHandler to serve replays.
var Module = fx.Module("deadletter.service",
	fx.Provide(
		Provide,
		NewScheduler,
	),
	fx.Invoke(StartScheduler),
)

var ReplayHandler = fx.Invoke(registerHandlers)

func Provide(p Params) (*Service, error) {
	if err := p.DB.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return NewService(p), nil
}

func registerHandlers(mux *asynq.ServeMux, svc *Service, r Replayer) {
	mux.HandleFunc(taskname.DeadLetterReplay, svc.ReplayHandler(r))
}

