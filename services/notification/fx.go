package notification

import (
	"go.uber.org/fx"
)

var Module = fx.Module("notification.publisher",
	fx.Provide(
		NewTaskNotifier,
		func(n *TaskNotifier) Notifier { return n },
	),
)

var WorkerModule = fx.Module("notification.worker",
	fx.Provide(NewWorker),
	fx.Invoke(registerHandlers),
)
