package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"procxy/logging"
	"procxy/registry"
	"procxy/transport"
)

// Main turns the current process into a worker when it was started by a
// procxy parent, and returns immediately otherwise. Call it first thing in
// main, after registering classes:
//
//	func main() {
//		registry.MustRegister("Calculator", NewCalculator)
//		worker.Main()
//		...
//	}
//
// In a worker process Main serves registry.Default and never returns.
func Main() {
	if os.Getenv(transport.EnvWorker) == "" {
		return
	}
	os.Exit(Run(context.Background(), registry.Default))
}

// Run serves classes on the inherited channel until the parent disposes the
// instance, closes the channel or sends SIGTERM. It returns the exit code.
func Run(ctx context.Context, classes *registry.Registry) int {
	// Children of the worker are not workers.
	os.Unsetenv(transport.EnvWorker)
	logging.Configure(logging.ProfileWorker)
	log := logging.For("worker")

	conn, err := transport.FileConn(os.NewFile(transport.ChildFD, "procxy-channel"))
	if err != nil {
		log.Error().Err(err).Msg("no channel to parent")
		return 1
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	if err := Serve(ctx, conn, classes, WithLogger(log)); err != nil {
		log.Error().Err(err).Msg("worker stopped")
		return 1
	}
	return 0
}
