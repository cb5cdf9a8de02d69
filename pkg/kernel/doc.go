/*
Package kernel is the coordination core for multi-agent pipelines.

# Overview

kernel wires six cooperating components behind one facade:

  - an event bus with four priority lanes and bounded history
  - a message router delivering typed, addressed messages
  - a task scheduler with priorities, dependencies, and retry backoff
  - an error recovery manager with pluggable strategies and thresholds
  - a config watcher that validates and hot-applies document changes
  - a lifecycle coordinator sequencing startup and shutdown

Participants (agents, an API layer, a CLI) register message and task
handlers before startup, then interact through tasks, messages, and
events. The kernel never persists tasks or messages across restarts.

# Basic Usage

	sys, err := kernel.New(kernel.Config{ConfigDir: "config"})
	if err != nil {
	    log.Fatal(err)
	}

	sys.RegisterTaskHandler("render_scene", func(ctx context.Context, payload any) (any, error) {
	    return render(ctx, payload)
	})

	if err := sys.Start(context.Background()); err != nil {
	    log.Fatal(err)
	}
	defer sys.Stop(context.Background())

	id, err := sys.SubmitTask(sched.Task{Kind: "render_scene", Priority: 5})

Each component is usable on its own; the subpackages under pkg/kernel
document their individual contracts.
*/
package kernel
