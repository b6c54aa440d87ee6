package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"nudge/internal/app"
	logx "nudge/pkg/logx"
	"nudge/pkg/systemd"
)

const usage = `usage: nudged [-config path] [-env-file path] <command> [args]

commands:
  serve                          run the daemon
  jobs list                      list pending jobs
  jobs cancel <job-id>           cancel one job and free its queue slot
  jobs clear                     cancel every pending job
  queues show <user> [-date D]   show a user's per-day queues
  queues clear [<user>] [-date D]
                                 clear one day (today by default) or every queue
  users reset-limit [-limit N]   set every user's daily limit (default from config)
  generate                       run the notification generator once
  prune                          delete expired queue days and old delivered messages
`

func main() {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config json/yaml")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before NUDGE_* overrides")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"serve"}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, app.Options{ConfigPath: cfgPath, EnvFile: envFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if args[0] == "serve" {
		os.Exit(serve(ctx, a))
	}

	err = run(ctx, a, args)
	_ = a.Close()
	if errors.Is(err, errUsage) {
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, a *app.App) int {
	log := a.Log()
	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		return 1
	}
	_ = systemd.Ready()
	_ = systemd.Status("serving")
	go systemd.Watchdog(ctx, log)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_ = systemd.Stopping()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	fatal := a.Err()
	_ = a.Stop(stopCtx, reason)
	if fatal != nil {
		fmt.Fprintln(os.Stderr, "fatal:", fatal)
		return 1
	}
	return 0
}
