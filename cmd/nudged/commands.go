package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"nudge/internal/app"
	"nudge/internal/message"
	"nudge/internal/storage"
)

var errUsage = errors.New("usage")

func run(ctx context.Context, a *app.App, args []string) error {
	switch args[0] {
	case "jobs":
		return jobsCmd(ctx, a, args[1:])
	case "queues":
		return queuesCmd(ctx, a, args[1:])
	case "users":
		return usersCmd(ctx, a, args[1:])
	case "generate":
		return audited(ctx, a, "generate", "", func() (any, error) { return a.Generator().Run(ctx) })
	case "prune":
		return audited(ctx, a, "prune", "", func() (any, error) {
			days, err := a.Queue().Prune(ctx)
			if err != nil {
				return nil, err
			}
			msgs, err := a.PruneMessages(ctx)
			return map[string]int{"queue_days": days, "messages": msgs}, err
		})
	}
	return errUsage
}

func jobsCmd(ctx context.Context, a *app.App, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "list":
		jobs, err := a.Dispatcher().ListPending(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tFIRE AT\tUSER\tPRIORITY\tTITLE")
		for _, j := range jobs {
			user, prio, title := "-", "-", "(message gone)"
			if m, err := a.Store().GetMessage(ctx, j.MessageID); err == nil {
				user, prio, title = m.UserID, m.Priority.String(), m.Title
			} else if !errors.Is(err, message.ErrNotFound) {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.FireAt.Format(time.RFC3339), user, prio, title)
		}
		return tw.Flush()
	case "cancel":
		if len(args) != 2 {
			return errUsage
		}
		id := args[1]
		return audited(ctx, a, "job.cancel", id, func() (any, error) {
			jobs, err := a.Dispatcher().ListPending(ctx)
			if err != nil {
				return nil, err
			}
			for _, j := range jobs {
				if j.ID == id {
					ok, err := a.Admission().CancelJob(ctx, j)
					return map[string]bool{"cancelled": ok}, err
				}
			}
			return map[string]bool{"cancelled": false}, nil
		})
	case "clear":
		return audited(ctx, a, "job.clear", "*", func() (any, error) {
			n, err := a.Dispatcher().ClearAll(ctx)
			return map[string]int{"cleared": n}, err
		})
	}
	return errUsage
}

func queuesCmd(ctx context.Context, a *app.App, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	fs := flag.NewFlagSet("queues "+args[0], flag.ContinueOnError)
	date := fs.String("date", "", "day key YYYY-MM-DD (UTC)")
	var user string
	rest := args[1:]
	if len(rest) > 0 && rest[0] != "" && rest[0][0] != '-' {
		user, rest = rest[0], rest[1:]
	}
	if err := fs.Parse(rest); err != nil {
		return errUsage
	}

	switch args[0] {
	case "show":
		if user == "" {
			return errUsage
		}
		days, err := a.Queue().Days(ctx, user)
		if err != nil {
			return err
		}
		var out []any
		for i := range days {
			if *date == "" || days[i].Key.Date == *date {
				out = append(out, days[i].View())
			}
		}
		return printJSON(out)
	case "clear":
		if user == "" {
			return audited(ctx, a, "queue.clear_all", "*", func() (any, error) {
				n, err := a.Queue().ClearAll(ctx)
				return map[string]int{"cleared": n}, err
			})
		}
		return audited(ctx, a, "queue.clear", user+"/"+*date, func() (any, error) {
			ok, err := a.Queue().Clear(ctx, user, *date)
			return map[string]bool{"cleared": ok}, err
		})
	}
	return errUsage
}

func usersCmd(ctx context.Context, a *app.App, args []string) error {
	if len(args) == 0 || args[0] != "reset-limit" {
		return errUsage
	}
	fs := flag.NewFlagSet("users reset-limit", flag.ContinueOnError)
	limit := fs.Int("limit", a.Config().Queue.DefaultDailyLimit, "daily limit to set")
	if err := fs.Parse(args[1:]); err != nil || *limit < 0 {
		return errUsage
	}
	return audited(ctx, a, "users.reset_limit", fmt.Sprint(*limit), func() (any, error) {
		n, err := a.Store().ResetDailyLimits(ctx, *limit)
		return map[string]int{"updated": n, "limit": *limit}, err
	})
}

// audited runs fn, records it in the audit log and prints the result.
func audited(ctx context.Context, a *app.App, action, target string, fn func() (any, error)) error {
	start := time.Now()
	out, err := fn()
	e := storage.AuditEntry{
		At:     time.Now().UTC(),
		Actor:  "cli",
		Action: action,
		Target: target,
		OK:     err == nil,
		TookMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := a.Store().AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		fmt.Fprintln(os.Stderr, "warning: audit entry not stored:", aerr)
	}
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
