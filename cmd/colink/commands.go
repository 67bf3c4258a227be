package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/colink"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/watch"
)

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the connected user and core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt := sessionFrom(cmd).rt
			info, err := rt.Service.RequestInfo(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user_id: %s\nmq_uri: %s\n", rt.CoLink.UserID(), info.MQURI)
			return nil
		},
	}
}

func newReadCommand() *cobra.Command {
	var wait, keys, history bool
	cmd := &cobra.Command{
		Use:   "read <key>",
		Short: "Read an entry, a key path or every key under a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := sessionFrom(cmd).rt.CoLink
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if keys {
				entries, err := cl.ReadKeys(ctx, args[0], history)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(out, "%s\t%q\n", e.KeyPath, e.Payload)
				}
				return nil
			}
			var (
				v   []byte
				err error
			)
			if wait {
				v, err = cl.ReadOrWait(ctx, args[0])
			} else {
				v, err = cl.ReadEntry(ctx, args[0])
			}
			if err != nil {
				return err
			}
			_, err = out.Write(append(v, '\n'))
			return err
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the key exists")
	cmd.Flags().BoolVar(&keys, "keys", false, "list the keys under the given prefix")
	cmd.Flags().BoolVar(&history, "history", false, "with --keys, include every version")
	return cmd
}

func newWriteCommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "write <key> [value]",
		Short: "Create, update or delete an entry",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := sessionFrom(cmd).rt.CoLink
			ctx := cmd.Context()
			var value []byte
			if len(args) == 2 {
				value = []byte(args[1])
			}
			var (
				path string
				err  error
			)
			switch mode {
			case "create":
				path, err = cl.CreateEntry(ctx, args[0], value)
			case "update":
				path, err = cl.UpdateEntry(ctx, args[0], value)
			case "delete":
				path, err = cl.DeleteEntry(ctx, args[0])
			default:
				return fmt.Errorf("unknown mode %q", mode)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "update", "create, update or delete")
	return cmd
}

// newLockCounterCommand runs workers that each increment a shared counter
// under the distributed lock.
func newLockCounterCommand() *cobra.Command {
	var (
		workers int
		key     string
	)
	cmd := &cobra.Command{
		Use:   "lock-counter",
		Short: "Increment a counter from several workers under the lock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl := sessionFrom(cmd).rt.CoLink
			ctx := cmd.Context()
			if _, err := cl.UpdateEntry(ctx, key, []byte("0")); err != nil {
				return err
			}
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				errs []error
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := incrementUnderLock(ctx, cl, key); err != nil {
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if len(errs) > 0 {
				return errs[0]
			}
			v, err := cl.ReadEntry(ctx, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, v)
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 10, "number of concurrent workers")
	cmd.Flags().StringVar(&key, "key", "example_lock_counter", "counter key")
	return cmd
}

func incrementUnderLock(ctx context.Context, cl *colink.CoLink, key string) error {
	tok, err := cl.Lock(ctx, key)
	if err != nil {
		return err
	}
	v, err := cl.ReadEntry(ctx, key)
	if err == nil {
		var n int
		if _, err = fmt.Sscanf(string(v), "%d", &n); err == nil {
			_, err = cl.UpdateEntry(ctx, key, []byte(fmt.Sprint(n+1)))
		}
	}
	if uerr := cl.Unlock(ctx, tok); err == nil {
		err = uerr
	}
	return err
}

func parseParticipants(specs []string) ([]core.Participant, error) {
	out := make([]core.Participant, 0, len(specs))
	for _, s := range specs {
		user, role, ok := strings.Cut(s, ":")
		if !ok || user == "" || role == "" {
			return nil, fmt.Errorf("participant %q: want user_id:role", s)
		}
		out = append(out, core.Participant{UserID: user, Role: role})
	}
	return out, nil
}

func newRunTaskCommand() *cobra.Command {
	var (
		param        string
		participants []string
		agreement    bool
		wait         bool
		expiresIn    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run-task <protocol>",
		Short: "Start a task and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := sessionFrom(cmd).rt.CoLink
			ctx := cmd.Context()
			ps, err := parseParticipants(participants)
			if err != nil {
				return err
			}
			var expiration time.Time
			if expiresIn > 0 {
				expiration = time.Now().Add(expiresIn)
			}
			id, err := cl.RunTaskWithExpiration(ctx, args[0], []byte(param), ps, agreement, expiration)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			if wait {
				return cl.WaitTask(ctx, id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&param, "param", "", "protocol parameter")
	cmd.Flags().StringSliceVarP(&participants, "participant", "p", nil, "participant as user_id:role (repeatable)")
	cmd.Flags().BoolVar(&agreement, "require-agreement", false, "wait for every participant to confirm")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the task is finished")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "task expiration (default: core default)")
	return cmd
}

func newConfirmTaskCommand() *cobra.Command {
	var reject bool
	cmd := &cobra.Command{
		Use:   "confirm-task <task_id>",
		Short: "Approve or reject a task waiting for agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionFrom(cmd).rt.CoLink.ConfirmTask(cmd.Context(), args[0], !reject)
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	return cmd
}

func newWaitTaskCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wait-task <task_id>",
		Short: "Block until a task is finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionFrom(cmd).rt.CoLink.WaitTask(cmd.Context(), args[0])
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the built-in remote storage operators",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sessionFrom(cmd).rt.Serve(cmd.Context(), nil)
		},
	}
}

func newWatchCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Serve change feeds over SSE (/feed) and WebSocket (/ws)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt := sessionFrom(cmd).rt
			mux := http.NewServeMux()
			mux.Handle("/feed", watch.SSEHandler(rt.Service))
			mux.Handle("/ws", watch.WebSocketHandler(rt.Service))
			mux.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
			rt.ListenAndServe(listen, mux)
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "HTTP listen address")
	return cmd
}
