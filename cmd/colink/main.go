// Command colink is a client for a CoLink core: it inspects and writes
// entries, runs and waits for tasks, serves the built-in operators and
// streams change feeds over HTTP.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/app"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/config"
)

type runtimeKey struct{}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "colink",
		Short:         "CoLink coordination client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, cancel := app.WithSignalCancel(cmd.Context())
			rt, err := app.Start(ctx, cfg)
			if err != nil {
				cancel()
				return err
			}
			cmd.SetContext(context.WithValue(ctx, runtimeKey{}, &session{rt: rt, cancel: cancel}))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			s := sessionFrom(cmd)
			defer s.cancel()
			return s.rt.Close(context.Background())
		},
	}
	config.BindFlags(root.PersistentFlags())
	root.AddCommand(
		newInfoCommand(),
		newReadCommand(),
		newWriteCommand(),
		newLockCounterCommand(),
		newRunTaskCommand(),
		newConfirmTaskCommand(),
		newWaitTaskCommand(),
		newServeCommand(),
		newWatchCommand(),
	)
	return root
}

type session struct {
	rt     *app.Runtime
	cancel context.CancelFunc
}

func sessionFrom(cmd *cobra.Command) *session {
	return cmd.Context().Value(runtimeKey{}).(*session)
}
