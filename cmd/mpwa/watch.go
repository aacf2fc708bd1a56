package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alfredjeanlab/maintpwa/internal/model"
	"github.com/alfredjeanlab/maintpwa/internal/ui"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Stream vehicle and intervention changes until interrupted",
	GroupID: "realtime",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tables, _ := cmd.Flags().GetStringSlice("table")
		want, err := parseTables(tables)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r, err := openRuntime(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer r.Close()

		if !r.shell.Store().Session().Authenticated() {
			return errors.New("not signed in; run `mpwa login` first")
		}

		errs := make(chan error, 1)
		unsubErr := r.shell.OnError(func(err error) {
			select {
			case errs <- err:
			default:
			}
		})
		defer unsubErr()

		events := make(chan model.ChangeEvent, 64)
		unsub := r.shell.Subscribe(func(ev model.ChangeEvent) {
			if !want[ev.Table] {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		defer unsub()

		// Sign-out from another device or a failed refresh ends the stream.
		signedOut := make(chan struct{})
		unsubSession := r.shell.Store().Subscribe(func(_, next model.Session) {
			if !next.Authenticated() {
				select {
				case <-signedOut:
				default:
					close(signedOut)
				}
			}
		})
		defer unsubSession()

		if !jsonOutput {
			bridge := r.shell.Bridge()
			owner := bridge.Owner().UserID
			for _, t := range model.Tables {
				if want[t] {
					fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderMuted("watching "+t.String()+" for "+owner), ui.RenderChannelState(bridge.State(t)))
				}
			}
		}

		for {
			select {
			case ev := <-events:
				printChangeEvent(ev)
			case err := <-errs:
				fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderError("realtime:"), err)
			case <-signedOut:
				return errors.New("session ended")
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil
				}
				return ctx.Err()
			}
		}
	},
}

func init() {
	watchCmd.Flags().StringSlice("table", nil, "tables to show (vehicles, interventions); default all")
}

func parseTables(names []string) (map[model.Table]bool, error) {
	want := make(map[model.Table]bool, len(model.Tables))
	if len(names) == 0 {
		for _, t := range model.Tables {
			want[t] = true
		}
		return want, nil
	}
	for _, n := range names {
		t := model.Table(n)
		if !t.IsValid() {
			return nil, fmt.Errorf("unknown table %q (want %s or %s)", n, model.TableVehicles, model.TableInterventions)
		}
		want[t] = true
	}
	return want, nil
}
