package main

import (
	"fmt"

	"github.com/alfredjeanlab/maintpwa/internal/model"
	"github.com/alfredjeanlab/maintpwa/internal/navigation"
	"github.com/alfredjeanlab/maintpwa/internal/ui"
	"github.com/spf13/cobra"
)

var modeCmd = &cobra.Command{
	Use:       "mode [full|minimal]",
	Short:     "Show or set the operating mode",
	GroupID:   "app",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{string(model.ModeFull), string(model.ModeMinimal)},
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRuntime(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer r.Close()

		modes := r.shell.Modes()
		if len(args) == 1 {
			m, err := model.ParseMode(args[0])
			if err != nil {
				return err
			}
			if err := modes.SetMode(m); err != nil {
				return fmt.Errorf("saving mode: %w", err)
			}
		}
		if jsonOutput {
			printJSON(map[string]model.Mode{"mode": modes.Mode()})
			return nil
		}
		fmt.Println(ui.RenderAccent(modes.Mode().String()))
		return nil
	},
}

var routeCmd = &cobra.Command{
	Use:     "route [path]",
	Short:   "Show what the app renders for a path, or for every route",
	GroupID: "app",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRuntime(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer r.Close()

		if len(args) == 1 {
			printDecision(args[0], r.shell.View(args[0]))
			return nil
		}
		decisions := map[string]navigation.Decision{
			navigation.LoginPath: r.shell.View(navigation.LoginPath),
		}
		for _, p := range navigation.Routes() {
			decisions[p] = r.shell.View(p)
		}
		printRoutes(decisions)
		return nil
	},
}
