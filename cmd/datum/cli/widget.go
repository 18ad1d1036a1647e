package cli

import (
	"github.com/spf13/cobra"

	"github.com/faucetdb/datum/internal/datum"
	"github.com/faucetdb/datum/internal/widget"
)

// widgetOutput is what the widget command prints.
type widgetOutput struct {
	Selector     string         `json:"selector"`
	Bundle       string         `json:"bundle"`
	ID           string         `json:"id"`
	HTML         string         `json:"html"`
	Input        map[string]any `json:"input"`
	Extra        map[string]any `json:"extra,omitempty"`
	Inputs       *datum.Rowset  `json:"inputs"`
	Views        []string       `json:"views"`
	Dependencies []*datum.Row   `json:"dependencies"`
}

func newWidgetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "widget <namespace:name> [input-json]",
		Short: "Load a widget and prepare its script context",
		Long: `Load a widget from the namespaces configured under widgets.namespaces and
print its definition together with the context built from the given input.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input map[string]any
			if len(args) == 2 {
				if err := readJSON(args[1], cmd.InOrStdin(), &input); err != nil {
					return err
				}
			}
			db, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			reg := widget.NewRegistry(a.logger)
			for ns, bundle := range a.cfg.Widgets.Namespaces {
				reg.Import(bundle, ns, db)
			}
			w, err := reg.Retrieve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sc, err := w.Context(input)
			if err != nil {
				return err
			}

			out := widgetOutput{
				Selector:     w.Selector.String(),
				Bundle:       w.Bundle,
				ID:           sc.ID,
				HTML:         w.HTML(),
				Input:        sc.Input,
				Extra:        sc.Extra,
				Inputs:       w.Inputs,
				Views:        make([]string, 0, len(w.Views)),
				Dependencies: w.Dependencies,
			}
			for _, v := range w.Views {
				out.Views = append(out.Views, v.ID().String())
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}
