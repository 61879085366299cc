package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/menta2k/visionhub/internal/utils"
	"github.com/menta2k/visionhub/pkg/capability"
	"github.com/menta2k/visionhub/pkg/router"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect registered models",
}

var listTask string

var modelsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered models",
	Args:    cobra.NoArgs,
	RunE:    runModelsList,
}

var selectFlags router.Constraints

var modelsSelectCmd = &cobra.Command{
	Use:   "select <task>",
	Short: "Show how the router ranks models for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsSelect,
}

var modelsPreloadCmd = &cobra.Command{
	Use:   "preload",
	Short: "Load the models listed in lifecycle.preload",
	Args:  cobra.NoArgs,
	RunE:  runModelsPreload,
}

func init() {
	modelsListCmd.Flags().StringVar(&listTask, "task", "", "only list models serving this task")

	f := modelsSelectCmd.Flags()
	f.StringVar(&selectFlags.DeviceClass, "device", "", "device class: server, mobile, edge, embedded")
	f.BoolVar(&selectFlags.RealTime, "realtime", false, "prefer realtime models")
	f.Int64Var(&selectFlags.MaxSize, "max-size", 0, "soft size limit in bytes")
	f.BoolVar(&selectFlags.PreferQuantized, "prefer-quantized", false, "prefer quantized models")
	f.BoolVar(&selectFlags.PreferUnquantized, "prefer-unquantized", false, "prefer unquantized models")
	f.StringVar(&selectFlags.ModelHint, "hint", "", "model id or name to boost")

	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsSelectCmd)
	modelsCmd.AddCommand(modelsPreloadCmd)
}

func runModelsList(cmd *cobra.Command, _ []string) error {
	h, err := openHub()
	if err != nil {
		return err
	}
	defer h.Close()

	var descs []capability.Descriptor
	if listTask != "" {
		descs = h.Registry().ListByTask(listTask, nil)
	} else {
		descs = h.Registry().List()
	}

	if len(descs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No models registered.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASKS\tBACKEND\tSIZE\tQUANTIZED\tLATENCY\tDEVICES")
	for _, d := range descs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			d.ID, strings.Join(d.Tasks, ","), d.Backend, formatSize(d.SizeBytes),
			d.Quantized, orDash(d.LatencyClass), orDash(strings.Join(d.DeviceClasses, ",")))
	}
	return w.Flush()
}

func runModelsSelect(cmd *cobra.Command, args []string) error {
	h, err := openHub()
	if err != nil {
		return err
	}
	defer h.Close()

	task := args[0]
	ranked := h.Router().Rank(task, selectFlags)
	if len(ranked) == 0 {
		return fmt.Errorf("no registered model serves %s", task)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tID\tSCORE\tBACKEND")
	for i, c := range ranked {
		fmt.Fprintf(w, "%d\t%s\t%.3f\t%s\n", i+1, c.Descriptor.ID, c.Score, c.Descriptor.Backend)
	}
	return w.Flush()
}

func runModelsPreload(cmd *cobra.Command, _ []string) error {
	h, err := openHub()
	if err != nil {
		return err
	}
	defer h.Close()

	err = h.Initialize(cmd.Context())
	for _, info := range h.Manager().Loaded() {
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %s (%s)\n", info.ID, info.Backend)
	}
	return err
}

func formatSize(n int64) string {
	if n <= 0 {
		return "-"
	}
	return utils.FormatFileSize(n)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
