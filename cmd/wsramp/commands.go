package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/torosent/wsramp/internal/config"
)

func newPlansCommand(stdout io.Writer) *cobra.Command {
	var printPlan bool
	cmd := &cobra.Command{
		Use:   "plans [plan]",
		Short: "List available plans, or print one resolved as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader().LoadFlags(cmd.Flags(), args)
			if err != nil {
				return err
			}
			if printPlan || len(args) == 1 {
				plan, err := cfg.ResolvePlan()
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(stdout)
				enc.SetIndent(2)
				if err := enc.Encode(plan); err != nil {
					return fmt.Errorf("encode plan: %w", err)
				}
				return enc.Close()
			}
			return listPlans(stdout, cfg)
		},
	}
	config.RegisterFlags(cmd)
	cmd.Flags().BoolVar(&printPlan, "print", false, "Print the selected plan with inherited values filled in")
	return cmd
}

func listPlans(w io.Writer, cfg *config.Config) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAN\tSCENARIOS\tDURATION")
	for _, name := range cfg.PlanNames() {
		named := *cfg
		named.Plan = name
		named.Scenarios = nil
		plan, err := named.ResolvePlan()
		if err != nil {
			fmt.Fprintf(tw, "%s\tinvalid\t%v\n", name, err)
			continue
		}
		marker := ""
		if name == cfg.Plan && len(cfg.Scenarios) == 0 {
			marker = " *"
		}
		fmt.Fprintf(tw, "%s%s\t%d\t%s\n", name, marker, len(plan.Scenarios), plan.Duration())
	}
	if len(cfg.Scenarios) > 0 {
		plan, err := cfg.ResolvePlan()
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s *\t%d\t%s\n", plan.Name, len(plan.Scenarios), plan.Duration())
	}
	return tw.Flush()
}

func newValidateCommand(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [plan]",
		Short: "Check configuration and thresholds without connecting",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader().LoadFlags(cmd.Flags(), args)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			plan, err := cfg.ResolvePlan()
			if err != nil {
				return err
			}
			if _, _, err := buildThresholds(cfg, plan); err != nil {
				return err
			}
			if _, err := toRunnerScenarios(cfg, plan); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "configuration OK: plan %s, %d scenario(s), %s\n", plan.Name, len(plan.Scenarios), plan.Duration())
			return nil
		},
	}
	config.RegisterFlags(cmd)
	return cmd
}
