package cmd

import (
	"fmt"

	"argus/registry"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Rule definition utilities",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <dir>",
	Short: "Validate a rule directory without starting the engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := registry.NewLoader()
		reg := registry.New(zap.NewNop().Sugar())
		if errs := loader.LoadDirInto(reg, args[0]); len(errs) > 0 {
			for _, e := range errs {
				fmt.Printf("INVALID  %s: %s\n", e.RuleID, e.Reason)
			}
			return fmt.Errorf("%d validation errors", len(errs))
		}
		rs := reg.Active()
		for _, r := range rs.Rules {
			fmt.Printf("OK       %s (%s, window %s %s)\n", r.RuleID, r.Source, r.Window.Duration, r.Window.Kind)
		}
		fmt.Printf("%d rules, %d reference sets\n", len(rs.Rules), len(rs.Refs))
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
}
