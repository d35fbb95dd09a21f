package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zenflux/zenflux/internal/config"
	"github.com/zenflux/zenflux/internal/observability"
	"github.com/zenflux/zenflux/internal/skills"
)

func buildSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect the skills catalogue",
	}
	cmd.AddCommand(buildSkillsListCmd())
	return cmd
}

func buildSkillsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resolved skills with status and group",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(observability.LogConfig{Level: "warn"})
			mgr, err := skills.NewManager(skills.ManagerOptions{Config: cfg.Skills, Logger: logger})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tGROUP\tBACKEND\tSTATUS\tREASON")
			for _, sk := range mgr.Catalogue() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					sk.Name, sk.Group, sk.Backend, sk.Status, sk.StatusReason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "zenflux.yaml", "Path to YAML configuration file")
	return cmd
}
