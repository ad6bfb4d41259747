package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/alexjbarnes/dirsync/internal/logging"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newProjectCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage remote projects",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Create a root project and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}

			client, closeClient, err := openBackend(cmd.Context(), cfg, afero.NewOsFs(), logging.NewLogger(cmd.ErrOrStderr(), cfg.IsProduction()))
			if err != nil {
				return err
			}
			defer closeClient()

			project, err := client.CreateProject(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("creating project: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), project.ID)

			return err
		},
	})

	return cmd
}

func newLsCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ls ENTITY-ID",
		Short: "List the children of a remote project or folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}

			client, closeClient, err := openBackend(ctx, cfg, afero.NewOsFs(), logging.NewLogger(cmd.ErrOrStderr(), cfg.IsProduction()))
			if err != nil {
				return err
			}
			defer closeClient()

			children, err := client.GetChildren(ctx, args[0])
			if err != nil {
				return fmt.Errorf("listing %s: %w", args[0], err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tKIND\tVERSION\tNAME")

			for _, c := range children {
				e, err := client.Get(ctx, c.ID)
				if err != nil {
					return fmt.Errorf("fetching %s: %w", c.ID, err)
				}

				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.ID, e.Kind, e.Version, e.Name)
			}

			return w.Flush()
		},
	}
}
