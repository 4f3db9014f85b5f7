package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/app"
	s3blob "github.com/alanyoungcy/lmsrmarket/internal/blob/s3"
)

func newArchiveCommand(env *cmdEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect exported journal and audit windows",
	}
	cmd.AddCommand(newArchiveListCommand(env), newArchiveCatCommand(env))
	return cmd
}

func openArchiveReader(cmd *cobra.Command, env *cmdEnv) (*s3blob.Reader, error) {
	cfg, err := env.loadConfig()
	if err != nil {
		return nil, err
	}
	client, err := app.OpenArchive(cmd.Context(), cfg.S3)
	if err != nil {
		return nil, err
	}
	return s3blob.NewReader(client), nil
}

func newArchiveListCommand(env *cmdEnv) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived windows, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if kind != "trades" && kind != "audit" {
				return fmt.Errorf("--kind must be trades or audit, got %q", kind)
			}
			r, err := openArchiveReader(cmd, env)
			if err != nil {
				return err
			}
			windows, err := s3blob.ListArchived(cmd.Context(), r, kind)
			if err != nil {
				return err
			}
			if len(windows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no archived windows")
				return nil
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Since", "Until", "Bytes", "Path")
			for _, w := range windows {
				if err := table.Append(
					w.Since.Format(time.RFC3339), w.Until.Format(time.RFC3339),
					strconv.FormatInt(w.Object.Size, 10), w.Object.Path,
				); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "trades", "trades or audit")
	return cmd
}

func newArchiveCatCommand(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print one archived window as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, _, ok := s3blob.ParseArchivePath(args[0]); !ok {
				return fmt.Errorf("%s is not an archive path", args[0])
			}
			r, err := openArchiveReader(cmd, env)
			if err != nil {
				return err
			}
			body, err := r.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer body.Close()
			_, err = io.Copy(cmd.OutOrStdout(), body)
			return err
		},
	}
}
