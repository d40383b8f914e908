package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"nodevalidator/internal/csvio"
	"nodevalidator/internal/report"
)

var (
	exportScope string
	exportOut   string
	reportName  string
	reportScope string
	reportCSV   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export results as CSV",
	Long: `Writes url,targetNode,status,comments for every item (--scope all) or
only the items of the current run (--scope run, from its filter start).
Without --out the file is named node-validation-results-<timestamp>.csv.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var buf bytes.Buffer
		name, err := newClient().Export(cmd.Context(), exportScope, &buf)
		if err != nil {
			return err
		}
		path := exportOut
		if path == "-" {
			_, err := cmd.OutOrStdout().Write(buf.Bytes())
			return err
		}
		if path == "" {
			path = name
		}
		if path == "" {
			path = csvio.Filename(nowFunc())
		}
		if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List saved reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		reps, err := newClient().Reports(cmd.Context())
		if err != nil {
			return err
		}
		if len(reps) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No saved reports")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCREATED\tTOTAL\tREVIEWED")
		for _, r := range reps {
			sum := report.FromMap(r.Summary)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", r.ID, r.Name, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Total, sum.Reviewed())
		}
		return tw.Flush()
	},
}

var reportsSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save the current items as a report",
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := newClient().SaveReport(cmd.Context(), reportName, reportScope)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s, %d items)\n", rep.ID, rep.Name, rep.Total)
		return nil
	},
}

var reportsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a saved report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := newClient().Report(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if reportCSV != "" {
			f, err := os.Create(filepath.Clean(reportCSV))
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", reportCSV, err)
			}
			defer f.Close()
			if err := csvio.Write(f, rep.Items); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", reportCSV)
			return nil
		}
		md := report.Summarize(rep.Items).Markdown(rep.Name)
		return renderMarkdown(cmd, md)
	},
}

var reportsDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a saved report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeleteReport(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportScope, "scope", "all", "run or all")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file, - for stdout")

	reportsSaveCmd.Flags().StringVar(&reportName, "name", "", "Report name (default: timestamped file name)")
	reportsSaveCmd.Flags().StringVar(&reportScope, "scope", "all", "run or all")
	reportsShowCmd.Flags().StringVar(&reportCSV, "csv", "", "Write the report items to this CSV file instead")

	reportsCmd.AddCommand(reportsSaveCmd, reportsShowCmd, reportsDeleteCmd)
}

// renderMarkdown prints md styled for the terminal, or raw when rendering fails.
func renderMarkdown(cmd *cobra.Command, md string) error {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err == nil {
		if out, rerr := r.Render(md); rerr == nil {
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		}
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), md)
	return err
}
