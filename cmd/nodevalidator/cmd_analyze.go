package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nodevalidator/internal/analysis"
)

var (
	analyzeRule string
	analyzeJSON bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Check the last located element against accessibility rules",
	Long: `Sends the details of the most recently located element (outer HTML,
attributes, computed styles) to Gemini together with one rule, or every rule
when --rule is omitted. The server needs analysis.api_key or GEMINI_API_KEY.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ar, err := newClient().Analyze(cmd.Context(), analyzeRule)
		if err != nil {
			return err
		}
		if analyzeJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ar)
		}
		return renderMarkdown(cmd, analysis.Markdown(ar.Selector, ar.Results))
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the accessibility rules the server checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := newClient().Rules(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME")
		for _, r := range rules {
			fmt.Fprintf(tw, "%s\t%s\n", r.ID, r.Name)
		}
		return tw.Flush()
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeRule, "rule", "", "Rule id (default: all rules)")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "Print raw JSON")
	analyzeCmd.AddCommand(rulesCmd)
}
