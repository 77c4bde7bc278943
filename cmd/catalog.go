package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/agnfit-cli/internal/catalog"
	"github.com/sells-group/agnfit-cli/internal/model"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect photometric catalogs",
}

var catalogInspectCmd = &cobra.Command{
	Use:         "inspect <settings.yaml>",
	Short:       "Load a catalog and print its normalized sources",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{settingsArgAnnotation: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		cat, err := catalog.Load(cmd.Context(), cfg.Catalog, cfg.Filters)
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		records := make([]model.SourceRecord, 0, cat.Len())
		for i := 0; i < cat.Len() && (limit <= 0 || i < limit); i++ {
			src, err := cat.Get(i)
			if err != nil {
				return err
			}
			records = append(records, src)
		}

		fmt.Fprintf(os.Stdout, "%s: %d sources, bands %s\n\n", cat.Name(), cat.Len(), strings.Join(cat.Bands(), " "))
		formatSources(os.Stdout, records)
		return nil
	},
}

// formatSources writes one row per source to w.
func formatSources(out io.Writer, records []model.SourceRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LINE\tNAME\tZ\tPOINTS\tDETECTIONS\tRADIO\tXRAY\tDLUM_CM")
	_, _ = fmt.Fprintln(w, "----\t----\t-\t------\t----------\t-----\t----\t-------")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%.4e\n",
			r.Line, r.Name, r.RedshiftText, r.NPoints(), r.NDetections(), r.NRadio, r.NXray, r.DLum)
	}
	_ = w.Flush()
}

func init() {
	catalogInspectCmd.Flags().Int("limit", 20, "max number of sources to print (0 for all)")
	catalogCmd.AddCommand(catalogInspectCmd)
	rootCmd.AddCommand(catalogCmd)
}
