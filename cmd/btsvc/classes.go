package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/btsvc/internal/svcclass"
)

var classesCmd = &cobra.Command{
	Use:   "classes [uuid...]",
	Short: "List known Bluetooth service classes",
	Long: `Lists the service classes the daemon knows. Channel names default to the
class name when createChannel is called without one.

Examples:
  btsvc classes
  btsvc classes 1101 0000111f-0000-1000-8000-00805f9b34fb`,
	RunE: runClasses,
}

var classesProfile string

func init() {
	classesCmd.Flags().StringVar(&classesProfile, "profile", "", "Only classes of this profile (e.g. spp, hfp)")
}

func runClasses(cmd *cobra.Command, args []string) error {
	classes := svcclass.All()
	if len(args) > 0 {
		classes = classes[:0]
		for _, arg := range args {
			c, ok := svcclass.Lookup(arg)
			if !ok {
				return fmt.Errorf("unknown service class %q", arg)
			}
			classes = append(classes, c)
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tNAME\tPROFILE")
	for _, c := range classes {
		if classesProfile != "" && !strings.EqualFold(c.Profile, classesProfile) {
			continue
		}
		id := svcclass.Short(c.UUID)
		if id == "" {
			id = c.UUID
		}
		profile := c.Profile
		if profile == "" {
			profile = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, c.Name, profile)
	}
	return w.Flush()
}
