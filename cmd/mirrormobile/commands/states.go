package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/chenxiaolong/MirrorMobile/internal/mirror"
	"github.com/spf13/cobra"
)

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "List the mirroring states",
	Long: `List every state of the mirroring lifecycle with the resources it holds,
the operations it accepts and what the head unit shows in it.`,
	Example: `  # List states in table format (default)
  mirrormobile states

  # List states in JSON format
  mirrormobile states --format json`,
	RunE: runStates,
}

var statesFormat string

func init() {
	rootCmd.AddCommand(statesCmd)

	statesCmd.Flags().StringVarP(&statesFormat, "format", "f", "table", "output format (table, json or yaml)")
}

type stateInfo struct {
	State     string   `json:"state" yaml:"state"`
	Phase     string   `json:"phase" yaml:"phase"`
	Service   bool     `json:"service" yaml:"service"`
	Surface   bool     `json:"surface" yaml:"surface"`
	Driving   bool     `json:"driving" yaml:"driving"`
	Supported []string `json:"supported" yaml:"supported"`
	Button    string   `json:"button" yaml:"button"`
	Message   string   `json:"message,omitempty" yaml:"message,omitempty"`
}

func describeStates() []stateInfo {
	var states []stateInfo
	for _, k := range mirror.Kinds() {
		tmpl := mirror.TemplateFor(k, false)

		var supported []string
		for _, op := range k.Supported().Ops() {
			supported = append(supported, op.String())
		}

		states = append(states, stateInfo{
			State:     k.String(),
			Phase:     k.Phase().String(),
			Service:   k.HasService(),
			Surface:   k.HasSurface(),
			Driving:   k.IsDriving(),
			Supported: supported,
			Button:    tmpl.Title(),
			Message:   tmpl.Message,
		})
	}
	return states
}

func runStates(cmd *cobra.Command, args []string) error {
	states := describeStates()
	if statesFormat != "table" {
		return printFormatted(os.Stdout, states, statesFormat)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "STATE\tPHASE\tSERVICE\tSURFACE\tDRIVING\tBUTTON\tACCEPTS")
	fmt.Fprintln(w, "-----\t-----\t-------\t-------\t-------\t------\t-------")

	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.State, s.Phase, yesNo(s.Service), yesNo(s.Surface), yesNo(s.Driving),
			s.Button, strings.Join(s.Supported, ", "))
	}

	return nil
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
