package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/appsecsanta/mcptunnel/pkg/guard"
)

type serversOptions struct {
	commonOptions
	json bool
}

func newServersCmd() *cobra.Command {
	o := &serversOptions{}
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List discovered MCP servers without starting them",
		Long: `Lists the servers found in the selected discovery sources together with
their source, command and credential findings. Nothing is spawned and
environment values are never printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			assessments, err := discover(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			policy := guard.Policy{SafeOnly: cfg.SafeOnly}
			if o.json {
				return writeServersJSON(cmd.OutOrStdout(), assessments, policy)
			}
			return writeServersTable(cmd.OutOrStdout(), assessments, policy)
		},
	}
	o.register(cmd)
	cmd.Flags().BoolVar(&o.json, "json", false, "Print JSON instead of a table")
	return cmd
}

type serverFinding struct {
	Variable string `json:"variable"`
	Kind     string `json:"kind"`
}

type serverListing struct {
	Name      string          `json:"name"`
	Namespace string          `json:"namespace"`
	Source    string          `json:"source"`
	Path      string          `json:"path"`
	Command   string          `json:"command"`
	Args      []string        `json:"args"`
	EnvKeys   []string        `json:"envKeys"`
	Findings  []serverFinding `json:"findings"`
	Excluded  bool            `json:"excluded"`
}

func listings(assessments []guard.Assessment, policy guard.Policy) []serverListing {
	_, excluded := policy.Apply(assessments)
	skip := make(map[string]bool, len(excluded))
	for _, a := range excluded {
		skip[a.Definition.Key()] = true
	}
	out := make([]serverListing, 0, len(assessments))
	for _, a := range assessments {
		def := a.Definition
		l := serverListing{
			Name:      def.Name,
			Namespace: def.ExposedName(),
			Source:    string(def.Source),
			Path:      def.Path,
			Command:   def.Command,
			Args:      def.Args,
			EnvKeys:   def.EnvKeys(),
			Findings:  []serverFinding{},
			Excluded:  skip[def.Key()],
		}
		if l.Args == nil {
			l.Args = []string{}
		}
		for _, f := range a.Findings {
			l.Findings = append(l.Findings, serverFinding{Variable: f.Variable, Kind: string(f.Kind)})
		}
		out = append(out, l)
	}
	return out
}

func writeServersJSON(w io.Writer, assessments []guard.Assessment, policy guard.Policy) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(listings(assessments, policy))
}

func writeServersTable(w io.Writer, assessments []guard.Assessment, policy guard.Policy) error {
	if len(assessments) == 0 {
		_, err := fmt.Fprintln(w, "No MCP servers discovered.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSOURCE\tCOMMAND\tCREDENTIALS")
	for i, l := range listings(assessments, policy) {
		creds := "-"
		if !assessments[i].Safe() {
			creds = assessments[i].Summary()
			if l.Excluded {
				creds += " (excluded)"
			}
		}
		command := assessments[i].Definition.CommandLine()
		if len(command) > 60 {
			command = command[:57] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Namespace, l.Source, strings.TrimSpace(command), creds)
	}
	return tw.Flush()
}
