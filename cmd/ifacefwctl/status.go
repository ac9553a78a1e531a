package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	ifacefwloader "github.com/openshift/cgroup-ifaces-firewall/pkg/ebpf"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/status"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the mode, table occupancy and attached cgroups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return openPinned(func(p *ifacefwloader.Pinned) error {
			return printStatus(os.Stdout, p, statusOutput)
		})
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "yaml", "output format, yaml or json")
	rootCmd.AddCommand(statusCmd)
}

func printStatus(w io.Writer, src status.Source, format string) error {
	st, err := status.Collect(src)
	if err != nil {
		return err
	}
	var out []byte
	switch format {
	case "yaml":
		out, err = yaml.Marshal(st)
	case "json":
		out, err = json.MarshalIndent(st, "", "  ")
		out = append(out, '\n')
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
