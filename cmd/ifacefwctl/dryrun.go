package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	ifacefwloader "github.com/openshift/cgroup-ifaces-firewall/pkg/ebpf"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/filter"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/iftable"
	intfs "github.com/openshift/cgroup-ifaces-firewall/pkg/interfaces"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/utils"
)

var (
	dryRunMode      string
	dryRunIndices   []string
	dryRunDirection string
)

var dryRunCmd = &cobra.Command{
	Use:   "dryrun CAPTURE.pcapng",
	Short: "Show the verdict the filter would give each packet of a capture",
	Long: `Replay a pcapng capture through the decision function. Interface names
recorded in the capture are resolved against the interfaces of this host.

By default the pinned table and mode are used. With --indices the table is
built from the given indices instead and nothing needs to be pinned.

Example:
  ifacefwctl dryrun trace.pcapng
  ifacefwctl dryrun trace.pcapng --mode allow --indices 1,5-7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		dir := filter.Egress
		switch dryRunDirection {
		case "egress":
		case "ingress":
			dir = filter.Ingress
		default:
			return fmt.Errorf("unknown direction %q", dryRunDirection)
		}

		if len(dryRunIndices) > 0 {
			mode, err := filter.ParseMode(dryRunMode)
			if err != nil {
				return err
			}
			table, err := tableFromIndices(dryRunIndices)
			if err != nil {
				return err
			}
			return dryRun(os.Stdout, f, filter.New(table, mode), dir, hostResolver)
		}
		return openPinned(func(p *ifacefwloader.Pinned) error {
			mode := p.Mode()
			if cmd.Flags().Changed("mode") {
				if mode, err = filter.ParseMode(dryRunMode); err != nil {
					return err
				}
			}
			return dryRun(os.Stdout, f, filter.New(p.Table(), mode), dir, hostResolver)
		})
	},
}

// hostResolver resolves names recorded in a capture against the interfaces of this network namespace.
func hostResolver(name string) (uint32, bool) {
	idx, err := intfs.GetInterfaceIndex(name)
	return idx, err == nil
}

func init() {
	dryRunCmd.Flags().StringVar(&dryRunMode, "mode", "deny", "filter mode, allow or deny; defaults to the pinned mode")
	dryRunCmd.Flags().StringSliceVar(&dryRunIndices, "indices", nil, "interface indices or ranges to evaluate against instead of the pinned table")
	dryRunCmd.Flags().StringVar(&dryRunDirection, "direction", "egress", "hook to evaluate, egress or ingress")
	rootCmd.AddCommand(dryRunCmd)
}

func tableFromIndices(specs []string) (*iftable.MemTable, error) {
	indices, err := utils.ExpandIndices(specs)
	if err != nil {
		return nil, err
	}
	table, err := iftable.NewMemTable(iftable.MaxEntries)
	if err != nil {
		return nil, err
	}
	for _, idx := range indices {
		if err := table.Insert(idx); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func dryRun(w io.Writer, capture io.Reader, f *filter.Filter, dir filter.Direction, resolve filter.Resolver) error {
	packets, err := filter.ReadCapture(capture, resolve)
	if err != nil {
		return err
	}
	hook := f.Hook(dir)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tINTERFACE\tIFINDEX\tLENGTH\tVERDICT")
	var passed, dropped int
	for _, pkt := range packets {
		verdict := hook(pkt)
		if verdict == filter.Pass {
			passed++
		} else {
			dropped++
		}
		ifindex := "-"
		if idx, ok := pkt.InterfaceIndex(); ok {
			ifindex = fmt.Sprint(idx)
		}
		name := pkt.Interface
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", pkt.Seq, name, ifindex, pkt.Length, verdict)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\n%s %s mode: %d passed, %d dropped\n", dir, f.Mode(), passed, dropped)
	return err
}
