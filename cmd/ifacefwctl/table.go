package main

import (
	"fmt"
	"io"
	"os"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/spf13/cobra"
	"github.com/vishvananda/netlink"
	apierrors "k8s.io/apimachinery/pkg/util/errors"

	ifacefwloader "github.com/openshift/cgroup-ifaces-firewall/pkg/ebpf"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/iftable"
	intfs "github.com/openshift/cgroup-ifaces-firewall/pkg/interfaces"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/utils"
)

const defaultListTemplate = `{{ range . }}{{ printf "%-10d" .Index }} {{ .Name | default "-" }}
{{ end }}`

var listTemplate string

var resolveIndices = intfs.GetInterfaceIndices

var interfaceByIndex = func(idx uint32) (string, bool) {
	l, err := netlink.LinkByIndex(int(idx))
	if err != nil {
		return "", false
	}
	return l.Attrs().Name, true
}

var insertCmd = &cobra.Command{
	Use:   "insert INTERFACE...",
	Short: "Insert interfaces into the table",
	Long: `Insert interfaces into the table. Each argument is an interface name, an
interface index or an index range such as 10-12. Bonds are inserted with
their members.

Example:
  ifacefwctl insert cali0a1b 42 100-103`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return openPinned(func(p *ifacefwloader.Pinned) error {
			return insert(p.Table(), args)
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove INTERFACE...",
	Short: "Remove interfaces from the table",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return openPinned(func(p *ifacefwloader.Pinned) error {
			return remove(p.Table(), args)
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every interface from the table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return openPinned(func(p *ifacefwloader.Pinned) error {
			return p.Table().Clear()
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the interfaces in the table",
	Long: `List the interfaces in the table. The output is rendered with a Go
template, sprig functions included, over a list of {Index, Name} rows.

Example:
  ifacefwctl list
  ifacefwctl list --template '{{ range . }}{{ .Name | upper }} {{ end }}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return openPinned(func(p *ifacefwloader.Pinned) error {
			return list(os.Stdout, p.Table(), listTemplate)
		})
	},
}

func init() {
	listCmd.Flags().StringVar(&listTemplate, "template", defaultListTemplate, "Go template used to render the table")
	rootCmd.AddCommand(insertCmd, removeCmd, clearCmd, listCmd)
}

// parseTargets turns names, indices and index ranges into interface indices.
func parseTargets(args []string) ([]uint32, error) {
	var out []uint32
	var errs []error
	for _, arg := range args {
		if indices, err := utils.ExpandIndices([]string{arg}); err == nil {
			out = append(out, indices...)
			continue
		}
		indices, err := resolveIndices(arg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s is neither an interface index nor an interface: %w", arg, err))
			continue
		}
		out = append(out, indices...)
	}
	return out, apierrors.NewAggregate(errs)
}

func insert(table iftable.Writer, args []string) error {
	indices, err := parseTargets(args)
	if err != nil {
		return err
	}
	var errs []error
	for _, idx := range indices {
		if err := table.Insert(idx); err != nil {
			errs = append(errs, err)
		}
	}
	return apierrors.NewAggregate(errs)
}

func remove(table iftable.Writer, args []string) error {
	indices, err := parseTargets(args)
	if err != nil {
		return err
	}
	var errs []error
	for _, idx := range indices {
		if err := table.Remove(idx); err != nil {
			errs = append(errs, err)
		}
	}
	return apierrors.NewAggregate(errs)
}

type listRow struct {
	Index uint32
	Name  string
}

func list(w io.Writer, table iftable.Table, text string) error {
	tmpl, err := template.New("list").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}
	indices, err := table.List()
	if err != nil {
		return err
	}
	rows := make([]listRow, 0, len(indices))
	for _, idx := range indices {
		name, _ := interfaceByIndex(idx)
		rows = append(rows, listRow{Index: idx, Name: name})
	}
	return tmpl.Execute(w, rows)
}
