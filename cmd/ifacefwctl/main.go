package main

import (
	"os"

	"github.com/spf13/cobra"

	ifacefwloader "github.com/openshift/cgroup-ifaces-firewall/pkg/ebpf"
)

var pinPath string

var rootCmd = &cobra.Command{
	Use:   "ifacefwctl",
	Short: "Inspect and edit the cgroup interface firewall",
	Long: `ifacefwctl works on the interface table and mode pinned by the cgroup
interface firewall daemon.

Changes made with insert, remove or clear are picked up by the attached
programs immediately. The daemon resyncs the table periodically, so manual
edits that contradict its policy are reverted.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&pinPath, "pin-path", ifacefwloader.DefaultPinPath, "bpffs directory of the pinned table")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openPinned opens the pinned objects and passes them to fn.
func openPinned(fn func(p *ifacefwloader.Pinned) error) error {
	p, err := ifacefwloader.OpenPinned(pinPath)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(p)
}
