/*
Copyright 2022.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/syslog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	utilexec "k8s.io/utils/exec"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	controllerruntimemetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/openshift/cgroup-ifaces-firewall/pkg/cgroup"
	ifacefwloader "github.com/openshift/cgroup-ifaces-firewall/pkg/ebpf"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/ifsyncer"
	intfs "github.com/openshift/cgroup-ifaces-firewall/pkg/interfaces"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/linkwatcher"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/metrics"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/policy"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/status"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/version"
)

const defaultResyncPeriod = 60 * time.Second

var setupLog = ctrl.Log.WithName("setup")

func main() {
	os.Exit(run())
}

func run() int {
	var metricsAddr string
	var probeAddr string
	var policyPath string
	var keepAttached bool
	var syslogAddr string
	// We are host networked, we set default to loopback by default
	flag.StringVar(&probeAddr, "health-probe-bind-address", "127.0.0.1:39300", "The address the probe endpoint binds to.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", "127.0.0.1:39301", "The address the metric endpoint binds to.")
	flag.StringVar(&policyPath, "policy", "", "Path to the interface policy. Calico interfaces are denied when empty.")
	flag.BoolVar(&keepAttached, "keep-attached", false, "Leave the programs attached and the table pinned on exit.")
	flag.StringVar(&syslogAddr, "syslog-address", "", "Unix datagram socket of a syslog server to copy the logs to, e.g. /var/run/syslog.")
	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	if syslogAddr != "" {
		w, err := syslogWriter(syslogAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to connect to syslog at %s: %v\n", syslogAddr, err)
			return 1
		}
		defer w.Close()
		opts.DestWriter = io.MultiWriter(os.Stderr, w)
	}

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	setupLog.Info("Version", "version.Version", version.Version)

	pollPeriod, ok := os.LookupEnv("POLL_PERIOD_SECONDS")
	if !ok {
		setupLog.Error(nil, "POLL_PERIOD_SECONDS env variable must be set")
		return 1
	}
	resyncPeriod, err := resyncPeriodFromEnv()
	if err != nil {
		setupLog.Error(err, "invalid RESYNC_PERIOD_SECONDS")
		return 1
	}

	pol := policy.Default()
	if policyPath != "" {
		if pol, err = policy.Load(policyPath); err != nil {
			setupLog.Error(err, "unable to load policy")
			return 1
		}
	}
	selector, err := pol.Selector()
	if err != nil {
		setupLog.Error(err, "unable to build interface selector")
		return 1
	}
	for _, name := range intfs.InvalidNames(selector.Names()) {
		setupLog.Info("Configured interface is not an up, non-loopback interface yet", "interface", name)
	}

	cgroupPath, err := cgroupPathFromEnv(cgroup.NewResolver(utilexec.New()))
	if err != nil {
		setupLog.Error(err, "unable to find the cgroup to confine")
		return 1
	}
	setupLog.Info("Found cgroup", "cgroup", cgroupPath, "mode", pol.FilterMode())

	stats, err := metrics.NewStatistics(pollPeriod)
	if err != nil {
		setupLog.Error(err, "unable to create new metrics")
		return 1
	}
	stats.Register()

	c, err := ifacefwloader.NewCgroupIfacesFwController(ifacefwloader.Options{
		Mode:       pol.FilterMode(),
		PinPath:    os.Getenv("PIN_PATH"),
		MaxEntries: pol.MaxEntries,
	})
	if err != nil {
		setupLog.Error(err, "unable to load the cgroup interface firewall")
		return 1
	}
	setupLog.Info("Loaded cgroup interface firewall", "pinPath", c.PinPath(), "mode", c.Mode())
	defer func() {
		shutdown := c.Close
		if keepAttached {
			shutdown = c.Release
		}
		if err := shutdown(); err != nil {
			setupLog.Error(err, "problem cleaning up the cgroup interface firewall")
		}
	}()

	syncer := ifsyncer.GetIfSyncer(ctrl.Log.WithName("ifsyncer"), c.Table(), ifsyncer.Config{
		Selector: selector,
		Mode:     pol.FilterMode(),
		FailSafe: pol.FailSafeEnabled(),
	}, nil)

	ctx, cancel := context.WithCancel(ctrl.SetupSignalHandler())
	defer cancel()

	// Fill the table before attaching, so the first packets are already filtered by the full policy.
	if err := syncer.Sync(ctx); err != nil {
		setupLog.Error(err, "initial interface table sync was incomplete")
	}
	if err := c.Attach(cgroupPath); err != nil {
		setupLog.Error(err, "unable to attach to cgroup", "cgroup", cgroupPath)
		return 1
	}

	stats.StartPoll(c.Table(), c)
	defer stats.StopPoll()

	go syncer.Run(ctx, resyncPeriod)
	go func() {
		if err := linkwatcher.New(ctrl.Log, syncer).Run(ctx); err != nil {
			setupLog.Error(err, "link watcher stopped, shutting down")
			cancel()
		}
	}()
	go func() {
		w := cgroup.NewWatcher(ctrl.Log, cgroupPath,
			func(path string) {
				if err := c.Detach(path); err != nil && !errors.Is(err, ifacefwloader.ErrNotAttached) {
					setupLog.Error(err, "unable to detach from removed cgroup", "cgroup", path)
				}
			},
			func(path string) {
				if err := c.Attach(path); err != nil {
					setupLog.Error(err, "unable to attach to re-created cgroup", "cgroup", path)
				}
			},
		)
		if err := w.Run(ctx); err != nil {
			setupLog.Error(err, "cgroup watcher stopped")
		}
	}()

	servers := []*http.Server{
		{Addr: metricsAddr, Handler: metricsMux()},
		{Addr: probeAddr, Handler: probesMux(c)},
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				setupLog.Error(err, "problem running http server", "address", srv.Addr)
				cancel()
			}
		}(srv)
	}

	setupLog.Info("Started cgroup interface firewall")
	<-ctx.Done()
	setupLog.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			setupLog.Error(err, "problem shutting down http server", "address", srv.Addr)
		}
	}
	return 0
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(controllerruntimemetrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

func probesMux(src status.Source) *http.ServeMux {
	mux := http.NewServeMux()
	healthzHandler := &healthz.Handler{Checks: map[string]healthz.Checker{"healthz": healthz.Ping}}
	readyzHandler := &healthz.Handler{Checks: map[string]healthz.Checker{
		"readyz": func(_ *http.Request) error { return status.CheckReady(src) },
	}}
	mux.Handle("/healthz", http.StripPrefix("/healthz", healthzHandler))
	mux.Handle("/healthz/", http.StripPrefix("/healthz", healthzHandler))
	mux.Handle("/readyz", http.StripPrefix("/readyz", readyzHandler))
	mux.Handle("/readyz/", http.StripPrefix("/readyz", readyzHandler))
	return mux
}

// cgroupPathFromEnv returns CGROUP_PATH, the cgroup of the process CGROUP_PID or the cgroup of
// SYSTEMD_SERVICE, in that order.
func cgroupPathFromEnv(r *cgroup.Resolver) (string, error) {
	if p, ok := os.LookupEnv("CGROUP_PATH"); ok && p != "" {
		return p, nil
	}
	if s, ok := os.LookupEnv("CGROUP_PID"); ok && s != "" {
		pid, err := strconv.Atoi(s)
		if err != nil {
			return "", fmt.Errorf("failed to convert CGROUP_PID %q to integer: %v", s, err)
		}
		return r.ByPID(pid)
	}
	service, ok := os.LookupEnv("SYSTEMD_SERVICE")
	if !ok || service == "" {
		return "", fmt.Errorf("CGROUP_PATH, CGROUP_PID or SYSTEMD_SERVICE env variable must be set")
	}
	return r.ServicePath(service)
}

// syslogWriter connects to a syslog server listening on a unix datagram socket, such as cmd/syslog.
func syslogWriter(address string) (io.WriteCloser, error) {
	return syslog.Dial("unixgram", address, syslog.LOG_INFO|syslog.LOG_DAEMON, "cgroup-ifaces-firewall")
}

func resyncPeriodFromEnv() (time.Duration, error) {
	s, ok := os.LookupEnv("RESYNC_PERIOD_SECONDS")
	if !ok || s == "" {
		return defaultResyncPeriod, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("failed to convert %q to integer: %v", s, err)
	}
	if i <= 0 {
		return 0, fmt.Errorf("resync period must be positive, got %d", i)
	}
	return time.Duration(i) * time.Second, nil
}
