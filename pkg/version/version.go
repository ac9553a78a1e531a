package version

// Version is overridden at build time with -ldflags "-X github.com/openshift/cgroup-ifaces-firewall/pkg/version.Version=<version>".
var Version = "dev"
