// Package version carries the agent's build-time version stamp,
// reported both in logs at startup and as a Prometheus build-info
// gauge, the way the teacher's cmd/machine-api-operator stamps its own
// binary.
package version

import (
	"fmt"
	"strings"

	"github.com/blang/semver"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Raw is the string representation of the version. Replaced with
	// the calculated version at build time via -ldflags.
	Raw = "v0.0.0-was-not-built-properly"

	// Version is semver representation of the version.
	Version = semver.MustParse(strings.TrimLeft(Raw, "v"))

	// String is the human-friendly representation of the version.
	String = fmt.Sprintf("adu-agent %s", Raw)
)

func init() {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adu_agent_build_info",
			Help: "A metric with a constant '1' value labeled by version from which the device update agent was built.",
		},
		[]string{"version"},
	)
	buildInfo.WithLabelValues(String).Set(1)

	prometheus.MustRegister(buildInfo)
}
