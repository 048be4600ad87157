package localengine

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

// probeDialTimeout bounds one TCP readiness check.
const probeDialTimeout = 2 * time.Second

// ProbePort dials the container's allocated host port once. Containers run
// on the host network, so readiness is a plain loopback dial.
func (d *Driver) ProbePort(ctx context.Context, project *types.Project, spec *substrate.ContainerSpec) error {
	if spec.HostPort == 0 {
		return types.UserErrorf("container %s exposes no port", spec.Dir)
	}

	dialer := net.Dialer{Timeout: probeDialTimeout}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(spec.HostPort))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return types.Transientf("port %d not ready: %v", spec.HostPort, err)
	}
	return conn.Close()
}
