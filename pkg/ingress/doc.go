// Package ingress is the local-engine preview proxy. It terminates
// HTTP for every hostname under the app domain, resolves
// <dir>.<slug>.<app_domain> to the container's published host port,
// and reverse-proxies the request (WebSocket upgrades included, so
// dev-server HMR works). A target that is down renders a styled 502
// page instead of a bare error, since the person looking at it is
// usually waiting for their container to start. Cluster deployments
// use real Ingress resources instead of this package.
package ingress
