// Package dns serves the wildcard preview zone on local-engine hosts.
//
// Every dev container's preview hostname follows
// <dir>.<slug>.<app_domain>; this server answers A queries for any
// name under the zone with the studio host's IP so browsers reach the
// local ingress without /etc/hosts edits. Queries outside the zone get
// NXDOMAIN: the server is an authoritative island, not a recursor. On
// cluster deployments real DNS points at the ingress controller and
// this package stays disabled.
package dns
