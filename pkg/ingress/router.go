package ingress

import (
	"fmt"
	"net"
	"strings"

	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/types"
)

// router resolves preview hostnames to proxy targets using the
// container graph in the store. It is stateless; every request sees
// the current rows, so a freshly exposed port routes without reloads.
type router struct {
	store  storage.Store
	domain string // Lowercase app domain, no leading dot
}

// target is a resolved backend plus the context the error page needs.
type target struct {
	project *types.Project
	dir     string
	addr    string // host:port of the published dev port
}

// splitHost breaks a request host into (dir, slug). The hostname rule
// is exactly two labels above the app domain; anything else is not a
// preview host.
func (rt *router) splitHost(host string) (dir, slug string, ok bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	suffix := "." + rt.domain
	if !strings.HasSuffix(host, suffix) {
		return "", "", false
	}
	labels := strings.Split(strings.TrimSuffix(host, suffix), ".")
	if len(labels) != 2 || labels[0] == "" || labels[1] == "" {
		return "", "", false
	}
	return labels[0], labels[1], true
}

// resolve maps a request host to its backend address. A nil error with
// an empty addr means the container exists but has no published port
// yet; the caller renders the 502 page for it.
func (rt *router) resolve(host string) (*target, error) {
	dir, slug, ok := rt.splitHost(host)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a preview hostname", types.ErrNotFound, host)
	}

	project, err := rt.store.GetProjectBySlug(slug)
	if err != nil {
		return nil, err
	}
	node, err := rt.store.GetContainerNode(project.ID, dir)
	if err != nil {
		return nil, err
	}

	t := &target{project: project, dir: dir}
	if node.HostPort > 0 {
		t.addr = fmt.Sprintf("127.0.0.1:%d", node.HostPort)
	}
	return t, nil
}
