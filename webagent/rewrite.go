package webagent

import (
	"net/url"
	"strings"
)

// URLRewriter translates URLs between the agent's view of the world and the
// benchmark's. Agents are handed URLs rewritten to localhost; navigate URLs
// they return are rewritten back to the configured demo-webs endpoint so an
// agent cannot steer the browser outside the evaluation context.
type URLRewriter struct {
	// DemoWebsEndpoint is the host agents' returned URLs are anchored to
	// (e.g. "http://demo-webs.internal:8000").
	DemoWebsEndpoint string
}

// ForceLocalhost rewrites the URL's host to localhost, preserving port,
// path and query. Empty and unparseable URLs pass through unchanged.
func (r URLRewriter) ForceLocalhost(original string) string {
	if original == "" {
		return original
	}
	parsed, err := url.Parse(original)
	if err != nil || parsed.Host == "" {
		return original
	}

	host := "localhost"
	if port := parsed.Port(); port != "" {
		host = host + ":" + port
	}
	parsed.Host = host
	return parsed.String()
}

// RewriteToRemote anchors the URL to the demo-webs endpoint: relative paths
// are prefixed with it, absolute URLs have scheme and host replaced. With no
// endpoint configured the URL passes through unchanged.
func (r URLRewriter) RewriteToRemote(original string) string {
	if original == "" || r.DemoWebsEndpoint == "" {
		return original
	}

	remote := r.DemoWebsEndpoint
	if !strings.Contains(remote, "://") {
		remote = "http://" + remote
	}
	remoteParsed, err := url.Parse(remote)
	if err != nil || remoteParsed.Host == "" {
		return original
	}

	if strings.HasPrefix(original, "/") {
		return remoteParsed.Scheme + "://" + remoteParsed.Host + original
	}

	parsed, err := url.Parse(original)
	if err != nil {
		return original
	}
	if parsed.Scheme == "" && parsed.Host == "" {
		return remoteParsed.Scheme + "://" + remoteParsed.Host + "/" + original
	}

	parsed.Scheme = remoteParsed.Scheme
	parsed.Host = remoteParsed.Host
	return parsed.String()
}
