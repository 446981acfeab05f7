package tools

import (
	"net"
	neturl "net/url"
	"regexp"
	"strconv"
	"strings"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/policy"
)

var (
	siteOperator = regexp.MustCompile(`(?i)\bsite:([^\s"']+)`)
	urlInText    = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>]+`)
)

// CheckURL applies the host network rules to a single URL: http(s) only,
// host not blocked, explicit ports on the allowlist.
func CheckURL(p *policy.Policy, raw string) *agenterrors.ToolError {
	u, err := neturl.Parse(strings.TrimSpace(raw))
	if err != nil {
		return agenterrors.Denied("invalid url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return agenterrors.Denied("url scheme %q is not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return agenterrors.Denied("url %q has no host", raw)
	}
	if domain, blocked := p.DomainBlocked(host); blocked {
		return agenterrors.Denied("domain %s is blocked (matches %s)", host, domain)
	}
	if portText := u.Port(); portText != "" {
		port, err := strconv.Atoi(portText)
		if err != nil {
			return agenterrors.Denied("invalid port %q", portText)
		}
		if port != 80 && port != 443 && !p.PortAllowed(port) {
			return agenterrors.Denied("port %d is not in the allowed ports %v", port, p.AllowedPorts())
		}
	}
	return nil
}

// CheckPort rejects ports outside the allowlist.
func CheckPort(p *policy.Policy, port int) *agenterrors.ToolError {
	if port <= 0 || port > 65535 {
		return agenterrors.Denied("invalid port %d", port)
	}
	if !p.PortAllowed(port) {
		return agenterrors.Denied("port %d is not in the allowed ports %v", port, p.AllowedPorts())
	}
	return nil
}

// checkHostNetwork inspects the network-facing arguments of a host network
// tool call: url, port, and any site: operators or links inside query.
func checkHostNetwork(p *policy.Policy, call ToolCall) *agenterrors.ToolError {
	if raw := StringArg(call.Arguments, "url"); raw != "" {
		if denied := CheckURL(p, raw); denied != nil {
			return denied
		}
	}
	if _, present := call.Arguments["port"]; present {
		port, ok := IntArg(call.Arguments, "port")
		if !ok {
			return agenterrors.Denied("port must be an integer")
		}
		if denied := CheckPort(p, port); denied != nil {
			return denied
		}
	}
	if query := StringArg(call.Arguments, "query"); query != "" {
		for _, m := range siteOperator.FindAllStringSubmatch(query, -1) {
			host := m[1]
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			if domain, blocked := p.DomainBlocked(host); blocked {
				return agenterrors.Denied("search target %s is blocked (matches %s)", host, domain)
			}
		}
		for _, link := range urlInText.FindAllString(query, -1) {
			if denied := CheckURL(p, link); denied != nil {
				return denied
			}
		}
	}
	return nil
}
