package builtin

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/tools"
)

// Exposer publishes a local port and returns the URL it is reachable at.
// Tunnel providers plug in here.
type Exposer interface {
	Expose(ctx context.Context, port int, protocol string) (string, error)
}

// LocalExposer publishes nothing and reports the local address.
type LocalExposer struct {
	Host string
}

func (e LocalExposer) Expose(_ context.Context, port int, protocol string) (string, error) {
	host := e.Host
	if host == "" {
		host = "localhost"
	}
	scheme := protocol
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port))), nil
}

type deployExposePort struct {
	exposer Exposer
	probe   func(ctx context.Context, port int) bool
}

// NewDeployExposePort builds deploy_expose_port. The dispatcher has already
// checked the port against the allowlist by the time Execute runs.
func NewDeployExposePort(exposer Exposer) tools.ToolExecutor {
	return &deployExposePort{exposer: exposer, probe: portListening}
}

func (t *deployExposePort) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:        "deploy_expose_port",
		Version:     "1.0.0",
		Category:    "deploy",
		Tags:        []string{"deploy", "network", "port"},
		Dangerous:   true,
		HostNetwork: true,
	}
}

func (t *deployExposePort) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "deploy_expose_port",
		Description: "Temporarily expose a local port that a service is already listening on. Only allowlisted ports can be exposed.",
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"port": {Type: "integer", Description: "Local port to expose"},
				"protocol": {
					Type:        "string",
					Description: "Protocol (default http)",
					Enum:        []any{"http", "https", "tcp"},
				},
			},
			Required: []string{"port"},
		},
	}
}

func (t *deployExposePort) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	port, ok := tools.IntArg(call.Arguments, "port")
	if !ok || port < 1 || port > 65535 {
		return tools.Failure(call, agenterrors.Denied("invalid port %v", call.Arguments["port"])), nil
	}
	protocol := tools.StringArg(call.Arguments, "protocol")
	if protocol == "" {
		protocol = "http"
	}
	if !t.probe(ctx, port) {
		return tools.Failure(call, agenterrors.Runtimef("no service is listening on port %d; start it first", port)), nil
	}
	url, err := t.exposer.Expose(ctx, port, protocol)
	if err != nil {
		return tools.Failure(call, agenterrors.Runtime(fmt.Errorf("expose port %d: %w", port, err), agenterrors.IsTransient(err))), nil
	}
	return &tools.ToolResult{
		CallID:   call.ID,
		Content:  fmt.Sprintf("Port %d is exposed at %s", port, url),
		Metadata: map[string]any{"port": port, "url": url},
	}, nil
}

func portListening(ctx context.Context, port int) bool {
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
