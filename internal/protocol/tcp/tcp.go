// Package tcp is a TCP client protocol exchanging delimited text (or hex
// or binary encoded) messages.
package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/protocol/ioclient"
)

// Name is the protocol kind.
const Name = "tcp"

const dialTimeout = 10 * time.Second

// New creates a TCP client protocol for agent. Required config: host,
// port. Optional: messageDelimiter (default "\n"), messageStripDelimiter,
// messageMaxLength and the codec options.
func New(agent *model.Agent) (protocol.Protocol, error) {
	return ioclient.New(Name, NewClient), nil
}

// NewClient builds the stream client for agent.
func NewClient(agent *model.Agent) (ioclient.Client, error) {
	host := agent.ConfigString("host", "")
	port := agent.ConfigInt("port", 0)
	if host == "" || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: host and port are required", protocol.ErrConfiguration)
	}
	codec := ioclient.CodecFor(agent)
	delim, err := ioclient.Delimiter(agent, codec, "\n")
	if err != nil {
		return nil, fmt.Errorf("%w: delimiter: %v", protocol.ErrConfiguration, err)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	open := func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
		return d.DialContext(ctx, "tcp", addr)
	}
	return ioclient.NewStreamClient(
		"tcp://"+addr,
		open,
		delim,
		agent.ConfigBool(ioclient.ConfigStrip, true),
		agent.ConfigInt(ioclient.ConfigMaxLength, 0),
	), nil
}
