// Package serial is a serial port protocol exchanging delimited messages.
package serial

import (
	"context"
	"fmt"
	"io"

	"go.bug.st/serial"

	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/protocol/ioclient"
)

// Name is the protocol kind.
const Name = "serial"

const defaultBaudRate = 9600

// New creates a serial protocol for agent. Required config: serialPort.
// Optional: serialBaudrate (9600), dataBits (8), messageDelimiter ("\n").
func New(agent *model.Agent) (protocol.Protocol, error) {
	return ioclient.New(Name, NewClient), nil
}

// NewClient builds the stream client for agent.
func NewClient(agent *model.Agent) (ioclient.Client, error) {
	portName := agent.ConfigString("serialPort", "")
	if portName == "" {
		return nil, fmt.Errorf("%w: serialPort is required", protocol.ErrConfiguration)
	}
	mode := &serial.Mode{
		BaudRate: agent.ConfigInt("serialBaudrate", defaultBaudRate),
		DataBits: agent.ConfigInt("dataBits", 8),
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	codec := ioclient.CodecFor(agent)
	delim, err := ioclient.Delimiter(agent, codec, "\n")
	if err != nil {
		return nil, fmt.Errorf("%w: delimiter: %v", protocol.ErrConfiguration, err)
	}

	open := func(context.Context) (io.ReadWriteCloser, error) {
		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", portName, err)
		}
		// USB CDC adapters expect DTR/RTS asserted.
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)
		return port, nil
	}
	return ioclient.NewStreamClient(
		"serial://"+portName,
		open,
		delim,
		agent.ConfigBool(ioclient.ConfigStrip, true),
		agent.ConfigInt(ioclient.ConfigMaxLength, 0),
	), nil
}
