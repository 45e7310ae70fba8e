package ioclient

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"agent-gateway/internal/model"
)

// Agent config keys shared by message-oriented protocols.
const (
	ConfigHex       = "messageConvertHex"
	ConfigBinary    = "messageConvertBinary"
	ConfigDelimiter = "messageDelimiter"
	ConfigStrip     = "messageStripDelimiter"
	ConfigMaxLength = "messageMaxLength"
)

// Codec converts between wire bytes and the text messages seen by
// attribute consumers.
type Codec int

const (
	CodecText Codec = iota
	// CodecHex exchanges upper-case hex strings, e.g. "0A1F".
	CodecHex
	// CodecBinary exchanges strings of 0 and 1, eight per byte.
	CodecBinary
)

// CodecFor returns the codec selected by the agent's config.
func CodecFor(agent *model.Agent) Codec {
	switch {
	case agent.ConfigBool(ConfigHex, false):
		return CodecHex
	case agent.ConfigBool(ConfigBinary, false):
		return CodecBinary
	default:
		return CodecText
	}
}

func (c Codec) String() string {
	switch c {
	case CodecHex:
		return "hex"
	case CodecBinary:
		return "binary"
	default:
		return "text"
	}
}

// Encode turns a message into bytes to send.
func (c Codec) Encode(msg string) ([]byte, error) {
	switch c {
	case CodecHex:
		b, err := hex.DecodeString(strings.ReplaceAll(msg, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("hex message %q: %w", msg, err)
		}
		return b, nil
	case CodecBinary:
		bits := strings.ReplaceAll(msg, " ", "")
		if len(bits)%8 != 0 {
			return nil, fmt.Errorf("binary message %q: length not a multiple of 8", msg)
		}
		out := make([]byte, len(bits)/8)
		for i := range out {
			v, err := strconv.ParseUint(bits[i*8:i*8+8], 2, 8)
			if err != nil {
				return nil, fmt.Errorf("binary message %q: %w", msg, err)
			}
			out[i] = byte(v)
		}
		return out, nil
	default:
		return []byte(msg), nil
	}
}

// Decode turns received bytes into a message.
func (c Codec) Decode(b []byte) string {
	switch c {
	case CodecHex:
		return strings.ToUpper(hex.EncodeToString(b))
	case CodecBinary:
		var sb strings.Builder
		for _, v := range b {
			fmt.Fprintf(&sb, "%08b", v)
		}
		return sb.String()
	default:
		return string(b)
	}
}

// Delimiter returns the frame delimiter configured on agent, encoded with
// c, or def when none is set.
func Delimiter(agent *model.Agent, c Codec, def string) ([]byte, error) {
	d := agent.ConfigString(ConfigDelimiter, def)
	if d == "" {
		return nil, nil
	}
	if c == CodecText {
		return []byte(unescape(d)), nil
	}
	return c.Encode(d)
}

// unescape resolves the \n, \r and \t escapes used in YAML-free configs.
func unescape(s string) string {
	r := strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t")
	return r.Replace(s)
}
