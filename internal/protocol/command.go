package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Verb names a command sent on the command channel.
type Verb string

const (
	VerbRegister   Verb = "register"
	VerbDeregister Verb = "deregister"
	VerbDisconnect Verb = "disconnect"
	VerbReconnect  Verb = "reconnect"
	VerbSend       Verb = "msend"
)

// AckOK is the acknowledgement token written after every processed command.
const AckOK = "OK"

const nackPrefix = "ERR"

var (
	// ErrUnknownVerb is returned by ParseCommand for verbs outside the protocol.
	ErrUnknownVerb = errors.New("protocol: unknown command verb")

	// ErrMalformedCommand is returned when a known verb has missing or invalid arguments.
	ErrMalformedCommand = errors.New("protocol: malformed command")
)

// Command is a parsed command-channel line.
type Command struct {
	Verb Verb

	// Port is the message-channel port for register and reconnect.
	Port int

	// ClientID is the optional trailing client id the reference participant
	// appends to lifecycle commands.
	ClientID    int64
	HasClientID bool

	// Text is the payload of msend, verbatim after the first space.
	Text string
}

// ParseCommand parses one command line. For unknown verbs the returned
// Command still carries the verb so callers can log it.
func ParseCommand(line string) (Command, error) {
	verb, rest, _ := strings.Cut(line, " ")
	cmd := Command{Verb: Verb(verb)}

	switch cmd.Verb {
	case VerbSend:
		if rest == "" {
			return cmd, fmt.Errorf("%w: msend requires text", ErrMalformedCommand)
		}
		cmd.Text = rest
		return cmd, nil
	case VerbRegister, VerbReconnect:
		args := strings.Fields(rest)
		if len(args) < 1 || len(args) > 2 {
			return cmd, fmt.Errorf("%w: %s expects <port> [id], got %q", ErrMalformedCommand, verb, rest)
		}
		port, err := strconv.Atoi(args[0])
		if err != nil || port < 0 || port > 65535 {
			return cmd, fmt.Errorf("%w: invalid port %q", ErrMalformedCommand, args[0])
		}
		cmd.Port = port
		return cmd, parseClientID(&cmd, args[1:])
	case VerbDeregister, VerbDisconnect:
		args := strings.Fields(rest)
		if len(args) > 1 {
			return cmd, fmt.Errorf("%w: %s expects [id], got %q", ErrMalformedCommand, verb, rest)
		}
		return cmd, parseClientID(&cmd, args)
	default:
		return cmd, fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
	}
}

func parseClientID(cmd *Command, args []string) error {
	if len(args) == 0 {
		return nil
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid client id %q", ErrMalformedCommand, args[0])
	}
	cmd.ClientID = id
	cmd.HasClientID = true
	return nil
}

// String renders the command in wire form.
func (c Command) String() string {
	var b strings.Builder
	b.WriteString(string(c.Verb))
	switch c.Verb {
	case VerbSend:
		b.WriteByte(' ')
		b.WriteString(c.Text)
		return b.String()
	case VerbRegister, VerbReconnect:
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(c.Port))
	}
	if c.HasClientID {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(c.ClientID, 10))
	}
	return b.String()
}

// Nack builds the error token sent instead of AckOK when error acks are enabled.
func Nack(reason string) string {
	if reason == "" {
		return nackPrefix
	}
	return nackPrefix + " " + reason
}

// NackError is the error form of a received nack token.
type NackError struct {
	Reason string
}

func (e *NackError) Error() string {
	if e.Reason == "" {
		return "coordinator rejected command"
	}
	return "coordinator rejected command: " + e.Reason
}

// ParseAck interprets a token read from the command channel. It returns nil
// for AckOK, a *NackError for an error token, and ErrMalformedCommand for
// anything else.
func ParseAck(token string) error {
	if token == AckOK {
		return nil
	}
	if token == nackPrefix {
		return &NackError{}
	}
	if reason, ok := strings.CutPrefix(token, nackPrefix+" "); ok {
		return &NackError{Reason: reason}
	}
	return fmt.Errorf("%w: unexpected ack token %q", ErrMalformedCommand, token)
}
