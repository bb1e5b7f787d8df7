package control

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// MaxReplyLen is the largest reply a resource server sends, terminator included.
	MaxReplyLen = 64
	// MaxCommandLen bounds a single request line.
	MaxCommandLen = 512
)

// Reply words used by the resource server.
const (
	ReplyACK     = "ACK"
	ReplyUp      = "UP"
	ReplyDown    = "DOWN"
	ReplyUnknown = "UNKNOWN"
)

var (
	ErrMalformed     = errors.New("malformed control command")
	ErrInvalidTarget = errors.New("command target must be a non-empty word without whitespace")
	ErrLineTooLong   = errors.New("control line too long")
)

// Verb identifies what a command asks the resource server to do.
type Verb int

const (
	VerbUp Verb = iota
	VerbDown
	VerbStatus
	VerbLock
	VerbRelease
	VerbStop
)

func (v Verb) String() string {
	switch v {
	case VerbUp:
		return "up"
	case VerbDown:
		return "down"
	case VerbStatus:
		return "status"
	case VerbLock:
		return "lock"
	case VerbRelease:
		return "release"
	case VerbStop:
		return "stop"
	}
	return "verb(" + strconv.Itoa(int(v)) + ")"
}

// Command is one request line. Target is the camera or buffer name and is
// empty only for VerbStop.
type Command struct {
	Verb   Verb
	Target string
}

func Up(camera string) Command      { return Command{Verb: VerbUp, Target: camera} }
func Down(camera string) Command    { return Command{Verb: VerbDown, Target: camera} }
func Status(camera string) Command  { return Command{Verb: VerbStatus, Target: camera} }
func Lock(buffer string) Command    { return Command{Verb: VerbLock, Target: buffer} }
func Release(buffer string) Command { return Command{Verb: VerbRelease, Target: buffer} }
func Stop() Command                 { return Command{Verb: VerbStop} }

// Validate reports whether the command can be put on the wire. The protocol
// has no escaping, so targets must be single words.
func (c Command) Validate() error {
	if c.Verb == VerbStop {
		return nil
	}
	if c.Target == "" || strings.ContainsAny(c.Target, " \t\r\n\x00") {
		return errors.Wrapf(ErrInvalidTarget, "%q", c.Target)
	}
	if c.Verb < VerbUp || c.Verb > VerbStop {
		return errors.Wrapf(ErrMalformed, "unknown verb %d", int(c.Verb))
	}
	return nil
}

// String renders the command in wire form without its terminator.
func (c Command) String() string {
	switch c.Verb {
	case VerbUp, VerbDown:
		return c.Target + " " + c.Verb.String()
	case VerbStatus:
		return "get " + c.Target + " status"
	case VerbLock, VerbRelease:
		return "read " + c.Target + " " + c.Verb.String()
	case VerbStop:
		return "STOP"
	}
	return ""
}

// ParseCommand parses one request line. Both the short "<camera> up" form
// and the older "set <camera> up" form are accepted.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 1:
		if fields[0] == "STOP" {
			return Stop(), nil
		}
	case 2:
		switch fields[1] {
		case "up":
			return Up(fields[0]), nil
		case "down":
			return Down(fields[0]), nil
		}
	case 3:
		switch {
		case fields[0] == "set" && fields[2] == "up":
			return Up(fields[1]), nil
		case fields[0] == "set" && fields[2] == "down":
			return Down(fields[1]), nil
		case fields[0] == "get" && fields[2] == "status":
			return Status(fields[1]), nil
		case fields[0] == "read" && fields[2] == "lock":
			return Lock(fields[1]), nil
		case fields[0] == "read" && fields[2] == "release":
			return Release(fields[1]), nil
		}
	}
	return Command{}, errors.Wrapf(ErrMalformed, "%q", line)
}

// Reply is the raw reply text with its terminator stripped.
type Reply string

// OK reports whether the reply starts with ACK.
func (r Reply) OK() bool {
	return r.Word() == ReplyACK
}

// Word returns the first word of the reply.
func (r Reply) Word() string {
	fields := strings.Fields(string(r))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Seq extracts the frame number of an "ACK <n>" lock reply.
func (r Reply) Seq() (uint64, error) {
	fields := strings.Fields(string(r))
	if len(fields) != 2 || fields[0] != ReplyACK {
		return 0, errors.Errorf("reply %q carries no sequence number", string(r))
	}
	seq, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "reply %q", string(r))
	}
	return seq, nil
}

// AckSeq formats a lock reply.
func AckSeq(seq uint64) Reply {
	return Reply(ReplyACK + " " + strconv.FormatUint(seq, 10))
}

// readLine reads bytes up to a newline or NUL terminator. A final line cut
// short by EOF is still returned; io.EOF is only reported when nothing was read.
func readLine(r *bufio.Reader, max int) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return strings.TrimRight(sb.String(), "\r"), nil
			}
			return "", err
		}
		if b == '\n' || b == 0 {
			return strings.TrimRight(sb.String(), "\r"), nil
		}
		if sb.Len() >= max {
			return "", ErrLineTooLong
		}
		sb.WriteByte(b)
	}
}
