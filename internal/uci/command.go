// Package uci encodes commands for and parses replies from a UCI speaking
// search engine such as Pikafish.
package uci

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidArgument is returned when a command cannot be built from its arguments.
var ErrInvalidArgument = errors.New("invalid command argument")

// Command is a single protocol line. It is never modified after construction.
type Command struct {
	verb string
	args []string
}

// Verb returns the first token of the command.
func (c Command) Verb() string {
	return c.verb
}

// Args returns a copy of the command arguments.
func (c Command) Args() []string {
	out := make([]string, len(c.args))
	copy(out, c.args)
	return out
}

// String renders the command as it is written to the engine, without the
// trailing newline.
func (c Command) String() string {
	if len(c.args) == 0 {
		return c.verb
	}
	return c.verb + " " + strings.Join(c.args, " ")
}

func newCommand(verb string, args ...string) Command {
	return Command{verb: verb, args: args}
}

// UCI starts the handshake.
func UCI() Command { return newCommand("uci") }

// IsReady asks the engine to acknowledge with readyok.
func IsReady() Command { return newCommand("isready") }

// NewGame tells the engine the next search belongs to a different game.
func NewGame() Command { return newCommand("ucinewgame") }

// Stop ends the current search as soon as possible.
func Stop() Command { return newCommand("stop") }

// Quit terminates the engine.
func Quit() Command { return newCommand("quit") }

// SetOption builds "setoption name <name> value <value>". An empty value
// omits the value clause, which is how button options are triggered.
func SetOption(name, value string) Command {
	cmd, err := NewSetOption(name, value)
	if err != nil {
		panic(err)
	}
	return cmd
}

// NewSetOption is the checked form of SetOption.
func NewSetOption(name, value string) (Command, error) {
	if strings.TrimSpace(name) == "" {
		return Command{}, fmt.Errorf("%w: option name is empty", ErrInvalidArgument)
	}
	args := append([]string{"name"}, strings.Fields(name)...)
	if value != "" {
		args = append(args, "value", value)
	}
	return newCommand("setoption", args...), nil
}

// Position builds "position fen <fen> [moves ...]".
func Position(fen string, moves ...string) Command {
	cmd, err := NewPosition(fen, moves...)
	if err != nil {
		panic(err)
	}
	return cmd
}

// NewPosition is the checked form of Position.
func NewPosition(fen string, moves ...string) (Command, error) {
	fields := strings.Fields(fen)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: fen is empty", ErrInvalidArgument)
	}
	args := append([]string{"fen"}, fields...)
	if len(moves) > 0 {
		args = append(args, "moves")
		for _, m := range moves {
			if m == "" || strings.ContainsAny(m, " \t\n") {
				return Command{}, fmt.Errorf("%w: bad move %q", ErrInvalidArgument, m)
			}
			args = append(args, m)
		}
	}
	return newCommand("position", args...), nil
}

// SearchLimits bounds a search. Only one limit is used: Depth wins over
// MoveTime, which wins over Nodes. With no limit set the search is infinite.
type SearchLimits struct {
	Depth    int
	MoveTime time.Duration
	Nodes    int64
	Infinite bool
}

// Mode names the limit that Go will encode.
func (l SearchLimits) Mode() string {
	switch {
	case l.Depth > 0:
		return "depth"
	case l.MoveTime > 0:
		return "movetime"
	case l.Nodes > 0:
		return "nodes"
	default:
		return "infinite"
	}
}

// Validate rejects negative limits.
func (l SearchLimits) Validate() error {
	if l.Depth < 0 {
		return fmt.Errorf("%w: negative depth %d", ErrInvalidArgument, l.Depth)
	}
	if l.MoveTime < 0 {
		return fmt.Errorf("%w: negative movetime %s", ErrInvalidArgument, l.MoveTime)
	}
	if l.Nodes < 0 {
		return fmt.Errorf("%w: negative node budget %d", ErrInvalidArgument, l.Nodes)
	}
	return nil
}

// Go builds the search command for the given limits.
func Go(l SearchLimits) Command {
	switch l.Mode() {
	case "depth":
		return newCommand("go", "depth", strconv.Itoa(l.Depth))
	case "movetime":
		ms := l.MoveTime.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		return newCommand("go", "movetime", strconv.FormatInt(ms, 10))
	case "nodes":
		return newCommand("go", "nodes", strconv.FormatInt(l.Nodes, 10))
	default:
		return newCommand("go", "infinite")
	}
}

// NewGo is the checked form of Go.
func NewGo(l SearchLimits) (Command, error) {
	if err := l.Validate(); err != nil {
		return Command{}, err
	}
	return Go(l), nil
}
