package console

import (
	"bytes"
	"io"
	"log/slog"
)

// Command is one entry of the command table.
type Command struct {
	Name string
	Help string
	Run  func(w io.Writer)
}

// Shell dispatches complete lines to commands.
type Shell struct {
	commands []Command
	log      *slog.Logger
}

// NewShell returns a Shell with a built-in help command listing cmds.
func NewShell(logger *slog.Logger, cmds ...Command) *Shell {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sh := &Shell{log: logger}
	sh.commands = append(sh.commands, Command{Name: "help", Help: "display this message", Run: sh.help})
	sh.commands = append(sh.commands, cmds...)
	return sh
}

// Exec runs the command named by line, after trimming surrounding spaces.
// Unknown commands and empty lines are ignored. It reports whether a
// command ran.
func (sh *Shell) Exec(w io.Writer, line []byte) bool {
	name := bytes.TrimSpace(line)
	if len(name) == 0 {
		return false
	}
	for i := range sh.commands {
		if string(name) == sh.commands[i].Name {
			sh.log.Debug("console:command", slog.String("cmd", sh.commands[i].Name))
			sh.run(w, &sh.commands[i])
			return true
		}
	}
	sh.log.Debug("console:unknown", slog.String("cmd", string(name)))
	return false
}

func (sh *Shell) run(w io.Writer, cmd *Command) {
	defer func() {
		if r := recover(); r != nil {
			sh.log.Error("console:command-panic", slog.String("cmd", cmd.Name))
		}
	}()
	cmd.Run(w)
}

func (sh *Shell) help(w io.Writer) {
	io.WriteString(w, "available commands\r\n")
	for _, c := range sh.commands {
		io.WriteString(w, "  "+c.Name+" - "+c.Help+"\r\n")
	}
	io.WriteString(w, "\r\n")
}

// Serve reads r until it fails, executing each line and writing output and
// prompts to w.
func (sh *Shell) Serve(r io.Reader, w io.Writer, prompt string) error {
	var l Line
	var buf [64]byte
	for {
		n, err := r.Read(buf[:])
		for _, b := range buf[:n] {
			line, done := l.Feed(b)
			if !done {
				continue
			}
			sh.Exec(w, line)
			io.WriteString(w, prompt)
		}
		if err != nil {
			return err
		}
	}
}
