package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	consolePort    = "23"
	dialTimeout    = 10 * time.Second
	readTimeout    = 5 * time.Second
	passwordEnv    = "OTACTL_PASSWORD"
	consolePrompt  = "> "
	maxConsoleRead = 16 * 1024
)

var errAuth = errors.New("console: authentication failed")

// consoleAddr adds the telnet port when addr has none.
func consoleAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, consolePort)
}

// dialConsole connects, answers the password prompt and consumes the banner.
func dialConsole(addr, password string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	if err := authenticate(conn, password); err != nil {
		conn.Close()
		return nil, err
	}
	if _, ok := readUntilPrompt(conn, readTimeout); !ok {
		conn.Close()
		return nil, errAuth
	}
	return conn, nil
}

// runCommand executes one console command and prints the reply.
func runCommand(addr, cmd, password string, out io.Writer) error {
	conn, err := dialConsole(addr, password)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	// restart and a successful flash reboot the device, so a reply without
	// a prompt is still a reply.
	reply, _ := readUntilPrompt(conn, readTimeout)
	if reply = cleanReply(reply); reply != "" {
		fmt.Fprintln(out, reply)
	}
	return nil
}

// interactive relays lines from in to the console until quit or EOF,
// reconnecting once when the device drops the session.
func interactive(addr, password string, in io.Reader, out io.Writer) error {
	printInfo(out, "Connecting to %s...", addr)
	conn, err := dialConsole(addr, password)
	if err != nil {
		return err
	}
	defer func() { conn.Close() }()
	printSuccess(out, "Connected! Type 'quit' or Ctrl+C to exit.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, consolePrompt)
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "quit" || input == "exit" {
			return nil
		}
		if _, err := conn.Write([]byte(input + "\r\n")); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		reply, ok := readUntilPrompt(conn, readTimeout)
		if reply = cleanReply(reply); reply != "" {
			fmt.Fprintln(out, reply)
		}
		if !ok {
			printInfo(out, "Connection lost, reconnecting...")
			conn.Close()
			if conn, err = dialConsole(addr, password); err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}
		}
	}
}

// getPassword resolves the console password from the flag, then the
// environment, then an interactive prompt.
func getPassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(passwordEnv); env != "" {
		return env
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err == nil {
			return string(pw)
		}
	}
	return ""
}

// authenticate waits for the password prompt and answers it.
func authenticate(conn net.Conn, password string) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	buf := make([]byte, 64)
	var got []byte
	for !strings.Contains(strings.ToLower(string(got)), "password") {
		n, err := conn.Read(buf)
		got = append(got, stripTelnetIAC(buf[:n])...)
		if err != nil {
			return fmt.Errorf("read prompt failed: %w", err)
		}
	}
	if _, err := conn.Write([]byte(password + "\r\n")); err != nil {
		return fmt.Errorf("send password failed: %w", err)
	}
	return nil
}

// stripTelnetIAC removes IAC sequences. WILL, WONT, DO and DONT carry an
// option byte.
func stripTelnetIAC(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		if data[i] != 0xff || i+1 >= len(data) {
			out = append(out, data[i])
			i++
			continue
		}
		if cmd := data[i+1]; cmd >= 0xfb && cmd <= 0xfe && i+2 < len(data) {
			i += 3
		} else {
			i += 2
		}
	}
	return out
}

// readUntilPrompt collects output until the console prompt, the connection
// closes or timeout passes. ok reports whether the prompt was seen.
func readUntilPrompt(conn net.Conn, timeout time.Duration) (string, bool) {
	var acc strings.Builder
	buf := make([]byte, 512)
	conn.SetReadDeadline(time.Now().Add(timeout))
	for acc.Len() < maxConsoleRead {
		n, err := conn.Read(buf)
		acc.Write(stripTelnetIAC(buf[:n]))
		if strings.HasSuffix(acc.String(), consolePrompt) {
			return acc.String(), true
		}
		if err != nil {
			break
		}
	}
	return acc.String(), false
}

func cleanReply(s string) string {
	return strings.TrimSpace(strings.TrimSuffix(s, consolePrompt))
}

func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console [addr] [command...]",
		Short: "Talk to the device console over telnet",
		Long: `Connects to the device console, answers the password prompt and either
runs one command or starts an interactive session. The password comes from
--password, then $` + passwordEnv + `, then a prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := cfg.Console
			if len(args) > 0 {
				addr, args = args[0], args[1:]
			}
			if addr == "" {
				return errors.New("console: no device address")
			}
			addr = consoleAddr(addr)
			pw := getPassword(cfg.Password)
			if len(args) > 0 {
				return runCommand(addr, strings.Join(args, " "), pw, cmd.OutOrStdout())
			}
			return interactive(addr, pw, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Console, "console", cfg.Console, "device console address")
	f.StringVar(&cfg.Password, "password", cfg.Password, "console password")
	return cmd
}
