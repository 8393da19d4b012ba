package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/nbutton23/zxcvbn-go"
	"golang.org/x/term"
)

// weakPINScore is the zxcvbn score below which a new PIN draws a warning.
const weakPINScore = 2

var errPINMismatch = errors.New("PINs do not match")

// readPIN prompts on stderr and reads one secret. It is a variable so tests
// can feed PINs without a terminal.
var readPIN = func(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		pw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}
	line, err := stdinLines.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var stdinLines = bufio.NewReader(os.Stdin)

// promptNewPIN asks twice and warns about guessable PINs.
func promptNewPIN(w io.Writer, label string) (string, error) {
	pin, err := readPIN(fmt.Sprintf("New %s: ", label))
	if err != nil {
		return "", err
	}
	confirm, err := readPIN(fmt.Sprintf("Confirm %s: ", label))
	if err != nil {
		return "", err
	}
	if pin != confirm {
		return "", errPINMismatch
	}
	if msg := pinStrengthWarning(pin); msg != "" {
		fmt.Fprintf(w, "%s %s\n", color.YellowString("⚠"), msg)
	}
	return pin, nil
}

// pinStrengthWarning returns a warning for PINs zxcvbn rates below
// weakPINScore, or "" for acceptable ones.
func pinStrengthWarning(pin string) string {
	score := zxcvbn.PasswordStrength(pin, nil).Score
	if score >= weakPINScore {
		return ""
	}
	return fmt.Sprintf("weak PIN (strength %d/4): anyone with a copy of the database can guess it offline", score)
}

func startSpinner(message string) (*spinner.Spinner, func()) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	_ = s.Color("cyan")
	s.Start()
	return s, s.Stop
}

func success(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, args...))
}
