// Package cli implements the line-oriented prompts used by the setup
// wizard.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In. The zero
// reader state is lazy so tests can swap In for a string reader.
type Prompter struct {
	In  io.Reader
	Out io.Writer
	br  *bufio.Reader
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) line() string {
	if p.br == nil {
		p.br = bufio.NewReader(p.In)
	}
	text, err := p.br.ReadString('\n')
	if err != nil && text == "" {
		return ""
	}
	return strings.TrimSpace(text)
}

// Ask prints a question with a default value and reads one line.
// Returns the default if the user presses Enter without typing.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return defaultVal
}

// askValid re-asks until validate accepts the answer. The validation
// error doubles as the hint shown to the user.
func (p *Prompter) askValid(question, defaultVal string, validate func(string) (string, error)) string {
	for {
		v, err := validate(p.Ask(question, defaultVal))
		if err == nil {
			return v
		}
		_, _ = fmt.Fprintf(p.Out, "  %v\n", err)
	}
}

// AskPassword reads a line without echoing. Falls back to a plain read
// when stdin is not a terminal (tests, piped input).
func (p *Prompter) AskPassword(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out) // newline after hidden input
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}

	return p.line()
}

// AskInt asks for a positive integer with a default value.
func (p *Prompter) AskInt(question string, defaultVal int) int {
	ans := p.askValid(question, strconv.Itoa(defaultVal), func(s string) (string, error) {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("please enter a positive number")
		}
		return s, nil
	})
	n, _ := strconv.Atoi(ans)
	return n
}

// Choose presents a numbered list of options. The answer may be the
// option's number or its name.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintf(p.Out, "%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}

	return p.askValid("Choice", strconv.Itoa(defaultIdx+1), func(s string) (string, error) {
		if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= len(options) {
			return options[n-1], nil
		}
		for _, opt := range options {
			if strings.EqualFold(s, opt) {
				return opt, nil
			}
		}
		return "", fmt.Errorf("please enter a number between 1 and %d or an option name", len(options))
	})
}

// Confirm asks a yes/no question. Anything starting with "y" counts as
// yes; a blank answer takes the default.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
