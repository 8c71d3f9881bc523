// Package input provides cancellable interactive prompts.
//
// Every read runs in a goroutine and races against the context, so Ctrl+C
// and prompt timeouts unwind cleanly instead of blocking on stdin.
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"zhb/internal/config"
)

// ErrAborted signals that interactive input was interrupted, typically via
// Ctrl+C causing context cancellation or stdin closure.
var ErrAborted = errors.New("input aborted")

// IsAborted reports whether an operation was aborted by the user.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

func mapInputError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return ErrAborted
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "use of closed file") ||
		strings.Contains(errStr, "bad file descriptor") ||
		strings.Contains(errStr, "file already closed") {
		return ErrAborted
	}
	return err
}

// Prompter reads operator input. All terminal dependencies are fields so
// flows can be tested against buffers.
type Prompter struct {
	In           *bufio.Reader
	Out          io.Writer
	ReadPassword func(fd int) ([]byte, error)
	Fd           int
}

func New() *Prompter {
	return &Prompter{
		In:           bufio.NewReader(os.Stdin),
		Out:          os.Stdout,
		ReadPassword: term.ReadPassword,
		Fd:           int(os.Stdin.Fd()),
	}
}

func (p *Prompter) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.In.ReadString('\n')
		ch <- result{line: line, err: mapInputError(err)}
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", context.DeadlineExceeded
		}
		return "", ErrAborted
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}
		return strings.TrimRight(res.line, "\r\n"), nil
	}
}

// Line prompts and returns a trimmed line.
func (p *Prompter) Line(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(p.Out, prompt)
	line, err := p.readLine(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// LineDefault prompts with a prefilled default returned on empty input.
func (p *Prompter) LineDefault(ctx context.Context, prompt, def string) (string, error) {
	resp, err := p.Line(ctx, fmt.Sprintf("%s [%s]: ", prompt, def))
	if err != nil {
		return "", err
	}
	if resp == "" {
		return def, nil
	}
	return resp, nil
}

// YesNo loops until the operator answers y/n, empty input meaning the
// default.
func (p *Prompter) YesNo(ctx context.Context, question string, defaultYes bool) (bool, error) {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, ErrAborted
		}
		resp, err := p.Line(ctx, fmt.Sprintf("%s [%s]: ", question, hint))
		if err != nil {
			return false, err
		}
		switch strings.ToLower(resp) {
		case "":
			return defaultYes, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		default:
			fmt.Fprintln(p.Out, "Please answer with 'y' or 'n'.")
		}
	}
}

// TimedYesNo is YesNo with a deadline: when the operator does not answer
// in time the default wins, so scheduled runs never hang on a prompt.
func (p *Prompter) TimedYesNo(ctx context.Context, question string, defaultYes bool, timeout time.Duration) (bool, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	answer, err := p.YesNo(tctx, fmt.Sprintf("%s (default in %s)", question, timeout), defaultYes)
	if errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintf(p.Out, "\nNo answer within %s, using default.\n", timeout)
		return defaultYes, nil
	}
	return answer, err
}

// TimedLineDefault is LineDefault with a deadline; silence takes the
// default, matching TimedYesNo.
func (p *Prompter) TimedLineDefault(ctx context.Context, prompt, def string, timeout time.Duration) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := p.LineDefault(tctx, fmt.Sprintf("%s (default in %s)", prompt, timeout), def)
	if errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintf(p.Out, "\nNo answer within %s, using default.\n", timeout)
		return def, nil
	}
	return resp, err
}

// ConfirmToken requires the operator to type an exact token (e.g. "YES")
// before an irreversible step. Anything else declines.
func (p *Prompter) ConfirmToken(ctx context.Context, question, token string) (bool, error) {
	resp, err := p.Line(ctx, fmt.Sprintf("%s Type %s to continue: ", question, token))
	if err != nil {
		return false, err
	}
	return resp == token, nil
}

// Choose prints numbered options and returns the selected index.
func (p *Prompter) Choose(ctx context.Context, prompt string, options []string) (int, error) {
	for i, opt := range options {
		fmt.Fprintf(p.Out, "  %d) %s\n", i+1, opt)
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, ErrAborted
		}
		resp, err := p.Line(ctx, prompt)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(resp)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		fmt.Fprintf(p.Out, "Please enter a number between 1 and %d.\n", len(options))
	}
}

// Passphrase reads a passphrase without echo. Falls back to a plain line
// read when stdin is not a terminal (tests, pipes).
func (p *Prompter) Passphrase(ctx context.Context, prompt string) (string, error) {
	if p.ReadPassword == nil || !term.IsTerminal(p.Fd) {
		return p.Line(ctx, prompt)
	}
	fmt.Fprint(p.Out, prompt)
	type result struct {
		b   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := p.ReadPassword(p.Fd)
		ch <- result{b: b, err: mapInputError(err)}
	}()
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.Out)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", context.DeadlineExceeded
		}
		return "", ErrAborted
	case res := <-ch:
		fmt.Fprintln(p.Out)
		if res.err != nil {
			return "", res.err
		}
		return string(res.b), nil
	}
}

// NewPassphrase runs the double-entry flow and enforces the minimum
// length.
func (p *Prompter) NewPassphrase(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", ErrAborted
		}
		first, err := p.Passphrase(ctx, "Encryption passphrase: ")
		if err != nil {
			return "", err
		}
		if len(first) < config.MinPassphraseLength {
			fmt.Fprintf(p.Out, "Passphrase must be at least %d characters.\n", config.MinPassphraseLength)
			continue
		}
		second, err := p.Passphrase(ctx, "Confirm passphrase: ")
		if err != nil {
			return "", err
		}
		if first != second {
			fmt.Fprintln(p.Out, "Passphrases do not match, try again.")
			continue
		}
		return first, nil
	}
}
