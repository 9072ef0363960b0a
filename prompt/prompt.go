// Package prompt asks the operator for confirmations and numbers on a console
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/theckman/yacspin"
)

// ErrNoInput is generated when the input ends before an answer is given
var ErrNoInput = errors.New("no operator input")

type answer struct {
	line string
	err  error
}

// Console prompts on out and reads answers a line at a time from in.
// Reading happens on one background goroutine, so a prompt returns as soon
// as its context is done; an answer typed after that goes to the next prompt.
type Console struct {
	in  *bufio.Reader
	out io.Writer

	once    sync.Once
	answers chan answer

	// Spinner shows an animated spinner during Spin.  Turn it off when out
	// is not a terminal.
	Spinner bool
}

// New returns a console reading from in and writing to out
func New(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out, answers: make(chan answer, 1), Spinner: true}
}

// read feeds answers until the input fails, then closes the channel
func (c *Console) read() {
	defer close(c.answers)
	for {
		s, err := c.in.ReadString('\n')
		if err != nil && (err != io.EOF || s == "") {
			if err == io.EOF {
				err = ErrNoInput
			}
			c.answers <- answer{err: err}
			return
		}
		c.answers <- answer{line: strings.TrimSpace(s)}
		if err != nil {
			return
		}
	}
}

func (c *Console) line(ctx context.Context, msg string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.once.Do(func() { go c.read() })
	fmt.Fprint(c.out, msg)
	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return "", ctx.Err()
	case a, ok := <-c.answers:
		if !ok {
			return "", ErrNoInput
		}
		return a.line, a.err
	}
}

// Say prints a line for the operator
func (c *Console) Say(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Pause waits for the operator to press Enter
func (c *Console) Pause(ctx context.Context, msg string) error {
	_, err := c.line(ctx, msg+" ")
	return err
}

// YesNo asks a y/n question.  Anything but y or yes is no.
func (c *Console) YesNo(ctx context.Context, msg string) (bool, error) {
	s, err := c.line(ctx, msg+" (y/n): ")
	if err != nil {
		return false, err
	}
	s = strings.ToLower(s)
	return s == "y" || s == "yes", nil
}

// Float asks for a number, asking again until one parses
func (c *Console) Float(ctx context.Context, msg string) (float64, error) {
	for {
		s, err := c.line(ctx, msg+": ")
		if err != nil {
			return 0, err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return f, nil
		}
		c.Say("%q is not a number", s)
	}
}

// Int asks for an integer, asking again until one parses
func (c *Console) Int(ctx context.Context, msg string) (int, error) {
	for {
		s, err := c.line(ctx, msg+": ")
		if err != nil {
			return 0, err
		}
		i, err := strconv.Atoi(s)
		if err == nil {
			return i, nil
		}
		c.Say("%q is not an integer", s)
	}
}

// Spin runs fn with a spinner showing msg, and reports how it ended
func (c *Console) Spin(msg string, fn func() error) error {
	if !c.Spinner {
		c.Say("%s...", msg)
		return fn()
	}
	spinner, err := yacspin.New(yacspin.Config{
		Writer:            c.out,
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopMessage:       msg,
		StopFailCharacter: "✗",
		StopFailMessage:   msg,
	})
	if err != nil {
		c.Say("%s...", msg)
		return fn()
	}
	spinner.Start()
	err = fn()
	if err != nil {
		spinner.StopFail()
		return err
	}
	spinner.Stop()
	return nil
}
