package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"ledgermesh/internal/daemon"
	"ledgermesh/internal/proto"
)

// replPrompter answers dispatcher prompts from the same input stream the
// command loop reads, so "/transfer" followed by its arguments on separate
// lines works both interactively and from a piped script.
type replPrompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func (p *replPrompter) readLine(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", label)
	if !p.in.Scan() {
		if err := p.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(p.in.Text()), nil
}

func (p *replPrompter) Text(label string) (string, error) {
	for {
		line, err := p.readLine(label)
		if err != nil {
			return "", err
		}
		if line == "" {
			fmt.Fprintln(p.out, "input must not be empty")
			continue
		}
		return line, nil
	}
}

func (p *replPrompter) Amount(label string) (decimal.Decimal, error) {
	for {
		line, err := p.readLine(label)
		if err != nil {
			return decimal.Decimal{}, err
		}
		amount, err := decimal.NewFromString(line)
		if err != nil || !amount.IsPositive() {
			fmt.Fprintln(p.out, "enter a positive amount")
			continue
		}
		return amount, nil
	}
}

func (p *replPrompter) LogicalTime(label string) (int64, error) {
	for {
		line, err := p.readLine(label)
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil || n <= 0 {
			fmt.Fprintln(p.out, "enter a positive integer")
			continue
		}
		return n, nil
	}
}

func runREPL(ctx context.Context, r *daemon.Runner, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	p := &replPrompter{in: sc, out: out}
	fmt.Fprintln(out, "Type /help for the command list, /quit to exit.")
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			// EOF ends the session cleanly, anything else is reported.
			if err := sc.Err(); err != nil {
				_ = r.HandleLocal(ctx, proto.ErrorCommand(err.Error()), p)
				return err
			}
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := r.HandleLocal(ctx, proto.ParseCommand(line), p); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}
