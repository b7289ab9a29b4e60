package main

import (
	"context"
	"fmt"
	"github.com/MatthiasKunnen/shackle/pkg/arbiter"
	"io"
)

// passwordPrompt reads passwords from the terminal until one is accepted.
type passwordPrompt struct {
	fd  int
	out io.Writer
	// readPassword reads a line without echo, term.ReadPassword outside of tests.
	readPassword func(fd int) ([]byte, error)
	submit       func(password string) <-chan arbiter.PasswordResult
}

// Run prompts until a password is accepted, reading fails or ctx is done. A read in progress is
// not interrupted by ctx.
func (p *passwordPrompt) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, _ = fmt.Fprint(p.out, "Password: ")
		input, err := p.readPassword(p.fd)
		_, _ = fmt.Fprintln(p.out)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		if len(input) == 0 {
			continue
		}

		result := p.submit(string(input))
		clear(input)

		select {
		case r := <-result:
			if r == arbiter.Accepted {
				return nil
			}
			_, _ = fmt.Fprintln(p.out, "Wrong password, try again.")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
