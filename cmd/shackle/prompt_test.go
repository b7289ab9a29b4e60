package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/MatthiasKunnen/shackle/pkg/arbiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTerminal struct {
	lines [][]byte
	read  [][]byte
}

func (s *scriptedTerminal) readPassword(int) ([]byte, error) {
	if len(s.lines) == 0 {
		return nil, errors.New("EOF")
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	s.read = append(s.read, line)

	return line, nil
}

func checkAgainst(correct string, submitted *[]string) func(string) <-chan arbiter.PasswordResult {
	return func(password string) <-chan arbiter.PasswordResult {
		*submitted = append(*submitted, password)
		result := make(chan arbiter.PasswordResult, 1)
		if password == correct {
			result <- arbiter.Accepted
		} else {
			result <- arbiter.WrongPassword
		}
		return result
	}
}

func TestPasswordPrompt_RetriesUntilAccepted(t *testing.T) {
	terminal := &scriptedTerminal{lines: [][]byte{
		[]byte("hunter3"),
		{},
		[]byte("hunter2"),
		[]byte("never read"),
	}}
	var out bytes.Buffer
	var submitted []string
	p := &passwordPrompt{
		out:          &out,
		readPassword: terminal.readPassword,
		submit:       checkAgainst("hunter2", &submitted),
	}

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []string{"hunter3", "hunter2"}, submitted, "empty input is not submitted")
	assert.Contains(t, out.String(), "Wrong password")
	assert.Len(t, terminal.lines, 1)
	for _, line := range terminal.read {
		assert.Equal(t, make([]byte, len(line)), line, "input buffers are cleared")
	}
}

func TestPasswordPrompt_ReadFails(t *testing.T) {
	var submitted []string
	p := &passwordPrompt{
		out:          &bytes.Buffer{},
		readPassword: (&scriptedTerminal{}).readPassword,
		submit:       checkAgainst("hunter2", &submitted),
	}

	assert.Error(t, p.Run(context.Background()))
	assert.Empty(t, submitted)
}

func TestPasswordPrompt_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var submitted []string
	p := &passwordPrompt{
		out:          &bytes.Buffer{},
		readPassword: (&scriptedTerminal{lines: [][]byte{[]byte("hunter2")}}).readPassword,
		submit:       checkAgainst("hunter2", &submitted),
	}

	assert.ErrorIs(t, p.Run(ctx), context.Canceled)
	assert.Empty(t, submitted)
}
