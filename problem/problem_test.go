package problem_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"miren.dev/ext3ck/problem"
)

func TestPreen_UsesDocumentedDefaults(t *testing.T) {
	p := problem.Preen{}
	require.True(t, p.Ask(problem.BadSuperblock, problem.Context{}))
	require.False(t, p.Ask(problem.BadInode, problem.Context{}))
}

func TestAssumeYesAndNo(t *testing.T) {
	require.True(t, problem.AssumeYes{}.Ask(problem.UnsupportedSuperblock, problem.Context{}))
	require.False(t, problem.AssumeNo{}.Ask(problem.ResetJournal, problem.Context{}))
}

func TestTerminal_ParsesYesNoFromReader(t *testing.T) {
	t.Run("accepts y", func(t *testing.T) {
		in := strings.NewReader("y\n")
		var out bytes.Buffer
		term := problem.NewTerminal(in, &out, nil)
		require.True(t, term.Ask(problem.HasJournal, problem.Context{}))
	})

	t.Run("accepts no", func(t *testing.T) {
		in := strings.NewReader("no\n")
		var out bytes.Buffer
		term := problem.NewTerminal(in, &out, nil)
		require.False(t, term.Ask(problem.HasJournal, problem.Context{}))
	})

	t.Run("reprompts on garbage then accepts", func(t *testing.T) {
		in := strings.NewReader("maybe\nyes\n")
		var out bytes.Buffer
		term := problem.NewTerminal(in, &out, nil)
		require.True(t, term.Ask(problem.HasJournal, problem.Context{}))
		require.Contains(t, out.String(), "Please answer yes or no")
	})

	t.Run("eof falls back to default", func(t *testing.T) {
		in := strings.NewReader("")
		var out bytes.Buffer
		term := problem.NewTerminal(in, &out, nil)
		require.Equal(t, problem.DefaultFix(problem.BadSuperblock), term.Ask(problem.BadSuperblock, problem.Context{}))
	})
}

func TestContextSuffixRendersInode(t *testing.T) {
	var out bytes.Buffer
	term := problem.NewTerminal(strings.NewReader("y\n"), &out, nil)
	term.Ask(problem.BadInode, problem.Context{HaveIno: true, Ino: 12})
	require.Contains(t, out.String(), "inode 12")
}
