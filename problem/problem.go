// Package problem implements the interactive yes/no resolution
// channel the consistency resolver asks every time it finds something
// it cannot silently fix (spec §4.5): "delete this journal inode?",
// "reset the journal superblock?", and so on.
package problem

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// Code identifies one of the fixed set of journal-consistency
// questions the driver can ask. Names mirror the PR_0_JOURNAL_* codes
// in the original e2fsck problem table.
type Code int

const (
	UnsupportedDevice Code = iota
	UnsupportedUUID
	BadDevice
	BadUUID
	BadInode
	RecoverSet
	BadSuperblock
	UnsupportedSuperblock
	HasJournal
	ResetJournal
)

var descriptions = map[Code]string{
	UnsupportedDevice:     "filesystem has an external journal on an unsupported device",
	UnsupportedUUID:       "filesystem has an external journal with an unsupported UUID",
	BadDevice:             "filesystem has a stale journal device reference",
	BadUUID:               "filesystem has a stale journal UUID",
	BadInode:              "journal inode is not a valid journal file",
	RecoverSet:            "filesystem has the needs-recovery flag set but no usable journal",
	BadSuperblock:         "journal superblock is corrupt",
	UnsupportedSuperblock: "journal superblock format is not supported by this tool",
	HasJournal:            "filesystem journal flag is inconsistent with its other journal fields",
	ResetJournal:          "journal appears to contain data that was never replayed",
}

// String returns the code's human description, used in prompts and
// log lines.
func (c Code) String() string {
	if s, ok := descriptions[c]; ok {
		return s
	}
	return "unknown problem"
}

// defaultFix records whether fixing (answering yes) is the
// conservative default for a code, mirroring which PR_0_JOURNAL_*
// problems the original marks PR_PREEN_YES / PR_PREEN_NO. Codes not
// listed here default to "no" (refuse rather than guess).
var defaultFix = map[Code]bool{
	BadDevice:     true,
	BadUUID:       true,
	BadSuperblock: true,
	HasJournal:    true,
}

// DefaultFix reports the conservative default answer for code.
func DefaultFix(code Code) bool {
	return defaultFix[code]
}

// Context carries the extra data a prompt may need to render: an
// optional numeric value (an inode or device number) and an optional
// string value (a UUID, a path).
type Context struct {
	Num  int64
	Str  string
	Ino  uint32
	HaveNum bool
	HaveStr bool
	HaveIno bool
}

// Channel is the problem channel external collaborator (spec §6): it
// presents a problem and returns whether the caller should apply the
// fix.
type Channel interface {
	Ask(code Code, pctx Context) bool
}

// Preen drives every problem with its conservative default, the way a
// non-interactive "-p" run does: never prompts, always gives the
// documented safe answer.
type Preen struct {
	Log *slog.Logger
}

// Ask implements Channel by returning the problem's documented default
// without prompting.
func (p Preen) Ask(code Code, pctx Context) bool {
	answer := DefaultFix(code)
	if p.Log != nil {
		p.Log.Info("preen-resolved problem", "problem", code.String(), "fix", answer)
	}
	return answer
}

// AssumeYes and AssumeNo always answer the same way, for "-y"/"-n"
// style non-interactive runs.
type AssumeYes struct{ Log *slog.Logger }
type AssumeNo struct{ Log *slog.Logger }

func (a AssumeYes) Ask(code Code, pctx Context) bool {
	logAsk(a.Log, code, pctx, true)
	return true
}

func (a AssumeNo) Ask(code Code, pctx Context) bool {
	logAsk(a.Log, code, pctx, false)
	return false
}

func logAsk(log *slog.Logger, code Code, pctx Context, answer bool) {
	if log == nil {
		return
	}
	log.Info("auto-resolved problem", "problem", code.String(), "fix", answer)
}

// Terminal asks the operator on an interactive tty, falling back to
// the problem's conservative default when its input is a file that
// isn't a terminal (e.g. a script piping input).
type Terminal struct {
	In  io.Reader
	Out io.Writer
	Log *slog.Logger

	reader *bufio.Reader
}

// NewTerminal builds a Terminal channel reading from in and writing
// prompts to out.
func NewTerminal(in io.Reader, out io.Writer, log *slog.Logger) *Terminal {
	return &Terminal{In: in, Out: out, Log: log, reader: bufio.NewReader(in)}
}

// Ask implements Channel. If in is an *os.File that is not an
// interactive terminal, it logs and returns the code's documented
// default rather than blocking forever on a read that will never come.
// Any other reader is read from directly.
func (t *Terminal) Ask(code Code, pctx Context) bool {
	if f, ok := t.In.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		answer := DefaultFix(code)
		if t.Log != nil {
			t.Log.Warn("stdin is not a terminal, using default answer",
				"problem", code.String(), "fix", answer)
		}
		return answer
	}

	fmt.Fprintf(t.Out, "%s%s\n", code.String(), contextSuffix(pctx))
	fmt.Fprintf(t.Out, "Fix? yes/no ")

	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return DefaultFix(code)
		}
		switch normalizeYesNo(line) {
		case yes:
			return true
		case no:
			return false
		default:
			fmt.Fprintf(t.Out, "Please answer yes or no: ")
		}
	}
}

func contextSuffix(pctx Context) string {
	switch {
	case pctx.HaveIno:
		return fmt.Sprintf(" (inode %d)", pctx.Ino)
	case pctx.HaveStr:
		return fmt.Sprintf(" (%s)", pctx.Str)
	case pctx.HaveNum:
		return fmt.Sprintf(" (%d)", pctx.Num)
	default:
		return ""
	}
}

type yesNo int

const (
	unclear yesNo = iota
	yes
	no
)

func normalizeYesNo(line string) yesNo {
	var trimmed string
	for _, r := range line {
		if r == '\n' || r == '\r' {
			continue
		}
		trimmed += string(r)
	}
	switch trimmed {
	case "y", "Y", "yes", "Yes", "YES":
		return yes
	case "n", "N", "no", "No", "NO":
		return no
	default:
		return unclear
	}
}
