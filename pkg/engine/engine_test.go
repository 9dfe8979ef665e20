package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecOptions_Merge(t *testing.T) {
	base := ExecOptions{
		RedirectStdout: "/a",
		Env:            map[string]string{"X": "1", "Y": "1"},
		Description:    "base",
	}
	merged := base.Merge(ExecOptions{
		RedirectStdout: "/b",
		RedirectStderr: "/c",
		Env:            map[string]string{"Y": "2"},
	})

	assert.Equal(t, "/b", merged.RedirectStdout)
	assert.Equal(t, "/c", merged.RedirectStderr)
	assert.Equal(t, "base", merged.Description)
	assert.Equal(t, map[string]string{"X": "1", "Y": "2"}, merged.Env)
	assert.Equal(t, "1", base.Env["Y"], "receiver env must not change")
}

func TestHistory_AppendDoesNotShare(t *testing.T) {
	root := History{}.Append(Operation{Kind: OpFrom, Description: "alpine"})
	a := root.Append(Operation{Kind: OpExec, Description: "a"})
	b := root.Append(Operation{Kind: OpExec, Description: "b"})

	assert.Len(t, root, 1)
	assert.Equal(t, "a", a[1].Description)
	assert.Equal(t, "b", b[1].Description)
}

func TestHistory_LastExecAndLabel(t *testing.T) {
	h := History{}.
		Append(Operation{Kind: OpFrom, Description: "alpine"}).
		Append(Operation{Kind: OpLabel, Description: "first"}).
		Append(Operation{Kind: OpExec, Description: "restore"}).
		Append(Operation{Kind: OpLabel, Description: "second"}).
		Append(Operation{Kind: OpWorkdir, Description: "/src"})

	op, ok := h.LastExec()
	assert.True(t, ok)
	assert.Equal(t, "restore", op.Description)
	assert.Equal(t, "second", h.Label())
	assert.Equal(t, "from alpine -> with-label first -> with-exec restore -> with-label second -> with-workdir /src", h.String())

	_, ok = History{}.LastExec()
	assert.False(t, ok)
	assert.Empty(t, History{}.Label())
}

func TestExecError_Error(t *testing.T) {
	err := &ExecError{Args: []string{"dotnet", "restore"}, ExitCode: 1, Stderr: "  network down \n"}
	assert.Equal(t, `exec "dotnet restore" exited with code 1: network down`, err.Error())
}
