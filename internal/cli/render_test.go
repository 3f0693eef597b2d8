package cli

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/e3mail/internal/keyscan"
	appsync "github.com/nhle/e3mail/internal/sync"
	"github.com/nhle/e3mail/internal/trust"
	"github.com/nhle/e3mail/internal/undo"
)

func TestRenderUndoListsSkippedMessages(t *testing.T) {
	out := renderUndo(&undo.Report{
		AccountID:  "work",
		Folder:     "INBOX",
		Outcome:    undo.OutcomeDone,
		Discovered: 3,
		Replaced: []undo.Replacement{
			{OriginalUID: "1", StagedUID: "local:a", Uploaded: true},
			{OriginalUID: "2", StagedUID: "local:b"},
		},
		Skipped: []undo.Skipped{{UID: "7", Err: errors.New("no secret key")}},
	})

	assert.Contains(t, out, "done")
	assert.Contains(t, out, "skipped 7")
	assert.Contains(t, out, "no secret key")
	assert.Contains(t, out, "not uploaded 2")
	assert.NotContains(t, out, "not uploaded 1")
}

func TestRenderScanShowsPendingVerification(t *testing.T) {
	out := renderScan(&keyscan.Report{
		AccountID: "work",
		Found:     2,
		Ignored:   []keyscan.Ignored{{UID: "4", Check: trust.CheckFreshness, Detail: "too old"}},
		AwaitingVerification: []keyscan.Candidate{{
			UID:          "5",
			Name:         "Laptop (0123456789ABCDEF)",
			Verification: "adroitness bravado crossover",
		}},
	})

	assert.Contains(t, out, "freshness")
	assert.Contains(t, out, "Laptop (0123456789ABCDEF)")
	assert.Contains(t, out, `e3mail keys verify work "adroitness bravado crossover"`)
}

func TestRenderResultAuthFailure(t *testing.T) {
	out := renderResult(appsync.Result{AccountID: "work", AuthFailed: true, Error: errors.New("bad login")})
	assert.Contains(t, out, "e3mail login work")
}

func TestReadSecret(t *testing.T) {
	got, err := readSecret(strings.NewReader("hunter2\r\n"), "-")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	got, err = readSecret(strings.NewReader("ignored"), "inline")
	require.NoError(t, err)
	assert.Equal(t, "inline", got)
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCmd()
	for _, path := range [][]string{
		{"undo"}, {"export"}, {"scan"}, {"poll"}, {"login"},
		{"keys", "list"}, {"keys", "init"}, {"keys", "upload"}, {"keys", "verify"}, {"keys", "delete"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
