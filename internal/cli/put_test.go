package cli

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/framestore/internal/model"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

func TestParseMetadata(t *testing.T) {
	fromJSON, err := parseMetadata(`{"owner":"dana","priority":2,"labels":["a","b"]}`)
	require.NoError(t, err)
	fromYAML, err := parseMetadata("owner: dana\npriority: 2\nlabels: [a, b]\n")
	require.NoError(t, err)
	assert.Equal(t, fromJSON, fromYAML)

	owner, ok := fromYAML.Get("owner")
	require.True(t, ok)
	s, _ := owner.AsString()
	assert.Equal(t, "dana", s)

	_, err = parseMetadata("{not: [valid")
	assert.True(t, fserr.IsValidation(err))
}

func TestPutOptionsFromFlags(t *testing.T) {
	cmd, _, err := RootCmd.Find([]string{"put"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags([]string{
		"--track", "notes",
		"--tags", "a,b",
		"--parent", "3",
		"--no-raw",
		"--auto-tag=false",
		"--timestamp", "2026-01-02T03:04:05Z",
		"--metadata", `{"k":"v"}`,
	}))

	opts, err := putOptionsFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, "notes", opts.Track)
	assert.Equal(t, []string{"a", "b"}, opts.Tags)
	require.NotNil(t, opts.ParentID)
	assert.Equal(t, model.FrameID(3), *opts.ParentID)
	assert.True(t, opts.NoRaw)
	require.NotNil(t, opts.AutoTag)
	assert.False(t, *opts.AutoTag)
	assert.Nil(t, opts.ExtractDates, "untouched flags leave the default to the store")
	assert.Nil(t, opts.ExtractionBudgetMS)
	enrich := opts.EnrichOptions()
	assert.False(t, enrich.AutoTag)
	assert.True(t, enrich.ExtractDates)
	assert.True(t, enrich.InstantIndex)
	assert.Equal(t, model.DefaultExtractionBudgetMS, enrich.ExtractionBudgetMS)
	assert.Equal(t, model.RoleDocument, opts.Role)
	assert.Equal(t, 2026, opts.Timestamp.Year())
	_, ok := opts.Metadata.Get("k")
	assert.True(t, ok)

	require.NoError(t, cmd.ParseFlags([]string{"--timestamp", "yesterday"}))
	_, err = putOptionsFromFlags(cmd)
	assert.True(t, fserr.IsValidation(err))
}

func TestProvisionalResult(t *testing.T) {
	err := fserr.Wrap(errors.New("disk full"), fserr.CodeStoreCommitFailure, "frame is provisional")
	res := provisionalResult(7, err)

	b, jerr := json.Marshal(res)
	require.NoError(t, jerr)
	assert.JSONEq(t, `{
		"id": 7,
		"provisional": true,
		"error": "`+err.Error()+`",
		"code": "store.commit.failure"
	}`, string(b))
}
