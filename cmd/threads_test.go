package cmd

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-to-discourse/model"
)

const sampleArchive = `From alice@x.com Mon Jan  4 10:00:00 2016
From: Alice <alice@x.com>
Subject: [List] Hello
Message-ID: <M1>
Date: Mon, 4 Jan 2016 10:00:00 +0000

Hello everyone

From bob@y.com Mon Jan  4 11:00:00 2016
From: Bob <bob@y.com>
Subject: Re: [List] Hello
Message-ID: <M2>
In-Reply-To: <M1>
References: <M1>
Date: Mon, 4 Jan 2016 11:00:00 +0000

Hi Alice

From alice@x.com Mon Jan  4 12:00:00 2016
From: Alice <alice@x.com>
Subject: [List] Second thread
Message-ID: <M3>
Date: Mon, 4 Jan 2016 12:00:00 +0000

Another topic

`

func writeArchive(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "list.mbox")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestThreadsCommand(t *testing.T) {
	archive := writeArchive(t, sampleArchive)
	outDir := filepath.Join(t.TempDir(), "reports")

	cmd := NewThreadsCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{archive, "--output", outDir, "--top", "5"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "Messages:     3")
	assert.Contains(t, text, "Threads:      2")
	assert.Contains(t, text, "Replies:      1")
	assert.Contains(t, text, "1. alice@x.com (2)")
	assert.Contains(t, text, "1. (Migrated) Hello <M1> (1)")

	file, err := os.Open(filepath.Join(outDir, "threads.csv"))
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, []string{"RootID", "Subject", "Author", "Created", "Replies"}, rows[0])
	assert.Equal(t, []string{"M1", "(Migrated) Hello", "alice@x.com", "2016-01-04T10:00:00Z", "1"}, rows[1])
	assert.Equal(t, "M3", rows[2][0])
	assert.Equal(t, "0", rows[2][4])

	_, err = os.Stat(filepath.Join(outDir, "report_authors.csv"))
	assert.NoError(t, err)
}

func TestThreadsCommand_SenderFilter(t *testing.T) {
	archive := writeArchive(t, sampleArchive)

	cmd := NewThreadsCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{archive, "--output", t.TempDir(), "--exclude-sender", "alice@x.com"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "Authors:      1")
	assert.Contains(t, out.String(), "Threads:      0")
}

func TestThreadsCommand_RecordFilterReportsSkipped(t *testing.T) {
	archive := writeArchive(t, sampleArchive)

	cmd := NewThreadsCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{archive, "--output", t.TempDir(), "--exclude-body", "Another topic"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "Records:      2")
	assert.Contains(t, text, "Filtered out: 1 (33.33%)")
	assert.Contains(t, text, "Threads:      1")
}

func TestThreadsCommand_NoFilterOmitsSkipped(t *testing.T) {
	archive := writeArchive(t, sampleArchive)

	cmd := NewThreadsCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{archive, "--output", t.TempDir()})
	require.NoError(t, cmd.Execute())

	assert.NotContains(t, out.String(), "Filtered out:")
}

func TestThreadsCommand_MissingArchive(t *testing.T) {
	cmd := NewThreadsCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.mbox")})

	err := cmd.Execute()
	assert.ErrorIs(t, err, model.ErrArchive)
}

func TestThreadsCommand_ConflictingFilters(t *testing.T) {
	archive := writeArchive(t, sampleArchive)

	cmd := NewThreadsCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{archive, "--include-header", "List", "--exclude-body", "spam"})

	err := cmd.Execute()
	assert.ErrorIs(t, err, model.ErrConfiguration)
}
