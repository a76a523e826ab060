package importer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/strata/pkg/types"
)

func TestParseNote_Frontmatter(t *testing.T) {
	src := `---
title: Billing
tags: [infra, "db"]
category: Decision
importance: 0.8
date: 2024-03-01
---
# Ignored heading

We moved billing to [[Postgres|the main database]] after the [[Incident Review]]. #ops
`
	note, err := ParseNote([]byte(src), "work/billing.md")
	require.NoError(t, err)

	assert.Equal(t, "Billing", note.Title)
	assert.Equal(t, types.CategoryDecision, note.Category)
	assert.InDelta(t, 0.8, note.Importance, 1e-9)
	assert.True(t, note.Structured())
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), note.Timestamp)
	assert.Contains(t, note.Body, "the main database after the Incident Review")
	assert.NotContains(t, note.Body, "[[")
	assert.Equal(t, []string{"infra", "db", "ops", "Postgres", "Incident Review"}, note.Tags)
	assert.Empty(t, note.Entries)
}

func TestParseNote_NonFiniteImportanceIsClamped(t *testing.T) {
	for _, v := range []string{".nan", "NaN", ".inf"} {
		note, err := ParseNote([]byte("---\nimportance: "+v+"\n---\nBilling runs on Postgres\n"), "n.md")
		require.NoError(t, err, v)
		assert.False(t, note.Importance != note.Importance, "%s parsed to NaN", v)
	}
	note, err := ParseNote([]byte("---\nimportance: .nan\n---\nbody\n"), "n.md")
	require.NoError(t, err)
	assert.Zero(t, note.Importance)
	assert.False(t, note.Structured())
}

func TestParseNote_PlainFile(t *testing.T) {
	note, err := ParseNote([]byte("Just some text about the frontend.\n"), "daily/2024-03-01_notes.md")
	require.NoError(t, err)
	assert.Equal(t, "2024 03 01 notes", note.Title)
	assert.False(t, note.Structured())
	assert.True(t, note.Timestamp.IsZero())
	assert.Equal(t, "Just some text about the frontend.", note.Body)
}

func TestParseNote_UnclosedFrontmatterIsBody(t *testing.T) {
	note, err := ParseNote([]byte("---\ntitle: x\nno closing"), "a.md")
	require.NoError(t, err)
	assert.Contains(t, note.Body, "no closing")
	assert.Equal(t, "a", note.Title)
}

func TestParseNote_InvalidYAML(t *testing.T) {
	_, err := ParseNote([]byte("---\ntitle: [unterminated\n---\nbody"), "bad.md")
	assert.ErrorContains(t, err, "bad.md")
}

func TestParseNote_ExportEntries(t *testing.T) {
	src := `# Memory

## Hot (1)

- **decision** (0.90) Billing runs on Postgres _billing, postgres_ <!-- 1f0c -->

## Warm (1)

- **preference** (0.65) I prefer dark mode <!-- 2a7e -->

## Cold (0)

_empty_
`
	note, err := ParseNote([]byte(src), "MEMORY.md")
	require.NoError(t, err)
	require.Len(t, note.Entries, 2)

	assert.Equal(t, Entry{
		ID: "1f0c", Content: "Billing runs on Postgres",
		Category: types.CategoryDecision, Importance: 0.9, Tier: types.TierHot,
	}, note.Entries[0])
	assert.Equal(t, "I prefer dark mode", note.Entries[1].Content)
	assert.Equal(t, types.TierWarm, note.Entries[1].Tier)
}

func TestWikiLinks(t *testing.T) {
	content := "See [[Alpha]], [[beta|B]] and [[alpha]] again."
	assert.Equal(t, []string{"Alpha", "beta"}, WikiLinkTargets(content))
	assert.Equal(t, "See Alpha, B and alpha again.", StripWikiLinks(content))
}
