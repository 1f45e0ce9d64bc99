package keytracker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sourcetable/cvrsync/internal/cvr"
)

func TestFindReplacementMatchesLegacyKeyColumn(t *testing.T) {
	tr := New()
	tr.RegisterKeyColumns("public", "issues", []string{"legacy_id"})

	oldID := cvr.RowID{Schema: "public", Table: "issues", RowKey: `{"legacy_id":"abc"}`}
	tr.Observe("public", "issues", oldID, map[string]json.RawMessage{
		"legacy_id": json.RawMessage(`"abc"`),
	})

	tr.RegisterKeyColumns("public", "issues", []string{"uuid"})
	newID := cvr.RowID{Schema: "public", Table: "issues", RowKey: `{"uuid":"xyz"}`}

	found, ok := tr.FindReplacement("public", "issues", newID, []string{"uuid"}, map[string]json.RawMessage{
		"uuid":      json.RawMessage(`"xyz"`),
		"legacy_id": json.RawMessage(`"abc"`),
	})
	require.True(t, ok)
	require.Equal(t, oldID, found)
}

func TestFindReplacementNoMatchWhenValuesDiffer(t *testing.T) {
	tr := New()
	tr.RegisterKeyColumns("public", "issues", []string{"legacy_id"})
	oldID := cvr.RowID{Schema: "public", Table: "issues", RowKey: `{"legacy_id":"abc"}`}
	tr.Observe("public", "issues", oldID, map[string]json.RawMessage{"legacy_id": json.RawMessage(`"abc"`)})

	tr.RegisterKeyColumns("public", "issues", []string{"uuid"})
	newID := cvr.RowID{Schema: "public", Table: "issues", RowKey: `{"uuid":"other"}`}
	_, ok := tr.FindReplacement("public", "issues", newID, []string{"uuid"}, map[string]json.RawMessage{
		"uuid":      json.RawMessage(`"other"`),
		"legacy_id": json.RawMessage(`"different"`),
	})
	require.False(t, ok)
}

func TestForgetRemovesIndexEntries(t *testing.T) {
	tr := New()
	tr.RegisterKeyColumns("public", "issues", []string{"legacy_id"})
	oldID := cvr.RowID{Schema: "public", Table: "issues", RowKey: `{"legacy_id":"abc"}`}
	tr.Observe("public", "issues", oldID, map[string]json.RawMessage{"legacy_id": json.RawMessage(`"abc"`)})
	tr.Forget("public", "issues", oldID)

	tr.RegisterKeyColumns("public", "issues", []string{"uuid"})
	newID := cvr.RowID{Schema: "public", Table: "issues", RowKey: `{"uuid":"xyz"}`}
	_, ok := tr.FindReplacement("public", "issues", newID, []string{"uuid"}, map[string]json.RawMessage{
		"uuid":      json.RawMessage(`"xyz"`),
		"legacy_id": json.RawMessage(`"abc"`),
	})
	require.False(t, ok)
}
