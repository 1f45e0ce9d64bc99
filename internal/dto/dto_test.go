package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidatePutDesiredQueriesRequestRequiresClientID(t *testing.T) {
	req := PutDesiredQueriesRequest{
		Queries: []DesiredQueryRequest{{Hash: "h1", Name: "issuesByOwner"}},
	}
	err := Validate(req)
	require.Error(t, err)
}

func TestToDesiredQueriesRejectsQueryWithNeitherASTNorName(t *testing.T) {
	req := PutDesiredQueriesRequest{
		ClientID: "c1",
		Queries:  []DesiredQueryRequest{{Hash: "h1"}},
	}
	_, err := req.ToDesiredQueries()
	require.Error(t, err)
	require.Contains(t, err.Error(), "h1")
}

func TestToDesiredQueriesNormalizesNonPositiveTTLToNoExpiration(t *testing.T) {
	req := PutDesiredQueriesRequest{
		ClientID: "c1",
		Queries: []DesiredQueryRequest{
			{Hash: "h1", Name: "q", TTL: 0},
			{Hash: "h2", Name: "q", TTL: -1},
			{Hash: "h3", Name: "q", TTL: 5000},
		},
	}
	out, err := req.ToDesiredQueries()
	require.NoError(t, err)
	require.Equal(t, int64(-1), out[0].TTL)
	require.Equal(t, int64(-1), out[1].TTL)
	require.Equal(t, int64(5000), out[2].TTL)
}

func TestClientSchemaOrNilTreatsEmptyAsNil(t *testing.T) {
	req := SetClientSchemaRequest{ClientGroupID: "g1"}
	require.Nil(t, req.ClientSchemaOrNil())

	req.Schema = json.RawMessage(`{"tables":[]}`)
	require.NotNil(t, req.ClientSchemaOrNil())
}
