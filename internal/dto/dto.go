// Package dto holds the validated external request shapes at the CVR
// boundary: what a connection handler decodes off the wire before
// calling into internal/updater. The CVR core itself only ever sees
// internal/cvr and internal/updater types; dto exists so that boundary
// validation (malformed client input) is enforced once, in one place,
// the way the teacher validates inbound alert payloads.
package dto

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/sourcetable/cvrsync/internal/updater"
)

var validate = validator.New()

// PutDesiredQueriesRequest is the wire shape of a client's "I want these
// queries" message, validated before it reaches
// updater.ConfigUpdater.PutDesiredQueries.
type PutDesiredQueriesRequest struct {
	ClientID string                `json:"clientID" validate:"required"`
	Queries  []DesiredQueryRequest `json:"queries" validate:"required,dive"`
}

// DesiredQueryRequest is one entry of PutDesiredQueriesRequest. At least
// one of AST or Name must be set: a client query is identified either by
// its compiled AST or by a named, parameterized custom query (spec §3.2).
// An entry carrying both is accepted and passed through unchanged.
type DesiredQueryRequest struct {
	Hash string          `json:"hash" validate:"required"`
	AST  json.RawMessage `json:"ast,omitempty"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
	TTL  int64           `json:"ttl" validate:"omitempty"`
}

// SetClientSchemaRequest carries the frozen schema descriptor a client
// reports on connect; SetClientSchema rejects a mismatch against
// whatever schema the group has already committed to.
type SetClientSchemaRequest struct {
	ClientGroupID string          `json:"clientGroupID" validate:"required"`
	Schema        json.RawMessage `json:"schema" validate:"omitempty"`
}

// DeleteDesiredQueriesRequest carries the query hashes a client no
// longer wants.
type DeleteDesiredQueriesRequest struct {
	ClientID string   `json:"clientID" validate:"required"`
	Hashes   []string `json:"hashes" validate:"required,min=1,dive,required"`
}

// Validate runs go-playground/validator struct-tag validation and
// reports the first structural problem found. It does not check that an
// entry carries an AST or a Name; ToDesiredQueries does, since that
// check spans two optional fields validator tags can't express cleanly.
func Validate(v interface{}) error {
	return validate.Struct(v)
}

// ToDesiredQueries converts a validated request into the updater's
// DesiredQuery shape, normalizing ttl<=0 to -1 ("no expiration") per
// spec §9's open question resolution (see DESIGN.md).
func (r PutDesiredQueriesRequest) ToDesiredQueries() ([]updater.DesiredQuery, error) {
	out := make([]updater.DesiredQuery, 0, len(r.Queries))
	for _, q := range r.Queries {
		if len(q.AST) == 0 && q.Name == "" {
			return nil, &InvalidQueryShapeError{Hash: q.Hash}
		}
		ttl := q.TTL
		if ttl <= 0 {
			ttl = -1
		}
		out = append(out, updater.DesiredQuery{
			Hash: q.Hash,
			AST:  q.AST,
			Name: q.Name,
			Args: q.Args,
			TTL:  ttl,
		})
	}
	return out, nil
}

// InvalidQueryShapeError reports a desired-query entry with neither an
// AST nor a (name) custom-query reference.
type InvalidQueryShapeError struct {
	Hash string
}

func (e *InvalidQueryShapeError) Error() string {
	return "query " + e.Hash + ": must set either ast or name"
}

// ClientSchemaOrNil returns the request's schema, or nil if the client
// omitted it, matching cvr.Instance.ClientSchema's optional-frozen-schema
// semantics (spec §3.2, §4.6 setClientSchema).
func (r SetClientSchemaRequest) ClientSchemaOrNil() json.RawMessage {
	if len(r.Schema) == 0 {
		return nil
	}
	return r.Schema
}
