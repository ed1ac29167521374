package http

import "bboxkv/pkg/types"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// TupleJSON is the wire form of a tuple. Value is base64 encoded.
type TupleJSON struct {
	Key     string               `json:"key,omitempty"`
	Box     types.Hyperrectangle `json:"box"`
	Value   []byte               `json:"value,omitempty"`
	Version int64                `json:"version,omitempty"`
}

func tupleJSON(t types.Tuple) *TupleJSON {
	return &TupleJSON{Key: t.Key, Box: t.Box, Value: t.Value, Version: t.Version}
}

// QueryRequest selects the tuples intersecting Box. A missing box is the
// full space.
type QueryRequest struct {
	Box types.Hyperrectangle `json:"box"`
}

// Response represents the standard API response format.
type Response struct {
	Status Status            `json:"status,omitempty"`
	Error  string            `json:"error,omitempty"`
	Tuple  *TupleJSON        `json:"tuple,omitempty"`
	Tuples []TupleJSON       `json:"tuples,omitempty"`
	Tables []string          `json:"tables,omitempty"`
	Nodes  map[string]string `json:"nodes,omitempty"`
	Stats  any               `json:"stats,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewTupleResponse(t types.Tuple) Response {
	return Response{Status: StatusSuccess, Tuple: tupleJSON(t)}
}

func NewTuplesResponse(tuples []types.Tuple) Response {
	out := make([]TupleJSON, len(tuples))
	for i, t := range tuples {
		out[i] = *tupleJSON(t)
	}
	return Response{Status: StatusSuccess, Tuples: out}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
