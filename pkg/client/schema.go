package client

import "encoding/json"

// Validator checks a run's input against a workflow's declared schema
// before a run is enqueued. Concrete adapters for third-party schema
// libraries live in sibling schema/ packages; Client.Define accepts
// any Validator, so swapping the validation library never touches this
// package.
type Validator interface {
	Validate(input json.RawMessage) error
}
