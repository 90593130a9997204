// Package remote adapts remote configuration documents into live event channels.
//
// A Source delivers the current state of one document path followed by every
// change, in emission order. Sources never interpret the document: decoding is
// left to the subscriber.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Event is one notification from a live document channel.
// Exactly one of the following holds:
//   - Err != nil: the channel failed (connectivity, permission, corrupt data).
//   - !Exists: the document is absent.
//   - Exists: Data holds the raw JSON document.
type Event struct {
	Exists bool
	Data   json.RawMessage
	Err    error
}

// CancelFunc releases a watch. It is safe to call more than once.
type CancelFunc func()

// Source is a live, read-only channel to remote documents.
type Source interface {
	// Watch starts delivering events for path to fn. The current document is
	// delivered first. Events for a single watch are never delivered
	// concurrently.
	Watch(ctx context.Context, path string, fn func(Event)) (CancelFunc, error)

	// Name identifies the backend in logs and /api/info.
	Name() string
}

// ErrInvalidPath is returned for empty or traversal paths.
var ErrInvalidPath = errors.New("remote: invalid document path")

// cleanPath normalizes a document path such as "/configuracion/" to "configuracion".
func cleanPath(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidPath
		}
	}
	return p, nil
}

// documentEvent builds an Event from a decoded document value; nil means absent.
func documentEvent(doc any) Event {
	if doc == nil {
		return Event{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return Event{Err: err}
	}
	return Event{Exists: true, Data: data}
}
