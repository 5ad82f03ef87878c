// Package job defines the messages exchanged between the dispatcher and
// its workers.
package job

import (
	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/params"
)

// Kind discriminates inbox messages.
type Kind string

const (
	KindSynthesize Kind = "synthesize"
	KindParams     Kind = "params"
	KindStop       Kind = "stop"
)

// Request is one synthesis job.
type Request struct {
	ID        string         `json:"id"`
	Segments  []string       `json:"segments"`
	Voice     string         `json:"voice"`
	Format    audio.Format   `json:"format"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

// Message is the unit carried by a worker inbox.
type Message struct {
	Kind    Kind           `json:"kind"`
	Request *Request       `json:"request,omitempty"`
	Params  *params.Params `json:"params,omitempty"`
}

func Synthesize(req Request) Message { return Message{Kind: KindSynthesize, Request: &req} }

func SetParams(p params.Params) Message { return Message{Kind: KindParams, Params: &p} }

func Stop() Message { return Message{Kind: KindStop} }
