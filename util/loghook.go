// Package util provides hooks shared by the command-line tool and tests.
package util

import (
	"log"

	"github.com/sarchlab/shukuba/fed"
)

// LogHookBase provides the common logic for all log hooks.
type LogHookBase struct {
	*log.Logger
}

// An EnvelopeLogger is a hook that prints envelopes and deliveries as they
// cross a transport group or a relay queue.
type EnvelopeLogger struct {
	LogHookBase
}

// NewEnvelopeLogger returns an EnvelopeLogger which will write into the
// logger.
func NewEnvelopeLogger(logger *log.Logger) *EnvelopeLogger {
	h := new(EnvelopeLogger)
	h.Logger = logger
	return h
}

// Func writes the traffic information into the logger.
func (h *EnvelopeLogger) Func(ctx fed.HookCtx) {
	site := ""
	if named, ok := ctx.Domain.(fed.Named); ok {
		site = named.Name()
	}

	switch item := ctx.Item.(type) {
	case *fed.Envelope:
		h.Printf("%s,%s,%s,%d->%d,%s",
			ctx.Pos.Name, site, item.Code,
			item.Sender, item.Receiver, item.ID)
	case fed.Delivery:
		h.Printf("%s,%s,%s,%d,%s",
			ctx.Pos.Name, site, item.Code, item.Sender, item.TraceID)
	}
}
