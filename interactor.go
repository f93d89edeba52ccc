package sweep

import (
	"context"
)

type (
	// Invoker triggers an independent execution of a job.
	//
	// FireAndForget returns as soon as the transport accepted the trigger.
	// It never waits for the execution and never reports its outcome.
	Invoker interface {
		FireAndForget(ctx context.Context, target string, payload []byte) error
	}

	// Receiver pulls triggers published by an Invoker.
	Receiver interface {
		Receive(ctx context.Context) (Delivery, error)
	}

	// Delivery is one trigger pulled by a Receiver.
	Delivery struct {
		Target  string
		Payload []byte
	}

	// Codec defines the methods for encoding and decoding events.
	Codec interface {
		EncodeEvent(event Event) ([]byte, error)
		DecodeEvent(bytes []byte) (Event, error)
	}
)
