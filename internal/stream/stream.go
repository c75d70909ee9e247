// Package stream merges message-producing sources into one ordered sequence.
//
// A Source runs until its context is cancelled, its input ends, or it fails.
// Merge fans every source into a single channel in arrival order and ends the
// merged sequence as soon as the first source returns: the surviving sources
// are cancelled and nothing they produce afterwards is delivered.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Message is one raw, unclassified input from a source.
type Message struct {
	Source string
	Data   []byte
	At     time.Time
}

// NewMessage stamps data with the current time.
func NewMessage(source string, data []byte) Message {
	return Message{Source: source, Data: data, At: time.Now()}
}

// Source produces messages until it ends. Run must return promptly once ctx
// is cancelled, and must not send on out after it returns.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Message) error
}

// ErrSourcePanic wraps a panic raised inside a source's Run.
var ErrSourcePanic = errors.New("source panicked")

// SourceError records which source ended the merged sequence.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

type exit struct {
	source string
	err    error
}

// Merged is the fan-in of several sources.
type Merged struct {
	out  chan Message
	done chan struct{}
	err  error
}

// Merge starts every source and returns their merged sequence. The sequence
// ends when ctx is cancelled or when the first source returns.
func Merge(ctx context.Context, sources ...Source) *Merged {
	m := &Merged{
		out:  make(chan Message),
		done: make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	in := make(chan Message)
	exits := make(chan exit, len(sources))

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			exits <- exit{source: src.Name(), err: runSource(runCtx, src, in)}
		}(src)
	}

	go func() {
		defer close(m.done)

		first, ok := m.forward(runCtx, in, exits, len(sources))
		if ok && first.err != nil {
			m.err = &SourceError{Source: first.source, Err: first.err}
		}
		close(m.out)
		cancel()

		// Drain whatever the other sources still try to send so they can
		// observe cancellation and return.
		stopped := make(chan struct{})
		go func() {
			wg.Wait()
			close(stopped)
		}()
		for {
			select {
			case <-in:
			case <-stopped:
				return
			}
		}
	}()

	return m
}

// runSource runs src and reports a panic as its exit error.
func runSource(ctx context.Context, src Source, out chan<- Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSourcePanic, r)
		}
	}()
	return src.Run(ctx, out)
}

// forward relays messages until the first source exits or ctx is done.
// A pending exit always wins over a pending message.
func (m *Merged) forward(ctx context.Context, in <-chan Message, exits <-chan exit, n int) (exit, bool) {
	if n == 0 {
		return exit{}, false
	}
	for {
		select {
		case e := <-exits:
			return e, true
		default:
		}

		select {
		case e := <-exits:
			return e, true
		case <-ctx.Done():
			return exit{}, false
		case msg := <-in:
			select {
			case e := <-exits:
				return e, true
			default:
			}
			select {
			case m.out <- msg:
			case e := <-exits:
				return e, true
			case <-ctx.Done():
				return exit{}, false
			}
		}
	}
}

// Messages returns the merged sequence. It is closed when the sequence ends.
func (m *Merged) Messages() <-chan Message {
	return m.out
}

// Done is closed once every source has returned and Err is final.
func (m *Merged) Done() <-chan struct{} {
	return m.done
}

// Err reports why the sequence ended: nil when the first source to return
// ended cleanly or the parent context was cancelled, otherwise a
// *SourceError. It blocks until every source has returned.
func (m *Merged) Err() error {
	<-m.done
	return m.err
}
