package taskqueue

import (
	"context"

	"github.com/google/uuid"
)

// SubmitOptions carries the cross-cutting identity a submission inherits.
// Zero values are filled: a missing correlation id is minted.
type SubmitOptions struct {
	CorrelationID string
	Epoch         int64
	Headers       map[string]string
}

func (o SubmitOptions) normalized() SubmitOptions {
	if o.CorrelationID == "" {
		o.CorrelationID = uuid.NewString()
	}
	return o
}

func envelopeFrom(sig Signature, opts SubmitOptions) *Envelope {
	headers := opts.Headers
	if len(sig.Headers) > 0 {
		merged := make(map[string]string, len(opts.Headers)+len(sig.Headers))
		for k, v := range opts.Headers {
			merged[k] = v
		}
		for k, v := range sig.Headers {
			merged[k] = v
		}
		headers = merged
	}
	return &Envelope{
		ID:            uuid.NewString(),
		Task:          sig.Task,
		Queue:         sig.Queue,
		Payload:       sig.Payload,
		CorrelationID: opts.CorrelationID,
		Epoch:         opts.Epoch,
		Headers:       headers,
		IgnoreResult:  sig.IgnoreResult,
	}
}

// SubmitTask enqueues a single task. Returns the task id and the correlation
// id it runs under.
func (b *Broker) SubmitTask(ctx context.Context, sig Signature, opts SubmitOptions) (taskID, correlationID string, err error) {
	opts = opts.normalized()
	env := envelopeFrom(sig, opts)
	if err := b.Submit(ctx, env); err != nil {
		return "", "", err
	}
	return env.ID, env.CorrelationID, nil
}

// SubmitChain enqueues a sequential composition: each stage's result becomes
// the next stage's upstream input. Returns the head task id.
func (b *Broker) SubmitChain(ctx context.Context, stages []Signature, opts SubmitOptions) (string, string, error) {
	if len(stages) == 0 {
		return "", "", nil
	}
	opts = opts.normalized()
	env := envelopeFrom(stages[0], opts)
	env.Chain = stages[1:]
	if err := b.Submit(ctx, env); err != nil {
		return "", "", err
	}
	return env.ID, env.CorrelationID, nil
}

// SubmitGroup enqueues members in parallel, each bound to an ordered slot.
// Returns the group id.
func (b *Broker) SubmitGroup(ctx context.Context, members []Signature, opts SubmitOptions) (string, string, error) {
	if len(members) == 0 {
		return "", "", nil
	}
	opts = opts.normalized()
	groupID := uuid.NewString()
	for i, sig := range members {
		env := envelopeFrom(sig, opts)
		env.Group = &GroupRef{ID: groupID, Index: i, Size: len(members)}
		if err := b.Submit(ctx, env); err != nil {
			return "", "", err
		}
	}
	return groupID, opts.CorrelationID, nil
}

// Chord is a parallel body plus a completion callback. Each member is a
// chain of one or more stages; the member's terminal result is the final
// stage's result (or the failure that aborted it).
type Chord struct {
	Members  [][]Signature
	Callback Signature
	// Errback, when set, replaces Callback if any non-ignored member failed.
	Errback *Signature
}

// SubmitChord seeds the pending counter, then enqueues every member with the
// chord reference attached. The member that decrements the counter to zero
// submits the callback with the ordered member results; a failed non-ignored
// member reroutes to the errback. Returns the chord/group id.
func (b *Broker) SubmitChord(ctx context.Context, chord Chord, opts SubmitOptions) (string, string, error) {
	members := make([][]Signature, 0, len(chord.Members))
	for _, m := range chord.Members {
		if len(m) > 0 {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		return "", "", nil
	}
	opts = opts.normalized()
	chordID := uuid.NewString()
	ref := ChordRef{
		Group:    GroupRef{ID: chordID, Size: len(members)},
		Callback: chord.Callback,
		Errback:  chord.Errback,
	}
	// The counter must exist before the first member can finish.
	if err := b.initChord(ctx, chordID, len(members)); err != nil {
		return "", "", err
	}
	for i, member := range members {
		memberRef := ref
		memberRef.Group.Index = i
		env := envelopeFrom(member[0], opts)
		env.Chain = member[1:]
		env.Chord = &memberRef
		if err := b.Submit(ctx, env); err != nil {
			return "", "", err
		}
	}
	return chordID, opts.CorrelationID, nil
}
