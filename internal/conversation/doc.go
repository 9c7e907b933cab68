// Package conversation runs conversation cycles against a session's turn log.
//
// # Overview
//
// A cycle takes one inbound user turn (text or voice) and produces one
// assistant turn, moving through fixed stages:
//
//	received -> transcribing -> appending_user -> completing
//	         -> appending_assistant -> synthesizing -> delivered
//
// Any stage may end in failed. Transcribing runs only for voice input and
// synthesizing only when a voice reply was requested.
//
// # Service
//
//	svc := conversation.New(conversation.Deps{
//	    Store:       store,
//	    Locker:      locker,
//	    Completer:   completer,
//	    Transcriber: transcriber,
//	    Synthesizer: synthesizer,
//	    Events:      conversation.NewEventBroadcaster(logger),
//	}, conversation.Options{}, logger)
//
//	res, err := svc.Submit(ctx, &conversation.SubmitRequest{
//	    SessionID: sessionID,
//	    Text:      "Hello",
//	})
//
// # Ordering and Exclusivity
//
// A session lease is held from the user append through delivery, so one
// session never has two cycles in flight. A second submission while the lease
// is held fails with SessionBusy. Sessions do not block each other.
//
// The user turn is appended before the model is called. If completion fails
// the user turn stays in the log without a reply and the error reports
// UserTurnRecorded. Once the user turn is recorded the cycle runs on a
// context detached from the caller.
//
// # Retries and Idempotency
//
// Completion is retried with exponential backoff while the model reports
// ModelUnavailable, up to MaxRetryAttempts in total. Other failures surface
// immediately.
//
// Every request carries a request_id. Resubmitting a delivered request_id
// replays the stored reply. Resubmitting one whose user turn has no reply
// continues from completion, provided no later turn has been appended.
//
// # Events
//
// Stage transitions are published to an EventBroadcaster keyed by session ID.
// Slow subscribers miss events rather than block the cycle.
package conversation
