/*
Package conversation enforces per-session turn ordering for chat.

Each session numbers turns monotonically under its own mutex: a user
message opens turn n and returns the canonical history up to it; the
assistant reply for turn n is accepted exactly once, and only after the
user message exists. Duplicate replies are rejected without mutating
state, which is what keeps multi-worker deployments from interleaving
responses.

Turn numbers are assigned exactly once per user message, on the
processor side; edges observe turn_number in response metadata and never
assign their own.

An hourly sweep expires sessions past max_session_age_hours and trims
sessions beyond max_turns_per_session to their tail.
*/
package conversation
