// Package session implements the router's per-chat conversational state
// machine, generalized from internal/models.StateMachine's precomputed
// from/to/condition lookup table: four states (IDLE, PROMPTING, CONFIRMING,
// STICKY_READY) instead of a position's football-system states, and
// conditions named after chat events instead of order-management events.
package session

import "fmt"

// State is one point in a chat's conversational state machine.
type State string

const (
	// Idle is the resting state: no pending command, no open confirmation.
	Idle State = "idle"
	// Prompting means a command was recognized but is missing required args;
	// the next free-text message is merged in as additional tokens.
	Prompting State = "prompting"
	// Confirming means a destructive command is awaiting a y/n reply.
	Confirming State = "confirming"
	// StickyReady means a sticky command dispatched successfully and is
	// still "focused" -- the next bare-token message is replayed against it.
	StickyReady State = "sticky_ready"
)

const (
	// EventAllArgs fires when a known command arrives with every required arg filled.
	EventAllArgs = "all_args"
	// EventMissingArgs fires when a known command arrives with required args missing.
	EventMissingArgs = "missing_args"
	// EventMergeComplete/EventMergeStill fire when free text arrives while PROMPTING and is merged into got.
	EventMergeComplete = "merge_complete"
	EventMergeStill    = "merge_still_missing"
	// EventNewRoot fires when a new root command differs from the current sticky/prompting one.
	EventNewRoot = "new_root_command"
	// EventCancel fires on /cancel or /exit.
	EventCancel = "cancel"
	// EventTTLExpired fires when a read finds the session older than its TTL.
	EventTTLExpired = "ttl_expired"
	// EventConfirmYes/No/Other fire while CONFIRMING.
	EventConfirmYes   = "confirm_yes"
	EventConfirmNo    = "confirm_no"
	EventConfirmOther = "confirm_other"
)

// transition names one allowed (from, event) -> to move.
type transition struct {
	From  State
	Event string
	To    State
}

var validTransitions = []transition{
	{Idle, EventAllArgs, StickyReady}, // collapsed at apply-time to Idle when not sticky; see Session.Apply
	{Idle, EventMissingArgs, Prompting},
	{Idle, EventNewRoot, Idle},
	{Idle, EventCancel, Idle},
	{Idle, EventTTLExpired, Idle},

	{Prompting, EventMergeComplete, StickyReady},
	{Prompting, EventMergeStill, Prompting},
	{Prompting, EventNewRoot, Idle},
	{Prompting, EventCancel, Idle},
	{Prompting, EventTTLExpired, Idle},

	{Confirming, EventConfirmYes, Idle},
	{Confirming, EventConfirmNo, Idle},
	{Confirming, EventConfirmOther, Confirming},
	{Confirming, EventNewRoot, Idle},
	{Confirming, EventCancel, Idle},
	{Confirming, EventTTLExpired, Idle},

	{StickyReady, EventAllArgs, StickyReady},
	{StickyReady, EventMissingArgs, Prompting},
	{StickyReady, EventNewRoot, Idle},
	{StickyReady, EventCancel, Idle},
	{StickyReady, EventTTLExpired, Idle},
}

// lookup gives O(1) (from, event) -> to resolution, built once in init.
var lookup map[State]map[string]State

func init() {
	lookup = make(map[State]map[string]State, len(validTransitions))
	for _, t := range validTransitions {
		if lookup[t.From] == nil {
			lookup[t.From] = make(map[string]State)
		}
		lookup[t.From][t.Event] = t.To
	}
}

// Next resolves the successor state for (from, event), or an error if the
// pair is not in the transition table.
func Next(from State, event string) (State, error) {
	if byEvent, ok := lookup[from]; ok {
		if to, ok := byEvent[event]; ok {
			return to, nil
		}
	}
	return "", fmt.Errorf("session: no transition from %s on event %q", from, event)
}

// ConfirmPayload is the saved dispatch request a CONFIRMING session replays on "y".
type ConfirmPayload struct {
	CommandName string            `json:"command_name"`
	Args        map[string]string `json:"args"`
	Prompt      string            `json:"prompt"`
}

// Session is one chat's conversational state, the unit persisted by Store.
type Session struct {
	ChatID      int64             `json:"chat_id"`
	State       State             `json:"state"`
	CommandName string            `json:"command_name,omitempty"`
	Got         map[string]string `json:"got,omitempty"`
	Expected    []string          `json:"expected,omitempty"`
	MissingFrom []string          `json:"missing_from,omitempty"`
	Sticky      bool              `json:"sticky"`
	Confirm     *ConfirmPayload   `json:"confirm,omitempty"`
	CreatedTS   int64             `json:"created_ts"`
	TTLSec      int               `json:"ttl_sec"`
}

// IsExpired reports whether the session is older than its TTL as of nowUnix.
func (s *Session) IsExpired(nowUnix int64) bool {
	if s.TTLSec <= 0 {
		return false
	}
	return nowUnix-s.CreatedTS > int64(s.TTLSec)
}

// ShouldClear reports whether an existing sticky session must be cleared
// before a newly recognized command (possibly "") takes over, per
// should_clear_session: true iff existing is sticky and names a different command.
func ShouldClear(existing *Session, newCommandName string) bool {
	if existing == nil || !existing.Sticky {
		return false
	}
	return existing.CommandName != newCommandName
}

// Apply resolves and performs one transition in place, collapsing
// EventAllArgs's table entry (always StickyReady) down to Idle when the
// command itself isn't sticky -- the one place the generic table needs a
// caller-supplied fact the table can't encode.
func (s *Session) Apply(event string, sticky bool) error {
	to, err := Next(s.State, event)
	if err != nil {
		return err
	}
	if event == EventAllArgs && !sticky {
		to = Idle
	}
	s.State = to
	s.Sticky = sticky && to == StickyReady
	return nil
}
