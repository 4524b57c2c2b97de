package engine

import (
	"sync"

	"github.com/triagekit/triagekit/pkg/schema"
)

// TransitionHook is called before or after a stage transition.
type TransitionHook func(from, to string) error

// ValidStageTransitions is the legal stage graph. The workflow is linear
// except for the branch after DECIDE: auto-resolution continues to UPDATE,
// escalation exits the workflow. WAIT may loop back to itself while the
// session waits for customer answers.
var ValidStageTransitions = map[string][]string{
	schema.StageIntake:     {schema.StageUnderstand},
	schema.StageUnderstand: {schema.StagePrepare},
	schema.StagePrepare:    {schema.StageAsk},
	schema.StageAsk:        {schema.StageWait},
	schema.StageWait:       {schema.StageWait, schema.StageRetrieve},
	schema.StageRetrieve:   {schema.StageDecide},
	schema.StageDecide:     {schema.StageUpdate},
	schema.StageUpdate:     {schema.StageCreate},
	schema.StageCreate:     {schema.StageDo},
	schema.StageDo:         {schema.StageComplete},
	schema.StageComplete:   {},
}

type hookKey struct {
	from, to string
}

// StageFSM validates stage-to-stage transitions against the fixed workflow
// graph and runs registered hooks around each hop.
type StageFSM struct {
	mu     sync.Mutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewStageFSM creates a stage FSM over the fixed transition table.
func NewStageFSM() *StageFSM {
	return &StageFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *StageFSM) OnBefore(from, to string, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *StageFSM) OnAfter(from, to string, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a stage transition for a session.
func (f *StageFSM) Transition(sessionID, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStageTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid stage transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_id": sessionID, "from": from, "to": to})
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

func isValidStageTransition(from, to string) bool {
	allowed, ok := ValidStageTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
