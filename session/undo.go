package session

import (
	"encoding/json"

	"gemcli/errors"
)

// maxUndoDepth bounds memory: snapshots beyond this many drop off the old
// end of the stack.
const maxUndoDepth = 40

// snapshot is a deep copy of the session's replayable state, taken by
// serializing the exported fields. JSON copying is slower than hand-written
// clones but cannot drift from the data model.
type snapshot []byte

type undoStack struct {
	undo []snapshot
	redo []snapshot
}

func newUndoStack() *undoStack {
	return &undoStack{}
}

func (s *Session) capture() (snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to snapshot session")
	}
	return data, nil
}

func (s *Session) restore(snap snapshot) error {
	var restored Session
	if err := json.Unmarshal(snap, &restored); err != nil {
		return errors.Wrapf(err, "failed to restore snapshot")
	}
	restored.dir = s.dir
	restored.undo = s.undo
	*s = restored
	return nil
}

// Checkpoint records the current state onto the undo stack. Call it before
// any mutation you want reversible. Any pending redo states are discarded:
// a new mutation forks history and the redo branch is gone.
func (s *Session) Checkpoint() {
	snap, err := s.capture()
	if err != nil {
		return
	}
	s.undo.undo = append(s.undo.undo, snap)
	if len(s.undo.undo) > maxUndoDepth {
		s.undo.undo = s.undo.undo[len(s.undo.undo)-maxUndoDepth:]
	}
	s.undo.redo = nil
}

// DropCheckpoint discards the most recent checkpoint without applying it.
// Used when the mutation it guarded was rolled back another way.
func (s *Session) DropCheckpoint() {
	if len(s.undo.undo) > 0 {
		s.undo.undo = s.undo.undo[:len(s.undo.undo)-1]
	}
}

// Undo reverts to the most recent checkpoint. The pre-undo state moves to
// the redo stack so Undo and Redo mirror each other exactly.
func (s *Session) Undo() error {
	if len(s.undo.undo) == 0 {
		return errors.New("nothing to undo")
	}
	current, err := s.capture()
	if err != nil {
		return err
	}
	snap := s.undo.undo[len(s.undo.undo)-1]
	s.undo.undo = s.undo.undo[:len(s.undo.undo)-1]
	if err := s.restore(snap); err != nil {
		s.undo.undo = append(s.undo.undo, snap)
		return err
	}
	s.undo.redo = append(s.undo.redo, current)
	return nil
}

// Redo re-applies the most recently undone state.
func (s *Session) Redo() error {
	if len(s.undo.redo) == 0 {
		return errors.New("nothing to redo")
	}
	current, err := s.capture()
	if err != nil {
		return err
	}
	snap := s.undo.redo[len(s.undo.redo)-1]
	s.undo.redo = s.undo.redo[:len(s.undo.redo)-1]
	if err := s.restore(snap); err != nil {
		s.undo.redo = append(s.undo.redo, snap)
		return err
	}
	s.undo.undo = append(s.undo.undo, current)
	return nil
}

// UndoDepth reports how many states can be undone.
func (s *Session) UndoDepth() int { return len(s.undo.undo) }

// RedoDepth reports how many states can be redone.
func (s *Session) RedoDepth() int { return len(s.undo.redo) }
