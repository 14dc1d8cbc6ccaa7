package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueRunComplete(t *testing.T) {
	var ran []string
	s := New(func(op *Op) error {
		ran = append(ran, op.Action.String()+":"+op.LocalName)
		return nil
	})

	s.Enqueue(&Op{Action: ActionArchive, LocalName: "a"})
	s.Enqueue(&Op{Action: ActionArchive, LocalName: "b"})
	s.Enqueue(&Op{Action: ActionArchive, LocalName: "c"})

	require.NoError(t, s.Run())
	assert.Equal(t, []string{"ARCHIVE:a"}, ran)

	empty, err := s.Complete()
	require.NoError(t, err)
	assert.False(t, empty)
	assert.Equal(t, []string{"ARCHIVE:a", "ARCHIVE:b"}, ran)

	empty, err = s.Complete()
	require.NoError(t, err)
	assert.False(t, empty)
	assert.Equal(t, []string{"ARCHIVE:a", "ARCHIVE:b", "ARCHIVE:c"}, ran)

	empty, err = s.Complete()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestEnqueueAfterSplicesPrerequisite(t *testing.T) {
	var ran []string
	s := New(func(op *Op) error {
		ran = append(ran, op.LocalName)
		return nil
	})

	user := &Op{Action: ActionExtract, LocalName: "user-visible"}
	s.Enqueue(user)

	require.NoError(t, s.Run())
	assert.Equal(t, []string{"user-visible"}, ran)

	// Splice a prerequisite "ahead" by inserting after the currently
	// running op; it runs next, before anything that was queued after
	// the user op.
	prereq := &Op{Action: ActionExtract, LocalName: "basis-ctfile"}
	require.NoError(t, s.EnqueueAfter(user, prereq))

	empty, err := s.Complete()
	require.NoError(t, err)
	assert.False(t, empty)
	assert.Equal(t, []string{"user-visible", "basis-ctfile"}, ran)

	empty, err = s.Complete()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestCleanupAlwaysRuns(t *testing.T) {
	s := New(func(op *Op) error { return nil })
	cleaned := false
	op := &Op{Action: ActionDelete, Cleanup: func(*Op) { cleaned = true }}
	s.Enqueue(op)
	require.NoError(t, s.Run())
	_, err := s.Complete()
	require.NoError(t, err)
	assert.True(t, cleaned)
}

func TestNextCanEnqueueMoreWork(t *testing.T) {
	var ran []string
	s := New(func(op *Op) error {
		ran = append(ran, op.LocalName)
		return nil
	})

	first := &Op{
		Action:    ActionList,
		LocalName: "first",
		Next: func(s *Scheduler, op *Op) error {
			s.Enqueue(&Op{Action: ActionList, LocalName: "spawned"})
			return nil
		},
	}
	s.Enqueue(first)
	require.NoError(t, s.Run())

	empty, err := s.Complete()
	require.NoError(t, err)
	assert.False(t, empty)
	assert.Equal(t, []string{"first", "spawned"}, ran)
}

func TestRunOnEmptyQueueIsNoop(t *testing.T) {
	s := New(func(op *Op) error { t.Fatal("dispatch should not be called"); return nil })
	require.NoError(t, s.Run())
	assert.Equal(t, 0, s.Len())
}
