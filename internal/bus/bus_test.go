package bus

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSendAssignsTaskID(t *testing.T) {
	b := testBus(t)

	msg := &Message{
		From:   RoleBrain,
		To:     RoleBuilder,
		Action: "build",
		Payload: map[string]interface{}{
			"task": "write a parser",
		},
	}
	id, err := b.Send(msg)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))
	assert.NotEmpty(t, msg.TaskID)
	assert.Equal(t, StatusPending, msg.Status)
}

func TestSendRejectsInvalidRole(t *testing.T) {
	b := testBus(t)

	_, err := b.Send(&Message{From: "intern", To: RoleBuilder, Action: "build"})
	assert.Error(t, err)
}

func TestReceiveMarksInProgress(t *testing.T) {
	b := testBus(t)

	_, err := b.Send(&Message{From: RoleBrain, To: RoleBuilder, Action: "build"})
	require.NoError(t, err)
	_, err = b.Send(&Message{From: RoleBrain, To: RoleVerifier, Action: "verify"})
	require.NoError(t, err)

	msgs, err := b.Receive(RoleBuilder, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusInProgress, msgs[0].Status)

	// A second receive finds nothing pending for the builder.
	again, err := b.Receive(RoleBuilder, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// The verifier message is untouched.
	verifierMsgs, err := b.Receive(RoleVerifier, 10)
	require.NoError(t, err)
	assert.Len(t, verifierMsgs, 1)
}

func TestReceiveDeliversInSendOrder(t *testing.T) {
	b := testBus(t)

	var taskIDs []string
	for i := 0; i < 5; i++ {
		msg := &Message{From: RoleBrain, To: RoleBuilder, Action: "build"}
		_, err := b.Send(msg)
		require.NoError(t, err)
		taskIDs = append(taskIDs, msg.TaskID)
	}

	msgs, err := b.Receive(RoleBuilder, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, taskIDs[i], m.TaskID, "message %d out of order", i)
	}
}

func TestUpdateStatusTargetsLatestRow(t *testing.T) {
	b := testBus(t)

	msg := &Message{From: RoleBrain, To: RoleBuilder, Action: "build"}
	_, err := b.Send(msg)
	require.NoError(t, err)

	// Second row for the same task id.
	second := &Message{TaskID: msg.TaskID, From: RoleBuilder, To: RoleBrain, Action: "build_result"}
	secondID, err := b.Send(second)
	require.NoError(t, err)

	require.NoError(t, b.UpdateStatus(msg.TaskID, StatusCompleted, "done", ""))

	latest, err := b.GetTask(msg.TaskID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, secondID, latest.ID)
	assert.Equal(t, StatusCompleted, latest.Status)
	assert.Equal(t, "done", latest.Result)
}

func TestGetTaskUnknownReturnsNil(t *testing.T) {
	b := testBus(t)

	msg, err := b.GetTask("no-such-task")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestReadSinceAndMaxID(t *testing.T) {
	b := testBus(t)

	maxID, err := b.MaxID()
	require.NoError(t, err)
	assert.Equal(t, int64(0), maxID)

	var firstID int64
	for i := 0; i < 3; i++ {
		id, err := b.Send(&Message{From: RoleBrain, To: RoleBuilder, Action: "build"})
		require.NoError(t, err)
		if i == 0 {
			firstID = id
		}
	}

	msgs, err := b.ReadSince(firstID, 20)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	maxID, err = b.MaxID()
	require.NoError(t, err)
	assert.Equal(t, firstID+2, maxID)
}

func TestBlockRequiresReason(t *testing.T) {
	b := testBus(t)

	id, err := b.Send(&Message{From: RoleBuilder, To: RoleBrain, Action: "build_result"})
	require.NoError(t, err)

	assert.Error(t, b.Block(id, ""))
	require.NoError(t, b.Block(id, "secret detected in artifact"))

	msgs, err := b.ReadSince(id-1, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusBlocked, msgs[0].Status)
	assert.NotEmpty(t, msgs[0].Error)
}

func TestGetByID(t *testing.T) {
	b := testBus(t)

	id, err := b.Send(&Message{From: RoleBuilder, To: RoleBrain, Action: "task_result"})
	require.NoError(t, err)

	msg, err := b.GetByID(id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "task_result", msg.Action)

	none, err := b.GetByID(id + 99)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMarkReviewedStampsVerdict(t *testing.T) {
	b := testBus(t)

	id, err := b.Send(&Message{From: RoleBuilder, To: RoleBrain, Action: "task_result"})
	require.NoError(t, err)

	require.NoError(t, b.Flag(id, []string{"hardcoded password"}))
	require.NoError(t, b.MarkReviewed(id, "FLAG"))

	msg, err := b.GetByID(id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "FLAG", msg.Metadata["guardian_verdict"])
	// Stamping preserves the flags already merged in.
	flags, ok := msg.Metadata["guardian_flags"].([]interface{})
	require.True(t, ok)
	assert.Len(t, flags, 1)
	assert.Equal(t, StatusPending, msg.Status)
}

func TestFlagMergesMetadata(t *testing.T) {
	b := testBus(t)

	id, err := b.Send(&Message{From: RoleBuilder, To: RoleBrain, Action: "build_result"})
	require.NoError(t, err)

	require.NoError(t, b.Flag(id, []string{"hardcoded password"}))
	require.NoError(t, b.Flag(id, []string{"sql string concatenation"}))

	msgs, err := b.ReadSince(id-1, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	flags, ok := msgs[0].Metadata["guardian_flags"].([]interface{})
	require.True(t, ok)
	assert.Len(t, flags, 2)
	// Status is unchanged by flagging.
	assert.Equal(t, StatusPending, msgs[0].Status)
}
