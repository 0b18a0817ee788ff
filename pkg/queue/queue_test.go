package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkItem_EncodeDecode(t *testing.T) {
	item := &WorkItem{
		Action:          ActionProcessTask,
		TaskID:          "task-1",
		AssistantTaskID: "task-2",
		ProjectID:       "proj-1",
		AgentID:         "agent-1",
		Content:         "summarize the quarterly numbers",
		Metadata: WorkItemMetadata{
			ThreadID:          "thread-1",
			Stream:            true,
			OverrideProjectID: "proj-2",
		},
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}

	data, err := item.Encode()
	require.NoError(t, err)

	got, err := DecodeWorkItem(data)
	require.NoError(t, err)
	assert.Equal(t, item.TaskID, got.TaskID)
	assert.Equal(t, item.AssistantTaskID, got.AssistantTaskID)
	assert.Equal(t, item.Metadata.OverrideProjectID, got.Metadata.OverrideProjectID)
	assert.True(t, got.Metadata.Stream)
	assert.True(t, item.Timestamp.Equal(got.Timestamp))
}

func TestWorkItem_ExecutionProjectID(t *testing.T) {
	item := &WorkItem{ProjectID: "proj-1"}
	assert.Equal(t, "proj-1", item.ExecutionProjectID())

	item.Metadata.OverrideProjectID = "proj-2"
	assert.Equal(t, "proj-2", item.ExecutionProjectID())
}

func TestWorkItem_Age(t *testing.T) {
	now := time.Now().UTC()
	item := &WorkItem{Timestamp: now.Add(-90 * time.Minute)}
	assert.Equal(t, 90*time.Minute, item.Age(now))
}

func TestWorkItem_Validate(t *testing.T) {
	item := &WorkItem{
		Action:          ActionProcessTask,
		TaskID:          "t",
		AssistantTaskID: "t2",
		ProjectID:       "p",
		AgentID:         "a",
	}
	assert.NoError(t, item.Validate())

	missing := *item
	missing.TaskID = ""
	assert.Error(t, missing.Validate())

	missing = *item
	missing.AgentID = ""
	assert.Error(t, missing.Validate())
}

func TestDecodeWorkItem_Invalid(t *testing.T) {
	_, err := DecodeWorkItem([]byte("not json"))
	assert.Error(t, err)
}
