package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"
)

func TestSchemaSnapshot(t *testing.T) {
	cupaloy.SnapshotT(t, schema)
}

func TestFingerprintRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var store = openTestStore(t)

	fp, err := store.AddFingerprint(ctx, Fingerprint{
		HumanReadableID:    "ct-head-stroke",
		InferenceServerURL: "https://models.example.com/stroke",
		Version:            "2.1.0",
		Description:        "Head CT stroke triage",
		DeleteLocally:      true,
		DeleteRemotely:     false,
	})
	require.NoError(t, err)
	require.NotZero(t, fp.ID)

	// Patterns must compile before the trigger is accepted.
	_, err = store.AddTrigger(ctx, fp.ID, Trigger{StudyDescriptionPattern: "(head"})
	require.ErrorContains(t, err, "compiling study_description_pattern")

	trigger, err := store.AddTrigger(ctx, fp.ID, Trigger{
		StudyDescriptionPattern: "head.*ct",
		ExcludePattern:          "scout",
	})
	require.NoError(t, err)
	require.Equal(t, fp.ID, trigger.FingerprintID)

	attached, err := store.AddDestination(ctx, Destination{Host: "pacs.example.com", Port: 104, AETitle: "PACS"}, fp.ID)
	require.NoError(t, err)
	loose, err := store.AddDestination(ctx, Destination{Host: "viewer.example.com", Port: 11112, AETitle: "VIEWER"}, 0)
	require.NoError(t, err)

	require.NoError(t, store.AttachDestination(ctx, fp.ID, loose.ID))
	// Attaching again is a no-op.
	require.NoError(t, store.AttachDestination(ctx, fp.ID, loose.ID))
	require.ErrorIs(t, store.AttachDestination(ctx, fp.ID, 999), ErrNotFound)

	got, err := store.Fingerprint(ctx, fp.ID)
	require.NoError(t, err)
	require.Equal(t, "ct-head-stroke", got.HumanReadableID)
	require.Len(t, got.Triggers, 1)
	require.Equal(t, "head.*ct", got.Triggers[0].StudyDescriptionPattern)
	require.Equal(t, []Destination{
		{ID: attached.ID, Host: "pacs.example.com", Port: 104, AETitle: "PACS"},
		{ID: loose.ID, Host: "viewer.example.com", Port: 11112, AETitle: "VIEWER"},
	}, got.Destinations)

	// Deleting the fingerprint cascades to triggers and join rows, but
	// destinations are shared and survive.
	require.NoError(t, store.DeleteTrigger(ctx, trigger.ID))
	require.NoError(t, store.DeleteFingerprint(ctx, fp.ID))
	_, err = store.Fingerprint(ctx, fp.ID)
	require.ErrorIs(t, err, ErrNotFound)

	dests, err := store.Destinations(ctx)
	require.NoError(t, err)
	require.Len(t, dests, 2)

	require.NoError(t, store.DeleteDestination(ctx, loose.ID))
	require.ErrorIs(t, store.DeleteDestination(ctx, loose.ID), ErrNotFound)
}

func TestTaskLifecycle(t *testing.T) {
	var ctx = context.Background()
	var store = openTestStore(t)

	fp, err := store.AddFingerprint(ctx, Fingerprint{
		HumanReadableID:    "mr-prostate",
		InferenceServerURL: "https://models.example.com/prostate",
	})
	require.NoError(t, err)

	task, err := store.AddTask(ctx, fp.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	require.Equal(t, "input.tar", filepath.Base(task.InputArchive))
	require.Equal(t, "output.tar", filepath.Base(task.OutputArchive))
	require.DirExists(t, filepath.Dir(task.InputArchive))
	require.Equal(t, filepath.Dir(task.InputArchive), filepath.Dir(task.OutputArchive))

	got, err := store.Task(ctx, task.ID)
	require.NoError(t, err)
	require.WithinDuration(t, task.CreatedAt, got.CreatedAt, time.Second)

	// A second task gets its own folder.
	other, err := store.AddTask(ctx, fp.ID)
	require.NoError(t, err)
	require.NotEqual(t, filepath.Dir(task.InputArchive), filepath.Dir(other.InputArchive))

	// The uid is assigned at most once.
	task, err = store.UpdateTask(ctx, task.ID, TaskUpdate{
		InferenceServerUID: strPtr("uid-1234"),
		Status:             statusPtr(StatusPosted),
	})
	require.NoError(t, err)
	require.Equal(t, "uid-1234", task.InferenceServerUID)

	_, err = store.UpdateTask(ctx, task.ID, TaskUpdate{InferenceServerUID: strPtr("uid-9999")})
	require.ErrorContains(t, err, "already assigned")
	_, err = store.UpdateTask(ctx, task.ID, TaskUpdate{InferenceServerUID: strPtr("uid-1234")})
	require.NoError(t, err)

	// Walk the task through to SUCCEEDED; skipping a phase is rejected.
	_, err = store.UpdateTask(ctx, task.ID, TaskUpdate{Status: statusPtr(StatusForwarded)})
	require.ErrorIs(t, err, ErrIllegalTransition)

	for _, next := range []Status{StatusRetrieved, StatusForwarded, StatusSucceeded} {
		task, err = store.UpdateTask(ctx, task.ID, TaskUpdate{Status: statusPtr(next)})
		require.NoError(t, err)
		require.Equal(t, next, task.Status)
	}
	_, err = store.UpdateTask(ctx, task.ID, TaskUpdate{Status: statusPtr(StatusFailed)})
	require.ErrorIs(t, err, ErrIllegalTransition)

	// Deletion flags survive round trips.
	task, err = store.UpdateTask(ctx, task.ID, TaskUpdate{DeletedLocal: boolPtr(true), DeletedRemote: boolPtr(true)})
	require.NoError(t, err)
	require.True(t, task.DeletedLocal)
	require.True(t, task.DeletedRemote)

	// The other task fails and is then cleaned.
	for _, next := range []Status{StatusFailed, StatusFailedCleaned} {
		_, err = store.UpdateTask(ctx, other.ID, TaskUpdate{Status: statusPtr(next)})
		require.NoError(t, err)
	}

	pending, err := store.TasksByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Empty(t, pending)

	active, err := store.ActiveTasks(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	all, err := store.Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = store.UpdateTask(ctx, 999, TaskUpdate{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestActiveTasksOrdering(t *testing.T) {
	var ctx = context.Background()
	var store = openTestStore(t)

	fp, err := store.AddFingerprint(ctx, Fingerprint{
		HumanReadableID:    "cr-chest",
		InferenceServerURL: "https://models.example.com/chest",
	})
	require.NoError(t, err)

	var ids []int64
	for i := 0; i != 3; i++ {
		task, err := store.AddTask(ctx, fp.ID)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	_, err = store.UpdateTask(ctx, ids[1], TaskUpdate{Status: statusPtr(StatusFailed)})
	require.NoError(t, err)

	active, err := store.ActiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, ids[0], active[0].ID)
	require.Equal(t, ids[2], active[1].ID)
}

func openTestStore(t *testing.T) *Store {
	var store, err = Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	// The task data directory is created alongside the database.
	_, err = os.Stat(store.dataDir)
	require.NoError(t, err)
	return store
}

func strPtr(s string) *string { return &s }

func statusPtr(s Status) *Status { return &s }

func boolPtr(b bool) *bool { return &b }
