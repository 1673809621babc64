package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/openaxial/dicomgw/go/catalog"
	"github.com/openaxial/dicomgw/go/inference"
	"github.com/openaxial/dicomgw/go/scp"
	"github.com/openaxial/dicomgw/go/tarball"
)

// retire fails live tasks older than the configured timeout. A stuck task
// otherwise polls forever against a server that has forgotten it.
func (c *Coordinator) retire(ctx context.Context) error {
	var tasks, err = c.store.ActiveTasks(ctx)
	if err != nil {
		return err
	}
	var cutoff = time.Now().UTC().Add(-c.cfg.TaskTimeout)

	for _, t := range tasks {
		if !t.CreatedAt.Before(cutoff) {
			continue
		}
		log.WithFields(log.Fields{
			"task":    t.ID,
			"status":  t.Status,
			"created": t.CreatedAt,
		}).Warn("task exceeded its timeout; retiring as failed")
		c.failTask(ctx, t.ID)
	}
	return nil
}

// fingerprint drains released study groups, waiting up to the run interval
// for more to arrive, and spawns one task per matching fingerprint.
func (c *Coordinator) fingerprint(ctx context.Context) error {
	var fps, err = c.store.Fingerprints(ctx)
	if err != nil {
		return err
	}
	var timer = time.NewTimer(c.cfg.RunInterval)
	defer timer.Stop()

	for {
		select {
		case group, ok := <-c.releases:
			if !ok {
				return nil
			}
			c.fingerprintGroup(ctx, group, fps)
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) fingerprintGroup(ctx context.Context, group *scp.StudyGroup, fps []catalog.Fingerprint) {
	var matches = c.matcher.Evaluate(group, fps)
	if len(matches) == 0 {
		log.WithFields(log.Fields{
			"group":  group.ID,
			"series": len(group.Series),
		}).Info("no fingerprint matched; discarding study group")
		groupsDiscardedTotal.Inc()

		if err := os.RemoveAll(group.Dir); err != nil {
			log.WithFields(log.Fields{"group": group.ID, "err": err}).
				Error("failed to remove discarded study group")
		}
		return
	}

	var taskIDs []int64
	for _, m := range matches {
		var task, err = c.store.AddTask(ctx, m.Fingerprint.ID)
		if err != nil {
			log.WithFields(log.Fields{
				"group":       group.ID,
				"fingerprint": m.Fingerprint.HumanReadableID,
				"err":         err,
			}).Error("failed to create task for matched fingerprint")
			continue
		}
		taskIDs = append(taskIDs, task.ID)
		tasksCreatedTotal.Inc()

		log.WithFields(log.Fields{
			"task":        task.ID,
			"group":       group.ID,
			"fingerprint": m.Fingerprint.HumanReadableID,
			"series":      len(m.SeriesDirs),
		}).Info("study group matched fingerprint")

		if err = tarball.Pack(task.InputArchive, m.SeriesDirs); err != nil {
			log.WithFields(log.Fields{"task": task.ID, "err": err}).
				Error("failed to pack input archive")
			c.failTask(ctx, task.ID)
		}
	}

	if len(taskIDs) == 0 {
		// Every AddTask failed. Leave the group's directory for an operator:
		// its matches were real and removal would lose the study.
		log.WithField("group", group.ID).Error("study group matched but spawned no tasks")
		return
	}
	c.groups[group.ID] = &trackedGroup{dir: group.Dir, taskIDs: taskIDs}
}

// post submits pending input archives to their inference servers. A failed
// post fails the task: its uid was never assigned, so there is no remote
// state to recover.
func (c *Coordinator) post(ctx context.Context) error {
	var tasks, err = c.store.TasksByStatus(ctx, catalog.StatusPending)
	if err != nil || len(tasks) == 0 {
		return err
	}
	index, err := c.fingerprintIndex(ctx)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		fp, ok := index[t.FingerprintID]
		if !ok {
			log.WithFields(log.Fields{"task": t.ID, "fingerprint": t.FingerprintID}).
				Error("task's fingerprint no longer exists")
			c.failTask(ctx, t.ID)
			continue
		}
		uid, err := c.client.Post(ctx, fp.InferenceServerURL, fp.HumanReadableID, t.InputArchive)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithFields(log.Fields{
				"task":   t.ID,
				"server": fp.InferenceServerURL,
				"err":    err,
			}).Error("failed to post input archive")
			c.failTask(ctx, t.ID)
			continue
		}
		log.WithFields(log.Fields{"task": t.ID, "uid": uid}).Info("posted input archive")
		c.updateTask(ctx, t.ID, catalog.TaskUpdate{
			InferenceServerUID: strPtr(uid),
			Status:             statusPtr(catalog.StatusPosted),
		})
	}
	return nil
}

// poll queries posted tasks for their outputs, with bounded parallelism.
// Pending and transient outcomes leave the task posted for the next pass.
func (c *Coordinator) poll(ctx context.Context) error {
	var tasks, err = c.store.TasksByStatus(ctx, catalog.StatusPosted)
	if err != nil || len(tasks) == 0 {
		return err
	}
	index, err := c.fingerprintIndex(ctx)
	if err != nil {
		return err
	}

	var group errgroup.Group
	group.SetLimit(c.cfg.PollParallelism)

	for _, t := range tasks {
		t := t
		group.Go(func() error {
			fp, ok := index[t.FingerprintID]
			if !ok {
				log.WithFields(log.Fields{"task": t.ID, "fingerprint": t.FingerprintID}).
					Error("task's fingerprint no longer exists")
				c.failTask(ctx, t.ID)
				return nil
			}
			c.pollTask(ctx, t, fp)
			return nil
		})
	}
	return group.Wait()
}

func (c *Coordinator) pollTask(ctx context.Context, t catalog.Task, fp catalog.Fingerprint) {
	var outcome, body, err = c.client.Get(ctx, fp.InferenceServerURL, t.InferenceServerUID)
	if err != nil {
		log.WithFields(log.Fields{"task": t.ID, "err": err}).
			Warn("failed to poll for output; will retry")
		return
	}

	switch outcome {
	case inference.OutcomeReady:
		if err = os.WriteFile(t.OutputArchive, body, 0644); err != nil {
			log.WithFields(log.Fields{"task": t.ID, "err": err}).
				Error("failed to write output archive; will re-poll")
			return
		}
		log.WithFields(log.Fields{"task": t.ID, "bytes": len(body)}).
			Info("retrieved output archive")
		c.updateTask(ctx, t.ID, catalog.TaskUpdate{Status: statusPtr(catalog.StatusRetrieved)})
	case inference.OutcomeFailed:
		log.WithFields(log.Fields{"task": t.ID, "uid": t.InferenceServerUID}).
			Error("inference server failed the task")
		c.failTask(ctx, t.ID)
	default:
		// Pending or transient. Poll again next iteration.
	}
}

// forward unpacks retrieved outputs and dispatches them to every destination
// of the task's fingerprint, concurrently. Delivery is best-effort: failures
// are logged and the task still advances to forwarded.
func (c *Coordinator) forward(ctx context.Context) error {
	var tasks, err = c.store.TasksByStatus(ctx, catalog.StatusRetrieved)
	if err != nil || len(tasks) == 0 {
		return err
	}
	index, err := c.fingerprintIndex(ctx)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fp, ok := index[t.FingerprintID]
		if !ok {
			log.WithFields(log.Fields{"task": t.ID, "fingerprint": t.FingerprintID}).
				Error("task's fingerprint no longer exists")
			c.failTask(ctx, t.ID)
			continue
		}
		if len(fp.Destinations) == 0 {
			log.WithFields(log.Fields{"task": t.ID, "fingerprint": fp.HumanReadableID}).
				Error("fingerprint has no destinations; output cannot be delivered")
			c.failTask(ctx, t.ID)
			continue
		}
		c.forwardTask(ctx, t, fp)
	}
	return nil
}

func (c *Coordinator) forwardTask(ctx context.Context, t catalog.Task, fp catalog.Fingerprint) {
	var dir, err = os.MkdirTemp(filepath.Dir(t.OutputArchive), "forward-")
	if err != nil {
		log.WithFields(log.Fields{"task": t.ID, "err": err}).
			Error("failed to stage output for forwarding")
		return
	}
	defer os.RemoveAll(dir)

	if err = tarball.Unpack(t.OutputArchive, dir); err != nil {
		log.WithFields(log.Fields{"task": t.ID, "err": err}).
			Error("output archive does not unpack")
		c.failTask(ctx, t.ID)
		return
	}

	var group multierror.Group
	for _, d := range fp.Destinations {
		d := d
		group.Go(func() error {
			if err := c.sender.SendDirectory(ctx, d.Host, d.Port, d.AETitle, dir); err != nil {
				return fmt.Errorf("sending to %s@%s:%d: %w", d.AETitle, d.Host, d.Port, err)
			}
			log.WithFields(log.Fields{
				"task": t.ID,
				"dest": fmt.Sprintf("%s@%s:%d", d.AETitle, d.Host, d.Port),
			}).Info("forwarded output")
			return nil
		})
	}
	if errs := group.Wait().ErrorOrNil(); errs != nil {
		log.WithFields(log.Fields{"task": t.ID, "err": errs}).
			Error("forwarding failed for some destinations")
	}
	c.updateTask(ctx, t.ID, catalog.TaskUpdate{Status: statusPtr(catalog.StatusForwarded)})
}

// cleanup releases the local and remote state of forwarded and failed tasks,
// honoring the fingerprint's delete flags, then moves them to their terminal
// status. Each deletion is recorded as it happens so a crash mid-cleanup
// never repeats the other half.
func (c *Coordinator) cleanup(ctx context.Context) error {
	var index, err = c.fingerprintIndex(ctx)
	if err != nil {
		return err
	}
	for _, status := range []catalog.Status{catalog.StatusForwarded, catalog.StatusFailed} {
		tasks, err := c.store.TasksByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.cleanupTask(ctx, t, index)
		}
	}
	return nil
}

func (c *Coordinator) cleanupTask(ctx context.Context, t catalog.Task, index map[int64]catalog.Fingerprint) {
	// A deleted fingerprint can no longer say to keep anything.
	var deleteLocally, deleteRemotely = true, true
	var serverURL string
	if fp, ok := index[t.FingerprintID]; ok {
		deleteLocally, deleteRemotely = fp.DeleteLocally, fp.DeleteRemotely
		serverURL = fp.InferenceServerURL
	}

	var update catalog.TaskUpdate

	if deleteLocally && !t.DeletedLocal {
		if err := os.RemoveAll(filepath.Dir(t.InputArchive)); err != nil {
			log.WithFields(log.Fields{"task": t.ID, "err": err}).
				Error("failed to remove task archives")
		}
		t.DeletedLocal = true
		update.DeletedLocal = boolPtr(true)
	}

	if deleteRemotely && !t.DeletedRemote {
		// A task that never posted has no uid and nothing remote to delete.
		if t.InferenceServerUID != "" && serverURL != "" {
			if err := c.client.Delete(ctx, serverURL, t.InferenceServerUID); err != nil {
				if ctx.Err() != nil {
					return
				}
				// The server reaps expired uploads itself; don't hold the
				// task hostage to its availability.
				log.WithFields(log.Fields{
					"task": t.ID,
					"uid":  t.InferenceServerUID,
					"err":  err,
				}).Warn("failed to delete remote upload")
			}
		}
		t.DeletedRemote = true
		update.DeletedRemote = boolPtr(true)
	}

	if (!deleteLocally || t.DeletedLocal) && (!deleteRemotely || t.DeletedRemote) {
		switch t.Status {
		case catalog.StatusForwarded:
			update.Status = statusPtr(catalog.StatusSucceeded)
		case catalog.StatusFailed:
			update.Status = statusPtr(catalog.StatusFailedCleaned)
		}
	}
	if update != (catalog.TaskUpdate{}) && c.updateTask(ctx, t.ID, update) && update.Status != nil {
		log.WithFields(log.Fields{"task": t.ID, "status": *update.Status}).
			Info("task reached terminal status")
	}
}

// collect removes the storage directories of study groups whose every task
// is terminal. Groups are tracked in memory only: a restart orphans pending
// directories under the storage root, which an operator reaps.
func (c *Coordinator) collect(ctx context.Context) error {
	for id, tg := range c.groups {
		var done = true
		for _, taskID := range tg.taskIDs {
			var t, err = c.store.Task(ctx, taskID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// A vanished row can't become un-terminal.
				continue
			}
			if !t.Status.Terminal() {
				done = false
				break
			}
		}
		if !done {
			continue
		}
		if err := os.RemoveAll(tg.dir); err != nil {
			log.WithFields(log.Fields{"group": id, "err": err}).
				Error("failed to remove study group directory")
			continue
		}
		log.WithFields(log.Fields{"group": id, "tasks": len(tg.taskIDs)}).
			Info("collected study group")
		delete(c.groups, id)
	}
	return nil
}
