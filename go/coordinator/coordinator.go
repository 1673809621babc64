// Package coordinator drives received study groups through the routing
// pipeline: it matches fingerprints, posts input archives to inference
// servers, polls for their outputs, forwards results to destination DICOM
// peers, and cleans up local and remote state.
package coordinator

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/openaxial/dicomgw/go/catalog"
	"github.com/openaxial/dicomgw/go/inference"
	"github.com/openaxial/dicomgw/go/match"
	"github.com/openaxial/dicomgw/go/scp"
)

// Config configures a Coordinator.
type Config struct {
	// RunInterval paces iterations of the pipeline, and bounds the wait for
	// newly released study groups within each. Zero means 10 seconds.
	RunInterval time.Duration
	// TaskTimeout is the wall-clock age past which a live task is retired
	// as failed. Zero means two hours.
	TaskTimeout time.Duration
	// PollParallelism bounds concurrent output polls. Zero means 4.
	PollParallelism int
}

// InferenceClient is the coordinator's view of the inference HTTPS client.
// *inference.Client implements it.
type InferenceClient interface {
	Post(ctx context.Context, serverURL, humanReadableID, archivePath string) (string, error)
	Get(ctx context.Context, serverURL, uid string) (inference.Outcome, []byte, error)
	Delete(ctx context.Context, serverURL, uid string) error
}

// DirectorySender delivers a directory of instances to a DICOM peer.
// scu.Sender implements it.
type DirectorySender interface {
	SendDirectory(ctx context.Context, host string, port uint16, calledAETitle, dir string) error
}

// trackedGroup remembers the tasks a drained study group spawned, so its
// storage directory can be collected once every task is terminal.
type trackedGroup struct {
	dir     string
	taskIDs []int64
}

// Coordinator owns the periodic pipeline. It is the catalog's only task
// writer, which is what lets each phase read a task's status and advance it
// without coordination.
type Coordinator struct {
	cfg      Config
	store    *catalog.Store
	matcher  *match.Matcher
	client   InferenceClient
	sender   DirectorySender
	releases <-chan *scp.StudyGroup

	// groups is touched only from the run loop.
	groups map[string]*trackedGroup
}

// New builds a Coordinator consuming study groups from releases.
func New(cfg Config, store *catalog.Store, client InferenceClient, sender DirectorySender, releases <-chan *scp.StudyGroup) *Coordinator {
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = 10 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Hour
	}
	if cfg.PollParallelism <= 0 {
		cfg.PollParallelism = 4
	}
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		matcher:  match.NewMatcher(),
		client:   client,
		sender:   sender,
		releases: releases,
		groups:   make(map[string]*trackedGroup),
	}
}

// QueueTasks queues the coordinator's run loop.
func (c *Coordinator) QueueTasks(tasks *task.Group) {
	tasks.Queue("coordinator.run", func() error {
		return c.Run(tasks.Context())
	})
}

// Run iterates the pipeline until ctx is cancelled. Cancellation finishes
// the phase in progress, then runs one final cleanup pass so tasks already
// failed or forwarded reach their terminal status before exit.
func (c *Coordinator) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"interval":    c.cfg.RunInterval,
		"taskTimeout": c.cfg.TaskTimeout,
	}).Info("coordinator started")

	var ticker = time.NewTicker(c.cfg.RunInterval)
	defer ticker.Stop()

	for {
		c.runIteration(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			c.drain()
			log.Info("coordinator stopped")
			return nil
		}
	}
}

// runIteration runs each phase once, in order. A phase failure is logged
// and the iteration continues: whatever state the phase did not advance is
// picked up again on the next pass. Cancellation stops the iteration at the
// next phase boundary.
func (c *Coordinator) runIteration(ctx context.Context) {
	var phases = []struct {
		name string
		fn   func(context.Context) error
	}{
		{"retire", c.retire},
		{"fingerprint", c.fingerprint},
		{"post", c.post},
		{"poll", c.poll},
		{"forward", c.forward},
		{"cleanup", c.cleanup},
		{"collect", c.collect},
	}
	for _, phase := range phases {
		if ctx.Err() != nil {
			return
		}
		if err := phase.fn(ctx); err != nil && ctx.Err() == nil {
			log.WithFields(log.Fields{"phase": phase.name, "err": err}).
				Error("coordinator phase failed")
		}
	}
}

// drain runs cleanup and collection once more under a bounded grace
// context, since the run context is already cancelled.
func (c *Coordinator) drain() {
	var ctx, cancel = context.WithTimeout(context.Background(), c.cfg.RunInterval)
	defer cancel()

	if err := c.cleanup(ctx); err != nil {
		log.WithField("err", err).Warn("cleanup drain failed during shutdown")
	}
	if err := c.collect(ctx); err != nil {
		log.WithField("err", err).Warn("group collection failed during shutdown")
	}
}

// fingerprintIndex returns the catalog's fingerprints keyed by id.
func (c *Coordinator) fingerprintIndex(ctx context.Context) (map[int64]catalog.Fingerprint, error) {
	var fps, err = c.store.Fingerprints(ctx)
	if err != nil {
		return nil, err
	}
	var index = make(map[int64]catalog.Fingerprint, len(fps))
	for _, fp := range fps {
		index[fp.ID] = fp
	}
	return index, nil
}

// updateTask applies a task update, logging rather than returning failures:
// the task keeps its prior state and the phase re-attempts it next iteration.
func (c *Coordinator) updateTask(ctx context.Context, taskID int64, update catalog.TaskUpdate) bool {
	var _, err = c.store.UpdateTask(ctx, taskID, update)
	if err != nil {
		log.WithFields(log.Fields{"task": taskID, "err": err}).
			Error("catalog update failed; task keeps its prior state")
		return false
	}
	if update.Status != nil {
		taskTransitionsTotal.WithLabelValues(update.Status.String()).Inc()
	}
	return true
}

// failTask flips a task to FAILED, leaving cleanup to a later phase.
func (c *Coordinator) failTask(ctx context.Context, taskID int64) {
	c.updateTask(ctx, taskID, catalog.TaskUpdate{Status: statusPtr(catalog.StatusFailed)})
}

func statusPtr(s catalog.Status) *catalog.Status { return &s }

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
