// Package scp implements the inbound DICOM receiver: a storage SCP which
// accumulates the series of each association into a StudyGroup and hands
// completed groups to the coordinator when the association releases.
package scp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
	"golang.org/x/net/netutil"
)

// Config configures a Receiver.
type Config struct {
	// IP and Port the receiver listens on.
	IP   string
	Port uint16
	// AETitle peers must name as the called AE title.
	AETitle string
	// StorageRoot is the directory received instances are persisted under.
	StorageRoot string
	// MaxAssociations bounds concurrently served associations.
	// Zero means no limit.
	MaxAssociations int
	// QueueSize bounds the handoff queue of released StudyGroups.
	QueueSize int
}

// Receiver accepts DICOM associations, persists C-STOREd instances under
// per-association directories, and publishes a StudyGroup per association
// at release time.
type Receiver struct {
	cfg      Config
	listener net.Listener

	mu     sync.Mutex
	groups map[string]*StudyGroup

	releases chan *StudyGroup
}

// NewReceiver binds the receiver's listener and prepares its storage root.
func NewReceiver(cfg Config) (*Receiver, error) {
	if err := os.MkdirAll(cfg.StorageRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	var addr = fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	if cfg.MaxAssociations > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxAssociations)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}

	log.WithFields(log.Fields{
		"addr":    listener.Addr(),
		"aeTitle": cfg.AETitle,
	}).Info("scp receiver listening")

	return &Receiver{
		cfg:      cfg,
		listener: listener,
		groups:   make(map[string]*StudyGroup),
		releases: make(chan *StudyGroup, cfg.QueueSize),
	}, nil
}

// Addr returns the receiver's bound address.
func (r *Receiver) Addr() net.Addr { return r.listener.Addr() }

// Releases is the handoff queue of StudyGroups whose associations released.
func (r *Receiver) Releases() <-chan *StudyGroup { return r.releases }

// QueueTasks queues the accept loop, and a task which tears down the
// listener on cancellation.
func (r *Receiver) QueueTasks(tasks *task.Group) {
	tasks.Queue("scp.serve", func() error {
		if err := r.serve(tasks.Context()); err != nil && tasks.Context().Err() == nil {
			return err
		}
		return nil
	})
	tasks.Queue("scp.closeListener", func() error {
		<-tasks.Context().Done()
		return r.listener.Close()
	})
}

func (r *Receiver) serve(ctx context.Context) error {
	for {
		var conn, err = r.listener.Accept()
		if err != nil {
			return err
		}
		go r.serveAssociation(ctx, conn)
	}
}

// group resolves or creates the StudyGroup of an association, creating its
// storage directory on first use.
func (r *Receiver) group(assocID string) (*StudyGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.groups[assocID]; ok {
		return g, nil
	}
	var dir = filepath.Join(r.cfg.StorageRoot, assocID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating group directory: %w", err)
	}
	var now = time.Now().UTC()
	var g = &StudyGroup{
		ID:        assocID,
		Dir:       dir,
		FirstSeen: now,
		LastSeen:  now,
		Series:    make(map[string]*SeriesInstance),
	}
	r.groups[assocID] = g
	return g, nil
}

// release moves the association's group from the in-memory map to the
// handoff queue. It blocks while the queue is full, so the peer's release
// completes only once the handoff is committed.
func (r *Receiver) release(ctx context.Context, assocID string) error {
	r.mu.Lock()
	var g, ok = r.groups[assocID]
	delete(r.groups, assocID)
	r.mu.Unlock()

	if !ok {
		return nil // The association stored nothing.
	}
	select {
	case r.releases <- g:
		groupsReleasedTotal.Inc()
		releaseQueueDepth.Set(float64(len(r.releases)))
		return nil
	case <-ctx.Done():
		log.WithFields(log.Fields{
			"assoc":  assocID,
			"series": len(g.Series),
		}).Warn("shutdown while handing off study group; its files remain on disk")
		return ctx.Err()
	}
}

// drop removes the association's group without handing it off. Stored files
// are left in place.
func (r *Receiver) drop(assocID string) {
	r.mu.Lock()
	delete(r.groups, assocID)
	r.mu.Unlock()
}

func newAssociationID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
