package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/openaxial/dicomgw/go/adminapi"
	"github.com/openaxial/dicomgw/go/catalog"
	"github.com/openaxial/dicomgw/go/coordinator"
	"github.com/openaxial/dicomgw/go/inference"
	"github.com/openaxial/dicomgw/go/scp"
	"github.com/openaxial/dicomgw/go/scu"
)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	initLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("dicomgw configuration")

	var tasks = task.NewGroup(context.Background())

	var store, err = catalog.Open(tasks.Context(), Config.Catalog.BaseDir)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer store.Close()

	trust, err := inference.ParseTrustRoot(Config.Inference.TrustRoot)
	if err != nil {
		return fmt.Errorf("parsing trust root: %w", err)
	}
	client, err := inference.NewClient(trust, time.Duration(Config.Inference.RequestTimeout)*time.Second)
	if err != nil {
		return fmt.Errorf("building inference client: %w", err)
	}

	receiver, err := scp.NewReceiver(scp.Config{
		IP:              Config.SCP.IP,
		Port:            Config.SCP.Port,
		AETitle:         Config.SCP.AETitle,
		StorageRoot:     Config.SCP.Storage,
		MaxAssociations: Config.SCP.MaxAssociations,
		QueueSize:       Config.SCP.QueueSize,
	})
	if err != nil {
		return fmt.Errorf("starting scp receiver: %w", err)
	}
	receiver.QueueTasks(tasks)

	coordinator.New(coordinator.Config{
		RunInterval:     time.Duration(Config.Daemon.RunInterval) * time.Second,
		TaskTimeout:     time.Duration(Config.Daemon.TaskTimeout) * time.Second,
		PollParallelism: Config.Daemon.PollParallelism,
	}, store, client,
		scu.Sender{CallingAETitle: Config.SCP.AETitle},
		receiver.Releases(),
	).QueueTasks(tasks)

	if !Config.Admin.Disable {
		admin, err := adminapi.NewServer(adminapi.Config{Port: Config.Admin.Port}, store)
		if err != nil {
			return fmt.Errorf("starting admin api: %w", err)
		}
		admin.QueueTasks(tasks)
	}

	// Install signal handler & start gateway tasks.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil

		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	// Block until all tasks complete.
	if err = tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}
