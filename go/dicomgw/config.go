package main

import (
	mbp "go.gazette.dev/core/mainboilerplate"
)

// GatewayConfig is the top-level configuration object of dicomgw. Environment
// keys are bound verbatim: deployments predating this implementation already
// set SCP_IP, TEMPORARY_STORAGE, DB_BASEDIR, and the rest.
type GatewayConfig struct {
	SCP struct {
		IP              string `long:"ip" env:"SCP_IP" default:"0.0.0.0" description:"IP address the storage SCP listens on"`
		Port            uint16 `long:"port" env:"SCP_PORT" default:"11112" description:"Port the storage SCP listens on"`
		AETitle         string `long:"ae-title" env:"SCP_AE_TITLE" default:"DICOMGW" description:"Application entity title peers must call"`
		Storage         string `long:"storage" env:"TEMPORARY_STORAGE" required:"true" description:"Directory received studies are staged under"`
		MaxAssociations int    `long:"max-associations" default:"32" description:"Maximum concurrently served associations (0 is unlimited)"`
		QueueSize       int    `long:"queue-size" default:"16" description:"Released study groups buffered ahead of the coordinator"`
	} `group:"SCP" namespace:"scp"`

	Catalog struct {
		BaseDir string `long:"base-dir" env:"DB_BASEDIR" required:"true" description:"Base directory of the catalog database and task storage"`
	} `group:"Catalog" namespace:"catalog"`

	Daemon struct {
		RunInterval     uint32 `long:"run-interval" env:"DAEMON_RUN_INTERVAL" default:"10" description:"Seconds between coordinator iterations"`
		TaskTimeout     uint32 `long:"task-timeout" env:"TIMEOUT" default:"7200" description:"Seconds before a live task is retired as failed"`
		PollParallelism int    `long:"poll-parallelism" default:"4" description:"Concurrent polls of inference server outputs"`
	} `group:"Daemon" namespace:"daemon"`

	Inference struct {
		TrustRoot      string `long:"trust-root" env:"CERT_FILE" description:"TLS trust root: empty or 'system', a CA bundle path, or 'insecure' where the build allows it"`
		RequestTimeout uint32 `long:"request-timeout" default:"300" description:"Seconds allowed per inference server request"`
	} `group:"Inference" namespace:"inference"`

	Admin struct {
		Port    uint16 `long:"port" env:"ADMIN_PORT" default:"8128" description:"Port of the admin catalog API"`
		Disable bool   `long:"disable" description:"Do not serve the admin catalog API"`
	} `group:"Admin" namespace:"admin"`

	Log         LogConfig             `group:"Logging" namespace:"log"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}
