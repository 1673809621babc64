package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"

	"github.com/openaxial/dicomgw/go/catalog"
	"github.com/openaxial/dicomgw/go/inference"
)

type cmdCheck struct{}

var green = color.New(color.FgGreen).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()

func (cmdCheck) Execute(_ []string) error {
	initLog(Config.Log)

	var failures int
	var check = func(name string, err error) {
		if err != nil {
			failures++
			fmt.Printf("%s %s: %s\n", red("✗"), name, err)
		} else {
			fmt.Printf("%s %s\n", green("✓"), name)
		}
	}

	check("scp storage root is writable", writableDir(Config.SCP.Storage))
	check("catalog base directory is writable", writableDir(Config.Catalog.BaseDir))

	var trust, err = inference.ParseTrustRoot(Config.Inference.TrustRoot)
	if err == nil {
		_, err = inference.NewClient(trust, time.Second)
	}
	check(fmt.Sprintf("inference trust root (%s)", trust), err)

	var ctx = context.Background()
	store, err := catalog.Open(ctx, Config.Catalog.BaseDir)
	check("catalog opens", err)
	if err != nil {
		return fmt.Errorf("%d checks failed", failures)
	}
	defer store.Close()

	fps, err := store.Fingerprints(ctx)
	check("fingerprints load", err)

	for _, fp := range fps {
		check(fmt.Sprintf("fingerprint %q patterns compile", fp.HumanReadableID),
			compilePatterns(fp))

		var destErr error
		if len(fp.Destinations) == 0 {
			destErr = errors.New("no destinations are attached; its outputs would fail")
		}
		check(fmt.Sprintf("fingerprint %q has destinations (%d)",
			fp.HumanReadableID, len(fp.Destinations)), destErr)
	}

	if failures != 0 {
		return fmt.Errorf("%d checks failed", failures)
	}
	fmt.Printf("\nAll checks passed (%d fingerprints).\n", len(fps))
	return nil
}

func writableDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	var probe = filepath.Join(dir, ".dicomgw-check")
	if err := os.WriteFile(probe, nil, 0644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func compilePatterns(fp catalog.Fingerprint) error {
	var errs *multierror.Error
	for _, t := range fp.Triggers {
		for field, pattern := range map[string]string{
			"study_description_pattern":  t.StudyDescriptionPattern,
			"series_description_pattern": t.SeriesDescriptionPattern,
			"exclude_pattern":            t.ExcludePattern,
		} {
			if pattern == "" {
				continue
			}
			if _, err := regexp.Compile("(?i)" + pattern); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("trigger %d %s: %w", t.ID, field, err))
			}
		}
	}
	return errs.ErrorOrNil()
}
