// Package archive exports finished approval instances to long-term storage
// and removes them from the engine's store.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/approvalflow/pkg/api"
)

// Record is a terminal instance together with its full history.
type Record struct {
	Instance   *api.Instance
	Events     []api.Event
	ArchivedAt time.Time
}

// Archiver stores a record durably and returns where it was written.
type Archiver interface {
	Archive(ctx context.Context, rec Record) (string, error)
}

// Result summarizes a Sweep.
type Result struct {
	Archived  []string
	Locations map[string]string
}

// Sweep archives every terminal instance whose last transition happened
// before olderThan and purges it from eng. An instance is only purged once
// its archive write succeeded. Failures are collected and the sweep moves on
// to the next instance.
func Sweep(ctx context.Context, eng api.Engine, a Archiver, olderThan time.Time) (Result, error) {
	res := Result{Locations: map[string]string{}}
	insts, err := eng.ListInstances(ctx, api.InstanceListOptions{UpdatedBefore: olderThan})
	if err != nil {
		return res, fmt.Errorf("archive: list instances: %w", err)
	}

	var errs []error
	for _, inst := range insts {
		if !inst.Status.IsTerminal() {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		loc, err := archiveOne(ctx, eng, a, inst)
		if err != nil {
			errs = append(errs, fmt.Errorf("archive %s: %w", inst.InstanceID, err))
			continue
		}
		res.Archived = append(res.Archived, inst.InstanceID)
		res.Locations[inst.InstanceID] = loc
	}
	return res, errors.Join(errs...)
}

func archiveOne(ctx context.Context, eng api.Engine, a Archiver, inst *api.Instance) (string, error) {
	events, err := eng.History(ctx, inst.InstanceID)
	if err != nil {
		return "", err
	}
	loc, err := a.Archive(ctx, Record{Instance: inst, Events: events, ArchivedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	if err := eng.Purge(ctx, inst.InstanceID); err != nil {
		return loc, fmt.Errorf("purge after archiving to %s: %w", loc, err)
	}
	return loc, nil
}
