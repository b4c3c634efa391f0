package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Directory layout under the import data root.
const (
	CommonDir       = "common"
	InstitutionsDir = "institutions"
	IncrementalDir  = "incremental"
	PendingDir      = "pending"
)

// Options tunes engine concurrency and batch retry behavior on top of the
// dispatcher settings.
type Options struct {
	Workers      int
	BatchRetries int
	BackoffBase  time.Duration
	Dispatcher   DispatcherOptions
}

// Engine is the synchronization service: it reads batch directories,
// applies records to the primary store in dependency order, and propagates
// committed changes to the downstream stores. Work for one organization is
// serialized; different organizations proceed concurrently up to the
// configured worker limit.
type Engine struct {
	applier     *Applier
	dispatcher  *Dispatcher
	lifecycle   *Lifecycle
	checkpoints domain.CheckpointStore
	metrics     *Metrics
	log         logrus.FieldLogger
	orgLocks    *lockArena
	opts        Options
	sleep       func(context.Context, time.Duration) error
}

// NewEngine wires the full pipeline. graph, vector, analytics and archiver
// may be nil when a deployment runs without them.
func NewEngine(primary domain.PrimaryStore, checkpoints domain.CheckpointStore,
	graph domain.GraphStore, vector domain.VectorStore, analytics domain.AnalyticsStore,
	archiver BatchArchiver, metrics *Metrics, log logrus.FieldLogger, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BatchRetries < 1 {
		opts.BatchRetries = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 100 * time.Millisecond
	}
	partitions := NewPartitionManager(primary)
	return &Engine{
		applier:     NewApplier(primary, checkpoints, partitions, log, opts.Dispatcher.CallTimeout),
		dispatcher:  NewDispatcher(graph, vector, analytics, checkpoints, metrics, log, opts.Dispatcher),
		lifecycle:   NewLifecycle(checkpoints, archiver, log),
		checkpoints: checkpoints,
		metrics:     metrics,
		log:         log,
		orgLocks:    newLockArena(),
		opts:        opts,
		sleep:       sleepCtx,
	}
}

// RunFullImport ingests an initial dump rooted at root: common/ holds the
// globally scoped entity dumps, institutions/<code>/ the per-organization
// customer and transaction dumps. Re-running the same dump converges to the
// same state.
func (e *Engine) RunFullImport(ctx context.Context, root string) (*domain.ImportReport, error) {
	report := domain.NewImportReport()

	var batches []*Batch
	commonFiles, err := listJSON(filepath.Join(root, CommonDir))
	if err != nil {
		return nil, err
	}
	orgDirs, err := os.ReadDir(filepath.Join(root, InstitutionsDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read institutions directory: %w", err)
	}
	for _, f := range commonFiles {
		batch, err := ReadBatch(f, domain.ModeFull)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	for _, dir := range orgDirs {
		if !dir.IsDir() {
			continue
		}
		files, err := listJSON(filepath.Join(root, InstitutionsDir, dir.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			batch, err := ReadBatch(f, domain.ModeFull)
			if err != nil {
				return nil, err
			}
			batches = append(batches, batch)
		}
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("no batch files under %s", root)
	}

	groups, rejects := StageGroups(batches)
	e.countRejects(report, rejects)

	var global []Group
	perOrg := make(map[string][]Group)
	var orgs []string
	for _, group := range groups {
		if group.Organization == "" {
			global = append(global, group)
			continue
		}
		if _, ok := perOrg[group.Organization]; !ok {
			orgs = append(orgs, group.Organization)
		}
		perOrg[group.Organization] = append(perOrg[group.Organization], group)
	}
	sort.Strings(orgs)

	// Globally scoped types first: every later group may reference them.
	for _, group := range global {
		if err := e.applyGroup(ctx, group, report); err != nil {
			return report, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	var mu syncReportGuard
	for _, org := range orgs {
		org := org
		orgGroups := perOrg[org]
		g.Go(func() error {
			lock := e.orgLocks.acquire(org)
			defer lock.Unlock()
			local := domain.NewImportReport()
			for _, group := range orgGroups {
				if err := e.applyGroup(gctx, group, local); err != nil {
					mu.merge(report, local)
					return fmt.Errorf("organization %s: %w", org, err)
				}
			}
			mu.merge(report, local)
			return nil
		})
	}
	err = g.Wait()
	return report, err
}

// RunIncrementalImport processes the pending batches for one date directory
// (incremental/pending/<date>/ under the data root); an empty date means
// every pending date, oldest first. Each batch file runs its own
// lifecycle: record-level rejects and propagation failures are reported
// without failing the batch, while infrastructure errors send the batch
// back to pending until its retry budget runs out.
func (e *Engine) RunIncrementalImport(ctx context.Context, dataRoot, date string) (*domain.ImportReport, error) {
	pending := filepath.Join(dataRoot, IncrementalDir, PendingDir)
	dates := []string{date}
	if date == "" {
		var err error
		dates, err = listDateDirs(pending)
		if err != nil {
			return nil, err
		}
	}
	var files []string
	for _, d := range dates {
		batch, err := listJSON(filepath.Join(pending, d))
		if err != nil {
			return nil, err
		}
		sortBatchFiles(batch)
		files = append(files, batch...)
	}
	if len(files) == 0 {
		return domain.NewImportReport(), nil
	}

	report := domain.NewImportReport()
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		e.processIncrementalFile(ctx, path, report)
	}
	return report, nil
}

func (e *Engine) processIncrementalFile(ctx context.Context, path string, report *domain.ImportReport) {
	batch, err := ReadBatch(path, domain.ModeIncremental)
	if err != nil {
		e.failMalformed(ctx, path, err, report)
		return
	}

	record, err := e.lifecycle.Register(ctx, batch)
	if err != nil {
		e.log.WithError(err).WithField("path", path).Error("register batch")
		return
	}

	groups, rejects := StageGroups([]*Batch{batch})
	e.countRejects(report, rejects)
	for _, reject := range rejects {
		record.RecordError(domain.ErrorEntry{Entity: reject.Entity, Key: reject.Key, Reason: reject.Reason})
	}

	// local accumulates across attempts; next marks the first group that has
	// not committed yet, so a retry never re-applies committed groups (their
	// INSERTs would otherwise surface as spurious conflicts).
	local := domain.NewImportReport()
	next := 0
	for attempt := 1; ; attempt++ {
		if err := e.lifecycle.Begin(ctx, record); err != nil {
			e.log.WithError(err).WithField("batch", record.ID).Error("begin batch")
			return
		}

		applyErr := error(nil)
		for ; next < len(groups); next++ {
			if err := e.applyOrgGroup(ctx, groups[next], local); err != nil {
				applyErr = err
				break
			}
		}

		if applyErr == nil {
			report.Merge(local)
			recordPropagationErrors(record, local)
			if err := e.lifecycle.Finalize(ctx, record, domain.BatchProcessed); err != nil {
				e.log.WithError(err).WithField("batch", record.ID).Error("finalize batch")
			}
			report.Batches[record.ID] = record.State
			e.metrics.BatchFinished(record.Mode, record.State)
			return
		}

		e.log.WithError(applyErr).WithFields(logrus.Fields{"batch": record.ID, "attempt": record.Attempts}).Warn("batch attempt failed")
		record.RecordError(domain.ErrorEntry{Reason: applyErr.Error()})
		if attempt >= e.opts.BatchRetries {
			// Groups committed before the failure still count.
			report.Merge(local)
			if err := e.lifecycle.Finalize(ctx, record, domain.BatchFailed); err != nil {
				e.log.WithError(err).WithField("batch", record.ID).Error("finalize batch")
			}
			report.Batches[record.ID] = record.State
			report.Errors = append(report.Errors, record.Errors...)
			e.metrics.BatchFinished(record.Mode, record.State)
			return
		}
		if err := e.lifecycle.Retry(ctx, record); err != nil {
			e.log.WithError(err).WithField("batch", record.ID).Error("retry batch")
			return
		}
		if err := e.sleep(ctx, e.opts.BackoffBase<<(attempt-1)); err != nil {
			return
		}
	}
}

// applyOrgGroup serializes on the group's organization before applying.
func (e *Engine) applyOrgGroup(ctx context.Context, group Group, report *domain.ImportReport) error {
	if group.Organization != "" {
		lock := e.orgLocks.acquire(group.Organization)
		defer lock.Unlock()
	}
	return e.applyGroup(ctx, group, report)
}

// applyGroup runs one group through the applier and dispatches the
// committed change sets. Propagation outcomes land in the report; only
// primary-store failures surface as errors.
func (e *Engine) applyGroup(ctx context.Context, group Group, report *domain.ImportReport) error {
	started := time.Now()
	sets, skipped, err := e.applier.Apply(ctx, group)
	e.metrics.ObserveApply(time.Since(started).Seconds())
	if err != nil {
		return err
	}

	counts := report.Counts[group.Entity]
	for _, entry := range skipped {
		counts.Rejected++
		report.Errors = append(report.Errors, entry)
	}
	e.metrics.RecordVerdicts(group.Entity, "rejected", len(skipped))

	applied := len(group.Records) - len(skipped)
	counts.Applied += applied
	counts.Accepted += len(group.Records)
	e.metrics.RecordVerdicts(group.Entity, "applied", applied)

	for _, set := range sets {
		e.dispatcher.Dispatch(ctx, set, report)
	}
	return nil
}

// failMalformed gives an unparseable file a failed lifecycle record so it
// leaves the pending tree instead of wedging every later run.
func (e *Engine) failMalformed(ctx context.Context, path string, cause error, report *domain.ImportReport) {
	e.log.WithError(cause).WithField("path", path).Error("malformed batch")
	record := &domain.BatchRecord{
		ID:        uuid.NewString(),
		Path:      path,
		Mode:      domain.ModeIncremental,
		State:     domain.BatchPending,
		CreatedAt: e.lifecycle.now(),
		UpdatedAt: e.lifecycle.now(),
	}
	record.RecordError(domain.ErrorEntry{Reason: cause.Error()})
	if err := e.lifecycle.Begin(ctx, record); err == nil {
		if err := e.lifecycle.Finalize(ctx, record, domain.BatchFailed); err != nil {
			e.log.WithError(err).WithField("path", path).Error("finalize malformed batch")
		}
	}
	report.Batches[record.ID] = record.State
	report.Errors = append(report.Errors, record.Errors...)
	e.metrics.BatchFinished(record.Mode, record.State)
}

// Status is the engine's introspection surface: stored watermarks and known
// batch records.
type Status struct {
	Watermarks []domain.Watermark   `json:"watermarks"`
	Batches    []domain.BatchRecord `json:"batches"`
}

// Status reports current watermarks and batch lifecycle states.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	marks, err := e.checkpoints.ListWatermarks(ctx)
	if err != nil {
		return nil, err
	}
	batches, err := e.checkpoints.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].CreatedAt.Before(batches[j].CreatedAt) })
	return &Status{Watermarks: marks, Batches: batches}, nil
}

func (e *Engine) countRejects(report *domain.ImportReport, rejects []domain.ValidationError) {
	for _, reject := range rejects {
		report.Counts[reject.Entity].Rejected++
		report.Errors = append(report.Errors, domain.ErrorEntry{Entity: reject.Entity, Key: reject.Key, Reason: reject.Reason})
		e.metrics.RecordVerdicts(reject.Entity, "rejected", 1)
	}
}

// recordPropagationErrors copies a run's propagation failures onto the
// batch record so they land in the on-disk error report.
func recordPropagationErrors(record *domain.BatchRecord, local *domain.ImportReport) {
	for _, entry := range local.Errors {
		if entry.Store != "" {
			record.RecordError(entry)
		}
	}
}

// listJSON returns the .json files directly under dir, sorted by name. A
// missing directory is not an error; it simply has no batches.
func listJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read batch directory %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// listDateDirs returns the date subdirectories of a pending root in
// ascending order.
func listDateDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pending directory %s: %w", dir, err)
	}
	var dates []string
	for _, entry := range entries {
		if entry.IsDir() {
			dates = append(dates, entry.Name())
		}
	}
	sort.Strings(dates)
	return dates, nil
}

// sortBatchFiles orders incremental files so referenced entity types apply
// before referencing ones, falling back to name order within a type.
func sortBatchFiles(files []string) {
	rank := func(path string) int {
		stem := filepath.Base(path)
		stem = stem[:len(stem)-len(filepath.Ext(stem))]
		for suffix := range suffixOps {
			if len(stem) > len(suffix) && stem[len(stem)-len(suffix):] == suffix {
				stem = stem[:len(stem)-len(suffix)]
				break
			}
		}
		if spec, ok := entityFiles[stem]; ok {
			return entityRank(spec.entity)
		}
		return len(domain.ImportOrder)
	}
	sort.SliceStable(files, func(i, j int) bool {
		ri, rj := rank(files[i]), rank(files[j])
		if ri != rj {
			return ri < rj
		}
		return files[i] < files[j]
	})
}

// syncReportGuard serializes merges into the shared run report.
type syncReportGuard struct{ mu sync.Mutex }

func (g *syncReportGuard) merge(dst, src *domain.ImportReport) {
	g.mu.Lock()
	dst.Merge(src)
	g.mu.Unlock()
}
