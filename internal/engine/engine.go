// Package engine implements the bidirectional reconciliation cycle between
// the remote story source and the local task store.
//
// A cycle runs Fetch -> Pair -> PerItem(Detect -> Resolve -> Apply) ->
// LinkDependencies -> Commit. Each pair's snapshot is committed only after
// every write for that pair succeeded; a failed pair keeps its previous
// snapshot and is reported, not retried within the cycle.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clubwarrior/clubwarrior/internal/lockfile"
	"github.com/clubwarrior/clubwarrior/internal/schema"
)

// DefaultParallelism bounds concurrent per-item collaborator calls.
const DefaultParallelism = 4

// Engine drives synchronization cycles. Collaborators are interfaces so
// any backend exposing the contracts is substitutable.
type Engine struct {
	Stories StorySource
	Tasks   TaskStore
	Maps    MapStore
	Rules   *schema.Rules
	Policy  Policy

	// LockPath, when set, is flocked exclusively for the duration of each
	// run. A second concurrent run fails fast with lockfile.ErrLocked.
	LockPath string

	// Parallelism bounds concurrent PerItem processing. Zero means
	// DefaultParallelism. Mapping store commits are serialized regardless.
	Parallelism int

	Logger *log.Logger

	// OnItem, when set, receives each item outcome as it is finalized.
	OnItem func(ItemOutcome)
}

// RunOpts holds per-cycle options.
type RunOpts struct {
	// DryRun previews the cycle without writing to any store.
	DryRun bool
}

// New creates an engine with default policy, rules, and logger.
func New(stories StorySource, tasks TaskStore, maps MapStore) *Engine {
	return &Engine{
		Stories: stories,
		Tasks:   tasks,
		Maps:    maps,
		Rules:   schema.DefaultRules(),
		Policy:  PolicyNewest,
		Logger:  log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// item carries one pair through the cycle phases.
type item struct {
	story *schema.Story
	task  *schema.Task
	rec   *schema.SyncRecord

	outcome ItemOutcome
	desired schema.Values
	ok      bool // all applies so far succeeded; eligible for commit
}

// Run executes one full synchronization cycle and returns its report.
// Only lock acquisition, fetch, and mapping-store-level failures return an
// error; per-item failures are downgraded to reported outcomes.
func (e *Engine) Run(ctx context.Context, opts RunOpts) (*Report, error) {
	start := time.Now()
	report := &Report{StartedAt: start.UTC(), DryRun: opts.DryRun}

	if e.LockPath != "" {
		lock, err := lockfile.Acquire(e.LockPath)
		if err != nil {
			return nil, fmt.Errorf("acquiring run lock: %w", err)
		}
		defer lock.Release()
	}

	// Fetch both sides concurrently. Either failure aborts the cycle
	// before any commit.
	var stories []*schema.Story
	var tasks []*schema.Task
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stories, err = e.Stories.ListOwnedStories(gctx)
		if err != nil {
			return fmt.Errorf("fetching stories: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		tasks, err = e.Tasks.ListTasks(gctx)
		if err != nil {
			return fmt.Errorf("fetching tasks: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records, err := e.Maps.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading sync records: %w", err)
	}

	e.Logger.Printf("Cycle start: %d stories, %d tasks, %d records", len(stories), len(tasks), len(records))

	linker := NewLinker()
	linker.Load(records)

	recByStory := make(map[int64]*schema.SyncRecord, len(records))
	recByTask := make(map[string]*schema.SyncRecord, len(records))
	for _, rec := range records {
		recByStory[rec.StoryID] = rec
		recByTask[rec.TaskUUID] = rec
	}
	storyByID := make(map[int64]*schema.Story, len(stories))
	for _, s := range stories {
		storyByID[s.ID] = s
	}
	taskByUUID := make(map[string]*schema.Task, len(tasks))
	for _, t := range tasks {
		taskByUUID[t.UUID] = t
	}

	// Deterministic processing order.
	sort.Slice(stories, func(i, j int) bool { return stories[i].ID < stories[j].ID })
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].UUID < tasks[j].UUID })

	items := e.pair(ctx, opts, stories, tasks, recByStory, recByTask, storyByID, taskByUUID, linker, start)

	// PerItem: detect, resolve, apply scalar fields. Bounded parallelism;
	// each goroutine owns its item exclusively.
	par := e.Parallelism
	if par <= 0 {
		par = DefaultParallelism
	}
	pg, pctx := errgroup.WithContext(ctx)
	pg.SetLimit(par)
	for _, it := range items {
		if it.rec == nil || !it.ok || it.outcome.Outcome != "" {
			continue // created, orphaned, or already failed in pairing
		}
		it := it
		pg.Go(func() error {
			e.processItem(pctx, opts, it, linker)
			return nil
		})
	}
	_ = pg.Wait()

	// LinkDependencies: runs after every pair in the cycle has a stable
	// identity, so edges resolve against the final correspondence.
	if !opts.DryRun {
		e.linkDependencies(ctx, items, linker)
	}

	// Commit: serialized, one whole-record replace per successful pair.
	now := time.Now().UTC()
	for _, it := range items {
		if !it.ok || opts.DryRun {
			continue
		}
		rec := &schema.SyncRecord{
			StoryID:  it.rec.StoryID,
			TaskUUID: it.rec.TaskUUID,
			Snapshot: it.desired,
			LastSync: now,
		}
		if err := e.Maps.Commit(ctx, rec); err != nil {
			e.fail(it, fmt.Errorf("committing snapshot: %w", err))
		}
	}

	for _, it := range items {
		if it.outcome.Outcome == "" {
			it.outcome.Outcome = OutcomeUnchanged
		}
		report.add(it.outcome)
		if e.OnItem != nil {
			e.OnItem(it.outcome)
		}
	}
	report.Duration = time.Since(start)
	e.Logger.Printf("Cycle done in %s: created=%d applied=%d unchanged=%d conflicts=%d deferred=%d failed=%d orphaned=%d",
		report.Duration.Round(time.Millisecond), report.Created, report.Applied, report.Unchanged,
		report.Conflicts, report.Deferred, report.Failed, report.Orphaned)
	return report, nil
}

// pair matches stories to tasks through the mapping store, creating the
// missing counterpart for unmapped items on either side.
func (e *Engine) pair(ctx context.Context, opts RunOpts, stories []*schema.Story, tasks []*schema.Task,
	recByStory map[int64]*schema.SyncRecord, recByTask map[string]*schema.SyncRecord,
	storyByID map[int64]*schema.Story, taskByUUID map[string]*schema.Task,
	linker *Linker, start time.Time) []*item {

	var items []*item
	var createdFromTask []*item

	for _, story := range stories {
		if err := story.Validate(); err != nil {
			items = append(items, failedItem(story.ID, "", fmt.Errorf("invalid story: %w", err)))
			continue
		}
		rec := recByStory[story.ID]
		if rec != nil {
			it := &item{story: story, rec: rec, ok: true}
			it.outcome.StoryID = story.ID
			it.outcome.TaskUUID = rec.TaskUUID
			if task := taskByUUID[rec.TaskUUID]; task != nil {
				it.task = task
			} else {
				it.ok = false
				it.outcome.Outcome = OutcomeOrphaned
				it.outcome.Error = fmt.Sprintf("mapped task %s no longer in task store", rec.TaskUUID)
			}
			items = append(items, it)
			continue
		}

		// Unmapped story: create its task counterpart, then the record.
		v := schema.StoryValues(story, e.Rules)
		it := &item{story: story, desired: v}
		it.outcome.StoryID = story.ID
		it.outcome.Outcome = OutcomeCreated
		if opts.DryRun {
			items = append(items, it)
			continue
		}
		task, err := e.Tasks.CreateTask(ctx, taskFromValues(v))
		if err != nil {
			e.fail(it, fmt.Errorf("creating task counterpart: %w", err))
			items = append(items, it)
			continue
		}
		rec = &schema.SyncRecord{StoryID: story.ID, TaskUUID: task.UUID, Snapshot: v, LastSync: start.UTC()}
		// A crash before commit must not leave edges the task never
		// received looking synced, so the initial snapshot carries none.
		rec.Snapshot.DependsOn = nil
		if err := e.Maps.Create(ctx, rec); err != nil {
			e.fail(it, fmt.Errorf("creating sync record: %w", err))
			items = append(items, it)
			continue
		}
		it.task = task
		it.rec = rec
		it.ok = true
		it.outcome.TaskUUID = task.UUID
		linker.Add(story.ID, task.UUID)
		recByTask[task.UUID] = rec
		items = append(items, it)
	}

	for _, task := range tasks {
		if recByTask[task.UUID] != nil {
			continue
		}
		if err := task.Validate(); err != nil {
			items = append(items, failedItem(0, task.UUID, fmt.Errorf("invalid task: %w", err)))
			continue
		}

		// Unmapped task: create its story counterpart. Dependency UUIDs
		// that have no story yet stay deferred until the linker can
		// translate them.
		deps, unmapped := linker.ToStoryDeps(task.DependsOn)
		v := schema.TaskValues(task, deps, e.Rules)
		it := &item{task: task, desired: v}
		it.outcome.TaskUUID = task.UUID
		it.outcome.Outcome = OutcomeCreated
		it.outcome.DeferredDeps = len(unmapped)
		if opts.DryRun {
			items = append(items, it)
			continue
		}
		story, err := e.Stories.CreateStory(ctx, storyFromValues(v, e.Rules))
		if err != nil {
			e.fail(it, fmt.Errorf("creating story counterpart: %w", err))
			items = append(items, it)
			continue
		}
		rec := &schema.SyncRecord{StoryID: story.ID, TaskUUID: task.UUID, Snapshot: v, LastSync: start.UTC()}
		rec.Snapshot.DependsOn = nil
		if err := e.Maps.Create(ctx, rec); err != nil {
			e.fail(it, fmt.Errorf("creating sync record: %w", err))
			items = append(items, it)
			continue
		}
		it.story = story
		it.rec = rec
		it.ok = true
		it.outcome.StoryID = story.ID
		linker.Add(story.ID, task.UUID)
		items = append(items, it)
		createdFromTask = append(createdFromTask, it)
	}

	// A task's dependency can point at a task that pairs later in the
	// loop, so created pairs translate again once every counterpart in
	// the cycle has an identity. Edges still untranslatable keep their
	// local form and retry next cycle.
	for _, it := range createdFromTask {
		deps, unmapped := linker.ToStoryDeps(it.task.DependsOn)
		it.desired.DependsOn = deps
		it.outcome.DeferredDeps = len(unmapped)
	}

	// Records whose story vanished from the remote side. The record is
	// kept untouched; the operator decides whether to unmap or archive.
	for _, rec := range sortedRecords(recByStory) {
		if storyByID[rec.StoryID] != nil {
			continue
		}
		it := &item{rec: rec}
		it.outcome.StoryID = rec.StoryID
		it.outcome.TaskUUID = rec.TaskUUID
		it.outcome.Outcome = OutcomeOrphaned
		it.outcome.Error = fmt.Sprintf("mapped story %d no longer listed by the story source", rec.StoryID)
		items = append(items, it)
	}

	return items
}

// processItem runs Detect -> Resolve -> Apply for one existing pair.
// All failures downgrade to an OutcomeFailed entry.
func (e *Engine) processItem(ctx context.Context, opts RunOpts, it *item, linker *Linker) {
	if err := it.task.Validate(); err != nil {
		e.fail(it, fmt.Errorf("invalid task: %w", err))
		return
	}

	storyVals := schema.StoryValues(it.story, e.Rules)
	taskDeps, unmappedUUIDs := linker.ToStoryDeps(it.task.DependsOn)
	taskVals := schema.TaskValues(it.task, taskDeps, e.Rules)
	it.outcome.DeferredDeps += len(unmappedUUIDs)

	changes := Detect(storyVals, taskVals, it.rec.Snapshot)

	desired := it.rec.Snapshot
	for _, f := range schema.AllFields {
		spec := schema.Spec(f)
		switch changes[f] {
		case ChangeStory:
			schema.Take(&desired, storyVals, f)
		case ChangeTask:
			schema.Take(&desired, taskVals, f)
		case ChangeBoth:
			winner, res := Resolve(f, storyVals, taskVals, it.story.UpdatedAt, it.task.ModifiedAt, e.Policy)
			if winner == ChangeStory {
				schema.Take(&desired, storyVals, f)
			} else {
				schema.Take(&desired, taskVals, f)
			}
			it.outcome.Resolutions = append(it.outcome.Resolutions, res)
		case ChangeNone:
			// Both sides may have converged on a new common value; the
			// snapshot still needs to follow them.
			if !spec.Equal(storyVals, it.rec.Snapshot) {
				schema.Take(&desired, storyVals, f)
			}
		}
	}
	it.desired = desired

	taskUpdates, appliedTask := taskDiff(desired, taskVals)
	storyUpd, appliedStory := storyDiff(desired, storyVals, e.Rules)
	it.outcome.AppliedTask = appliedTask
	it.outcome.AppliedStory = appliedStory

	if len(appliedTask) > 0 || len(appliedStory) > 0 {
		it.outcome.Outcome = OutcomeApplied
	} else {
		it.outcome.Outcome = OutcomeUnchanged
	}
	if opts.DryRun {
		it.ok = false
		return
	}

	if len(taskUpdates) > 0 {
		if err := e.Tasks.UpdateTask(ctx, it.task.UUID, taskUpdates); err != nil {
			e.fail(it, fmt.Errorf("updating task: %w", err))
			return
		}
	}
	if !storyUpd.Empty() {
		if err := e.Stories.UpdateStory(ctx, it.story.ID, storyUpd); err != nil {
			e.fail(it, fmt.Errorf("updating story: %w", err))
			return
		}
	}
}

// linkDependencies rewrites dependency edges for every surviving item
// using the cycle's final correspondence. Unmapped targets are recorded as
// pending and excluded from the committed snapshot, so the next cycle
// detects the story-side edge as unsynced and retries it.
func (e *Engine) linkDependencies(ctx context.Context, items []*item, linker *Linker) {

	pending, err := e.Maps.PendingLinks(ctx)
	if err != nil {
		e.Logger.Printf("WARNING: loading pending links: %v", err)
		pending = nil
	}
	pendingSet := make(map[[2]int64]bool, len(pending))
	for _, l := range pending {
		pendingSet[[2]int64{l.StoryID, l.DependsOnID}] = true
	}

	for _, it := range items {
		if !it.ok {
			continue
		}

		taskDeps, unmapped := linker.ToTaskDeps(it.desired.DependsOn)
		want := make(map[int64]bool, len(it.desired.DependsOn))
		for _, id := range it.desired.DependsOn {
			want[id] = true
		}

		// Local edges whose target task has no story mapping cannot be
		// expressed remotely yet; the rewrite keeps them on the task
		// instead of dropping them.
		if it.task != nil {
			for _, uuid := range it.task.DependsOn {
				if _, ok := linker.StoryID(uuid); !ok {
					taskDeps = append(taskDeps, uuid)
				}
			}
		}

		// Task side: apply only translatable edges.
		if it.task != nil && !sameStringSet(it.task.DependsOn, taskDeps) {
			if err := e.Tasks.SetDeps(ctx, it.rec.TaskUUID, taskDeps); err != nil {
				e.fail(it, fmt.Errorf("linking task dependencies: %w", err))
				continue
			}
		}

		// Story side: the full desired set is valid story IDs regardless
		// of task mapping.
		if it.story != nil && !sameIDSet(it.story.BlockedBy, it.desired.DependsOn) {
			if err := e.Stories.SetBlockedBy(ctx, it.rec.StoryID, it.desired.DependsOn); err != nil {
				e.fail(it, fmt.Errorf("linking story dependencies: %w", err))
				continue
			}
		}

		for _, target := range unmapped {
			key := [2]int64{it.rec.StoryID, target}
			if err := e.Maps.AddPendingLink(ctx, &schema.PendingLink{
				StoryID:     it.rec.StoryID,
				DependsOnID: target,
				FirstSeen:   time.Now().UTC(),
			}); err != nil {
				e.Logger.Printf("WARNING: recording pending link %d -> %d: %v", it.rec.StoryID, target, err)
				continue
			}
			delete(pendingSet, key)
			it.outcome.DeferredDeps++
		}

		// Snapshot keeps only edges both sides now carry; deferred edges
		// re-enter detection next cycle.
		mapped := make([]int64, 0, len(it.desired.DependsOn))
	outer:
		for _, id := range it.desired.DependsOn {
			for _, u := range unmapped {
				if id == u {
					continue outer
				}
			}
			mapped = append(mapped, id)
		}
		it.desired.DependsOn = mapped

		// Previously deferred edges now present on both sides are done.
		for _, id := range mapped {
			key := [2]int64{it.rec.StoryID, id}
			if pendingSet[key] {
				if err := e.Maps.RemovePendingLink(ctx, it.rec.StoryID, id); err != nil {
					e.Logger.Printf("WARNING: clearing pending link %d -> %d: %v", it.rec.StoryID, id, err)
				}
				delete(pendingSet, key)
			}
		}

		// Deferred edges the story no longer carries are stale; a retry
		// would re-add whatever the story still wants, so drop them.
		for key := range pendingSet {
			if key[0] != it.rec.StoryID || want[key[1]] {
				continue
			}
			if err := e.Maps.RemovePendingLink(ctx, key[0], key[1]); err != nil {
				e.Logger.Printf("WARNING: clearing pending link %d -> %d: %v", key[0], key[1], err)
				continue
			}
			delete(pendingSet, key)
		}
	}
}

func (e *Engine) fail(it *item, err error) {
	it.ok = false
	it.outcome.Outcome = OutcomeFailed
	it.outcome.Error = err.Error()
	e.Logger.Printf("WARNING: item story=%d task=%s: %v", it.outcome.StoryID, it.outcome.TaskUUID, err)
}

func failedItem(storyID int64, taskUUID string, err error) *item {
	it := &item{}
	it.outcome.StoryID = storyID
	it.outcome.TaskUUID = taskUUID
	it.outcome.Outcome = OutcomeFailed
	it.outcome.Error = err.Error()
	return it
}

// taskFromValues builds a new task counterpart from canonical values.
func taskFromValues(v schema.Values) *schema.Task {
	tags := append([]string(nil), v.Tags...)
	return &schema.Task{
		Description: v.Description,
		Project:     v.Project,
		Tags:        tags,
		Priority:    v.Priority,
		Due:         v.Due,
		Active:      v.State == schema.StateActive,
		Completed:   v.State == schema.StateCompleted,
	}
}

// storyFromValues builds a new story counterpart from canonical values.
func storyFromValues(v schema.Values, rules *schema.Rules) *schema.Story {
	return &schema.Story{
		Name:      v.Description,
		Project:   v.Project,
		Labels:    schema.StoryLabels(v, rules),
		Deadline:  v.Due,
		BlockedBy: append([]int64(nil), v.DependsOn...),
		Started:   v.State == schema.StateActive,
		Completed: v.State == schema.StateCompleted,
	}
}

// taskDiff computes the task-store update map moving current to desired,
// excluding the dependency field (linked in its own phase).
func taskDiff(desired, current schema.Values) (map[string]interface{}, []string) {
	updates := make(map[string]interface{})
	var fields []string
	if desired.Description != current.Description {
		updates["description"] = desired.Description
		fields = append(fields, schema.FieldName.String())
	}
	if desired.Project != current.Project {
		updates["project"] = desired.Project
		fields = append(fields, schema.FieldProject.String())
	}
	if !schema.Spec(schema.FieldLabels).Equal(desired, current) {
		updates["tags"] = append([]string(nil), desired.Tags...)
		updates["priority"] = desired.Priority
		fields = append(fields, schema.FieldLabels.String())
	}
	if !schema.Spec(schema.FieldDeadline).Equal(desired, current) {
		updates["due"] = desired.Due
		fields = append(fields, schema.FieldDeadline.String())
	}
	if desired.State != current.State {
		updates["active"] = desired.State == schema.StateActive
		updates["completed"] = desired.State == schema.StateCompleted
		fields = append(fields, schema.FieldState.String())
	}
	if len(updates) == 0 {
		return nil, nil
	}
	return updates, fields
}

// storyDiff computes the story update moving current to desired, excluding
// the dependency field.
func storyDiff(desired, current schema.Values, rules *schema.Rules) (schema.StoryUpdate, []string) {
	var upd schema.StoryUpdate
	var fields []string
	if desired.Description != current.Description {
		name := desired.Description
		upd.Name = &name
		fields = append(fields, schema.FieldName.String())
	}
	if desired.Project != current.Project {
		project := desired.Project
		upd.Project = &project
		fields = append(fields, schema.FieldProject.String())
	}
	if !schema.Spec(schema.FieldLabels).Equal(desired, current) {
		upd.Labels = schema.StoryLabels(desired, rules)
		fields = append(fields, schema.FieldLabels.String())
	}
	if !schema.Spec(schema.FieldDeadline).Equal(desired, current) {
		upd.Deadline = desired.Due
		upd.DeadlineSet = true
		fields = append(fields, schema.FieldDeadline.String())
	}
	if desired.State != current.State {
		started := desired.State == schema.StateActive
		completed := desired.State == schema.StateCompleted
		upd.Started = &started
		upd.Completed = &completed
		fields = append(fields, schema.FieldState.String())
	}
	return upd, fields
}

func sortedRecords(recByStory map[int64]*schema.SyncRecord) []*schema.SyncRecord {
	out := make([]*schema.SyncRecord, 0, len(recByStory))
	for _, rec := range recByStory {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoryID < out[j].StoryID })
	return out
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}

func sameIDSet(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[int64]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}
