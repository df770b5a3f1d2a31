package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
	"github.com/be-as-one/gpu-task-agent/internal/engine"
	"github.com/be-as-one/gpu-task-agent/internal/engine/nodes"
	"github.com/be-as-one/gpu-task-agent/internal/media"
	"github.com/be-as-one/gpu-task-agent/internal/observability"
)

// WorkflowProcessor drives one engine task end to end: gate on engine
// liveness, pre-process the graph, submit, stream events, harvest artifacts,
// upload, and hand the results back to the dispatcher.
type WorkflowProcessor struct {
	cache    *engine.Cache
	inputs   *nodes.InputRegistry
	outputs  *nodes.OutputRegistry
	fetcher  *media.Fetcher
	uploader domain.Uploader
	reporter domain.Reporter

	taskTimeout       time.Duration
	uploadConcurrency int
	loraEnabled       bool

	mu    sync.Mutex
	loras map[string]*engine.LoraRepairer
}

// WorkflowProcessorOptions bundles the processor dependencies.
type WorkflowProcessorOptions struct {
	Cache             *engine.Cache
	Fetcher           *media.Fetcher
	Uploader          domain.Uploader
	Reporter          domain.Reporter
	TaskTimeout       time.Duration
	UploadConcurrency int
	LoraEnabled       bool
}

// NewWorkflowProcessor builds the processor with the built-in node
// registries.
func NewWorkflowProcessor(opts WorkflowProcessorOptions) *WorkflowProcessor {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = engine.DefaultTaskTimeout
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 4
	}
	return &WorkflowProcessor{
		cache:             opts.Cache,
		inputs:            nodes.NewInputRegistry(),
		outputs:           nodes.NewOutputRegistry(),
		fetcher:           opts.Fetcher,
		uploader:          opts.Uploader,
		reporter:          opts.Reporter,
		taskTimeout:       opts.TaskTimeout,
		uploadConcurrency: opts.UploadConcurrency,
		loraEnabled:       opts.LoraEnabled,
		loras:             map[string]*engine.LoraRepairer{},
	}
}

func (p *WorkflowProcessor) repairerFor(workflowName string, client *engine.Client) *engine.LoraRepairer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.loras[workflowName]; ok {
		return r
	}
	r := engine.NewLoraRepairer(client)
	p.loras[workflowName] = r
	return r
}

func (p *WorkflowProcessor) evict(workflowName string) {
	p.cache.Evict(workflowName)
	p.mu.Lock()
	delete(p.loras, workflowName)
	p.mu.Unlock()
}

// Process implements domain.Processor.
func (p *WorkflowProcessor) Process(ctx context.Context, task *domain.Task) ([]domain.OutputResult, error) {
	if len(task.Params.InputData.WFJSON) == 0 {
		return nil, fmt.Errorf("%w: workflow JSON is empty", domain.ErrInvalidArgument)
	}
	var graph domain.Graph
	if err := json.Unmarshal(task.Params.InputData.WFJSON, &graph); err != nil {
		return nil, fmt.Errorf("%w: workflow JSON not parseable: %v", domain.ErrInvalidArgument, err)
	}
	if len(graph) == 0 {
		return nil, fmt.Errorf("%w: workflow JSON is empty", domain.ErrInvalidArgument)
	}

	client := p.cache.Get(task.WorkflowName)

	// Liveness gate: a dead engine releases the task without any status
	// change so another worker, or a later tick, can pick it up.
	if !client.CheckHealth(ctx) {
		slog.Warn("engine not available, releasing task",
			slog.String("task_id", task.TaskID), slog.String("server", client.ServerAddr()))
		return nil, fmt.Errorf("%w: engine at %s", domain.ErrEngineUnavailable, client.ServerAddr())
	}

	p.reporter.SendProcessing(ctx, task)

	// Pre-processing failures are durable: a missing input URL will not
	// resolve itself on another worker, so they never release the task.
	if err := p.preprocess(ctx, graph, client, task.WorkflowName); err != nil {
		return nil, err
	}

	results, err := p.execute(ctx, task, graph, client)
	if err != nil && domain.IsConnectionError(err) {
		p.evict(task.WorkflowName)
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}
	return results, err
}

func (p *WorkflowProcessor) execute(ctx context.Context, task *domain.Task, graph domain.Graph, client *engine.Client) ([]domain.OutputResult, error) {
	promptID, err := client.QueuePrompt(ctx, graph)
	if err != nil {
		return nil, err
	}
	slog.Info("workflow submitted",
		slog.String("task_id", task.TaskID), slog.String("prompt_id", promptID))

	waitStart := time.Now()
	err = client.WaitForCompletion(ctx, promptID, p.taskTimeout, func(value, max int) {
		pct := 0.0
		if max > 0 {
			pct = float64(value) / float64(max) * 100
		}
		message := fmt.Sprintf("progress: %d/%d (%.1f%%)", value, max, pct)
		p.reporter.SendProgress(ctx, task, message, value, max)
	})
	observability.EngineWaitSeconds.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return nil, err
	}

	outputs, err := client.History(ctx, promptID)
	if err != nil {
		return nil, err
	}
	uploadTasks := p.outputs.CollectResults(graph, outputs, task.TaskID)

	results, err := p.uploadArtifacts(ctx, client, uploadTasks)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, domain.ErrNoResults
	}
	return results, nil
}

// preprocess collects remote inputs, repairs LoRA paths, downloads the
// referenced assets and rewrites the graph in place. A download gap fails
// the task with the unresolved URLs spelled out.
func (p *WorkflowProcessor) preprocess(ctx context.Context, graph domain.Graph, client *engine.Client, workflowName string) error {
	if p.loraEnabled {
		p.repairerFor(workflowName, client).RepairGraph(ctx, graph)
	}

	urls, bindings := p.inputs.RemoteInputs(graph)
	if len(urls) == 0 {
		return nil
	}

	slog.Info("downloading remote inputs", slog.Int("count", len(urls)))
	downloads := p.fetcher.DownloadBatch(ctx, urls)

	var failed []string
	for _, u := range urls {
		if _, ok := downloads[u]; !ok {
			failed = append(failed, u)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("%w: could not fetch %s", domain.ErrDownloadFailed, strings.Join(failed, ", "))
	}

	p.inputs.ApplyDownloads(bindings, downloads)
	return nil
}

// uploadArtifacts fetches each artifact's bytes sequentially, then uploads
// them through a bounded worker pool. Result order follows harvest order.
func (p *WorkflowProcessor) uploadArtifacts(ctx context.Context, client *engine.Client, uploadTasks []domain.UploadTask) ([]domain.OutputResult, error) {
	type pending struct {
		task domain.UploadTask
		data []byte
	}
	var ready []pending
	for _, ut := range uploadTasks {
		data, err := client.View(ctx, ut.Filename, ut.Subfolder, ut.FolderType)
		if err != nil {
			slog.Error("artifact fetch failed, skipping",
				slog.String("filename", ut.Filename), slog.Any("error", err))
			continue
		}
		ready = append(ready, pending{task: ut, data: data})
	}
	if len(ready) == 0 {
		return nil, nil
	}

	results := make([]domain.OutputResult, len(ready))
	errs := make([]error, len(ready))
	sem := make(chan struct{}, p.uploadConcurrency)
	var wg sync.WaitGroup
	for i, item := range ready {
		wg.Add(1)
		go func(i int, item pending) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			url, err := p.uploader.UploadBinary(ctx, item.data, item.task.DestinationPath)
			observability.UploadSeconds.Observe(time.Since(start).Seconds())
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = domain.OutputResult{
				URL:      url,
				Kind:     item.task.Kind,
				Metadata: media.ProbeMetadata(item.data, item.task.Filename),
			}
		}(i, item)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("artifact upload failed: %w", err)
		}
	}
	return results, nil
}
