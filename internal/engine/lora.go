package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"sync"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
)

// loraNodeTypes are the graph node types whose lora_name input is repaired.
var loraNodeTypes = map[string]bool{
	"LoraLoader":          true,
	"LoraLoaderModelOnly": true,
}

// loraIntrospectionType is the node type queried on /object_info.
const loraIntrospectionType = "LoraLoader"

// LoraRepairer rewrites bare LoRA filenames in a graph to the
// sub-directory-qualified paths the engine actually knows. The catalog is
// fetched lazily from the engine's introspection endpoint on the repairer's
// first use and kept until Invalidate is called; each repairer holds its own
// catalog, so separate repairers do not share one fetch.
type LoraRepairer struct {
	client *Client

	mu      sync.Mutex
	catalog map[string]string // basename -> full path
	loaded  bool
}

// NewLoraRepairer builds a repairer backed by the given engine client.
func NewLoraRepairer(client *Client) *LoraRepairer {
	return &LoraRepairer{client: client}
}

// catalogNames extracts the enumerated lora_name values from the
// introspection payload: {<type>: {input: {required: {lora_name: [[...]]}}}}.
func catalogNames(raw json.RawMessage) []string {
	var payload map[string]struct {
		Input struct {
			Required map[string]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	entry, ok := payload[loraIntrospectionType]
	if !ok {
		return nil
	}
	field, ok := entry.Input.Required["lora_name"]
	if !ok {
		return nil
	}
	var options []json.RawMessage
	if err := json.Unmarshal(field, &options); err != nil || len(options) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(options[0], &names); err != nil {
		return nil
	}
	return names
}

// loadCatalog builds the basename→path map. Introspection failures are
// non-fatal: the repair pass is skipped and the graph goes through as-is.
func (r *LoraRepairer) loadCatalog(ctx context.Context) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r.catalog
	}

	r.catalog = map[string]string{}
	raw, err := r.client.ObjectInfo(ctx, loraIntrospectionType)
	if err != nil {
		slog.Warn("lora catalog fetch failed, skipping path repair", slog.Any("error", err))
		r.loaded = true
		return r.catalog
	}
	for _, full := range catalogNames(raw) {
		base := path.Base(full)
		// first hit wins when two subfolders carry the same filename
		if _, exists := r.catalog[base]; !exists {
			r.catalog[base] = full
		}
	}
	r.loaded = true
	if len(r.catalog) > 0 {
		slog.Info("lora catalog loaded", slog.Int("entries", len(r.catalog)))
	}
	return r.catalog
}

// Invalidate clears the cached catalog so the next repair re-fetches it.
func (r *LoraRepairer) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog = nil
	r.loaded = false
}

// fixPath resolves one lora name against the catalog. Known full paths pass
// through unchanged; unknown names are returned as-is so the engine can
// fail the task with its own precise diagnostic.
func (r *LoraRepairer) fixPath(catalog map[string]string, loraName string) string {
	if loraName == "" || len(catalog) == 0 {
		return loraName
	}
	for _, full := range catalog {
		if full == loraName {
			return loraName
		}
	}
	if full, ok := catalog[path.Base(loraName)]; ok {
		if full != loraName {
			slog.Info("lora path repaired",
				slog.String("from", loraName), slog.String("to", full))
		}
		return full
	}
	slog.Warn("lora file not found in catalog", slog.String("lora_name", loraName))
	return loraName
}

// RepairGraph rewrites lora_name inputs of every LoRA loader node in place.
// Applying it twice leaves the graph unchanged.
func (r *LoraRepairer) RepairGraph(ctx context.Context, graph domain.Graph) {
	catalog := r.loadCatalog(ctx)
	if len(catalog) == 0 {
		return
	}

	fixed := 0
	for _, node := range graph {
		if node == nil || !loraNodeTypes[node.ClassType] || node.Inputs == nil {
			continue
		}
		name, ok := node.Inputs["lora_name"].(string)
		if !ok || name == "" {
			continue
		}
		if repaired := r.fixPath(catalog, name); repaired != name {
			node.Inputs["lora_name"] = repaired
			fixed++
		}
	}
	if fixed > 0 {
		slog.Info("workflow lora paths repaired", slog.Int("nodes", fixed))
	}
}
