// Package processor contains the per-workflow task processors and the
// rule-based registry that routes tasks to them.
package processor

import (
	"log/slog"
	"strings"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
)

// builtinWorkflows are the engine workflow names accepted without the
// comfyui_ prefix.
var builtinWorkflows = map[string]bool{
	"basic_generation": true,
	"text_to_image":    true,
	"image_to_image":   true,
	"inpainting":       true,
}

// Registry maps workflow names to processors.
type Registry struct {
	workflow domain.Processor
	faceSwap domain.Processor
}

// NewRegistry builds the registry over the two processor kinds.
func NewRegistry(workflowProc, faceSwapProc domain.Processor) *Registry {
	return &Registry{workflow: workflowProc, faceSwap: faceSwapProc}
}

// For resolves the processor for a workflow name. Unknown and empty names
// fall through to the engine workflow processor with a warning.
func (r *Registry) For(workflowName string) domain.Processor {
	switch {
	case workflowName == "faceswap" || workflowName == "face_swap":
		return r.faceSwap
	case strings.HasPrefix(workflowName, "comfyui_") || builtinWorkflows[workflowName]:
		return r.workflow
	case workflowName == "":
		slog.Warn("task has no workflow name, defaulting to engine processor")
		return r.workflow
	default:
		slog.Warn("unknown workflow, defaulting to engine processor",
			slog.String("workflow", workflowName))
		return r.workflow
	}
}

// Supported summarises the routing rules for the facade API.
func Supported() map[string]string {
	return map[string]string{
		"faceswap":         "faceswap",
		"comfyui_*":        "workflow",
		"basic_generation": "workflow",
		"text_to_image":    "workflow",
		"image_to_image":   "workflow",
		"inpainting":       "workflow",
	}
}
