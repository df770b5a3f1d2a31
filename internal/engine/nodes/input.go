// Package nodes holds the pluggable handlers that interpret graph nodes:
// input handlers find remote-URL references to materialise locally, output
// handlers enumerate artifacts to upload after a run. Registration order is
// part of the contract; handlers are tried in the order they were added.
package nodes

import (
	"log/slog"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
	"github.com/be-as-one/gpu-task-agent/internal/media"
)

// InputRef is one remote reference found in a node: the URL, the input
// field holding it, and the media kind the node expects.
type InputRef struct {
	URL   string
	Field string
	Kind  domain.MediaKind
}

// InputHandler recognises one node type and enumerates its remote inputs.
type InputHandler interface {
	CanHandle(node *domain.Node) bool
	RemoteRefs(nodeID string, node *domain.Node) []InputRef
	SetLocalPath(node *domain.Node, field, localPath string)
}

// urlFieldHandler covers the load-style nodes that carry a single remote
// reference in one input field.
type urlFieldHandler struct {
	classType string
	field     string
	kind      domain.MediaKind
}

func (h *urlFieldHandler) CanHandle(node *domain.Node) bool {
	return node != nil && node.ClassType == h.classType
}

func (h *urlFieldHandler) RemoteRefs(nodeID string, node *domain.Node) []InputRef {
	value, ok := node.Inputs[h.field].(string)
	if !ok || !media.IsRemote(value) {
		return nil
	}
	if kind := media.DetectKind(value); kind != h.kind && kind != domain.MediaUnknown {
		slog.Warn("node references unexpected media kind",
			slog.String("node", nodeID),
			slog.String("class_type", h.classType),
			slog.String("url", value),
			slog.String("kind", string(kind)))
	}
	slog.Info("found remote input",
		slog.String("node", nodeID), slog.String("class_type", h.classType), slog.String("url", value))
	return []InputRef{{URL: value, Field: h.field, Kind: h.kind}}
}

func (h *urlFieldHandler) SetLocalPath(node *domain.Node, field, localPath string) {
	if field == h.field && node.Inputs != nil {
		node.Inputs[field] = localPath
	}
}

// NewLoadImageHandler handles LoadImage nodes (field "image").
func NewLoadImageHandler() InputHandler {
	return &urlFieldHandler{classType: "LoadImage", field: "image", kind: domain.MediaImage}
}

// NewLoadAudioHandler handles LoadAudio nodes (field "audio").
func NewLoadAudioHandler() InputHandler {
	return &urlFieldHandler{classType: "LoadAudio", field: "audio", kind: domain.MediaAudio}
}

// inputBinding records where a downloaded URL must be written back.
type inputBinding struct {
	nodeID  string
	field   string
	node    *domain.Node
	handler InputHandler
}

// InputRegistry is the ordered list of input handlers.
type InputRegistry struct {
	handlers []InputHandler
}

// NewInputRegistry builds a registry with the built-in handlers.
func NewInputRegistry() *InputRegistry {
	r := &InputRegistry{}
	r.Register(NewLoadImageHandler())
	r.Register(NewLoadAudioHandler())
	return r
}

// Register appends a handler; earlier registrations win.
func (r *InputRegistry) Register(h InputHandler) {
	r.handlers = append(r.handlers, h)
}

func (r *InputRegistry) handlerFor(node *domain.Node) InputHandler {
	for _, h := range r.handlers {
		if h.CanHandle(node) {
			return h
		}
	}
	return nil
}

// RemoteInputs walks the graph and collects every remote URL with its
// back-references. The returned urls list preserves first-seen order and is
// free of duplicates.
func (r *InputRegistry) RemoteInputs(graph domain.Graph) (urls []string, bindings map[string][]inputBinding) {
	bindings = map[string][]inputBinding{}
	for nodeID, node := range graph {
		if node == nil {
			continue
		}
		h := r.handlerFor(node)
		if h == nil {
			continue
		}
		for _, ref := range h.RemoteRefs(nodeID, node) {
			if _, seen := bindings[ref.URL]; !seen {
				urls = append(urls, ref.URL)
			}
			bindings[ref.URL] = append(bindings[ref.URL], inputBinding{
				nodeID:  nodeID,
				field:   ref.Field,
				node:    node,
				handler: h,
			})
		}
	}
	return urls, bindings
}

// ApplyDownloads rewrites every bound node input to its downloaded local
// filename.
func (r *InputRegistry) ApplyDownloads(bindings map[string][]inputBinding, downloads map[string]string) {
	for url, localName := range downloads {
		for _, b := range bindings[url] {
			b.handler.SetLocalPath(b.node, b.field, localName)
			slog.Info("rewrote node input to local file",
				slog.String("node", b.nodeID), slog.String("file", localName))
		}
	}
}
