package nodes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
	"github.com/be-as-one/gpu-task-agent/internal/engine"
)

// Harvest accumulates upload tasks for one run. The sequence counter is
// monotonic in collection order and never reused, which keeps every
// destination path unique within the task.
type Harvest struct {
	TaskID string
	Tasks  []domain.UploadTask

	now func() time.Time
	seq int
}

// NewHarvest starts an empty harvest for taskID.
func NewHarvest(taskID string) *Harvest {
	return &Harvest{TaskID: taskID, now: time.Now}
}

// Add records one artifact. ext must include the leading dot.
func (h *Harvest) Add(kind domain.MediaKind, ref engine.FileRef, defaultFolderType, ext string) {
	folderType := ref.Type
	if folderType == "" {
		folderType = defaultFolderType
	}
	dest := fmt.Sprintf("%s/%s_%d%s", h.now().Format("20060102"), h.TaskID, h.seq, ext)
	h.seq++
	h.Tasks = append(h.Tasks, domain.UploadTask{
		Kind:            kind,
		Filename:        ref.Filename,
		Subfolder:       ref.Subfolder,
		FolderType:      folderType,
		DestinationPath: dest,
	})
}

func (h *Harvest) addForNode(nodeID string, kind domain.MediaKind, ref engine.FileRef, defaultFolderType, ext string) {
	h.Add(kind, ref, defaultFolderType, ext)
	h.Tasks[len(h.Tasks)-1].SourceNodeID = nodeID
}

// OutputHandler recognises one node type in the post-run history and
// enumerates its artifacts.
type OutputHandler interface {
	CanHandle(node *domain.Node) bool
	Collect(h *Harvest, nodeID string, node *domain.Node, out engine.NodeOutput)
}

// extForFilename keeps the artifact's own extension, defaulting when the
// engine omitted one.
func extForFilename(filename, fallback string) string {
	if ext := path.Ext(filename); ext != "" {
		return ext
	}
	return fallback
}

// extForFormat maps a MIME-ish format tag to a file extension.
func extForFormat(format, fallback string) string {
	switch {
	case strings.Contains(format, "mp4"):
		return ".mp4"
	case strings.Contains(format, "webm"):
		return ".webm"
	case strings.Contains(format, "gif"):
		return ".gif"
	}
	return fallback
}

// imagesHandler covers SaveImage and PreviewImage: artifacts live in
// outputs[node].images[].
type imagesHandler struct {
	classType  string
	folderType string
}

func (o *imagesHandler) CanHandle(node *domain.Node) bool {
	return node != nil && node.ClassType == o.classType
}

func (o *imagesHandler) Collect(h *Harvest, nodeID string, _ *domain.Node, out engine.NodeOutput) {
	for _, ref := range out.Images {
		h.addForNode(nodeID, domain.MediaImage, ref, o.folderType, extForFilename(ref.Filename, ".png"))
	}
}

// NewSaveImageHandler handles SaveImage (folder type defaults to output).
func NewSaveImageHandler() OutputHandler {
	return &imagesHandler{classType: "SaveImage", folderType: "output"}
}

// NewPreviewImageHandler handles PreviewImage (folder type defaults to temp).
func NewPreviewImageHandler() OutputHandler {
	return &imagesHandler{classType: "PreviewImage", folderType: "temp"}
}

// saveAudioHandler reads outputs[node].audio[] or audios[].
type saveAudioHandler struct{}

// NewSaveAudioHandler handles SaveAudio nodes.
func NewSaveAudioHandler() OutputHandler { return &saveAudioHandler{} }

func (o *saveAudioHandler) CanHandle(node *domain.Node) bool {
	return node != nil && node.ClassType == "SaveAudio"
}

func (o *saveAudioHandler) Collect(h *Harvest, nodeID string, _ *domain.Node, out engine.NodeOutput) {
	refs := out.Audio
	if len(refs) == 0 {
		refs = out.Audios
	}
	for _, ref := range refs {
		h.addForNode(nodeID, domain.MediaAudio, ref, "output", extForFilename(ref.Filename, ".wav"))
	}
}

// saveVideoHandler reads the first non-empty of images/videos/gifs and
// synthesises "<filename_prefix>_00001.mp4" when the engine omitted the
// node's metadata entirely.
type saveVideoHandler struct{}

// NewSaveVideoHandler handles SaveVideo nodes.
func NewSaveVideoHandler() OutputHandler { return &saveVideoHandler{} }

func (o *saveVideoHandler) CanHandle(node *domain.Node) bool {
	return node != nil && node.ClassType == "SaveVideo"
}

func (o *saveVideoHandler) Collect(h *Harvest, nodeID string, node *domain.Node, out engine.NodeOutput) {
	refs := out.Images
	if len(refs) == 0 {
		refs = out.Videos
	}
	if len(refs) == 0 {
		refs = out.Gifs
	}
	if len(refs) == 0 {
		prefix := inputString(node, "filename_prefix")
		if prefix == "" {
			slog.Debug("SaveVideo node reported no artifacts", slog.String("node", nodeID))
			return
		}
		ref := engine.FileRef{Filename: prefix + "_00001.mp4", Type: "output"}
		slog.Warn("SaveVideo output missing from history, synthesising filename",
			slog.String("node", nodeID), slog.String("filename", ref.Filename))
		h.addForNode(nodeID, domain.MediaVideo, ref, "output", ".mp4")
		return
	}
	for _, ref := range refs {
		h.addForNode(nodeID, domain.MediaVideo, ref, "output", extForFilename(ref.Filename, ".mp4"))
	}
}

// vhsWidget is one entry of outputs[node].widgets[].
type vhsWidget struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type vhsPreviewValue struct {
	Params engine.FileRef `json:"params"`
}

// parseViewURL extracts a file reference from a "/view?..." widget value.
func parseViewURL(raw string) (engine.FileRef, bool) {
	if !strings.HasPrefix(raw, "/view?") {
		return engine.FileRef{}, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return engine.FileRef{}, false
	}
	q := u.Query()
	ref := engine.FileRef{
		Filename:  q.Get("filename"),
		Subfolder: q.Get("subfolder"),
		Type:      q.Get("type"),
		Format:    q.Get("format"),
	}
	if ref.Type == "" {
		ref.Type = "output"
	}
	return ref, ref.Filename != ""
}

// vhsVideoCombineHandler reads outputs[node].gifs[] plus image/preview
// widgets. Nodes with save_output=true that the engine dropped from outputs
// are handled by the registry's graph fallback scan, not here.
type vhsVideoCombineHandler struct{}

// NewVHSVideoCombineHandler handles VHS_VideoCombine nodes.
func NewVHSVideoCombineHandler() OutputHandler { return &vhsVideoCombineHandler{} }

func (o *vhsVideoCombineHandler) CanHandle(node *domain.Node) bool {
	return node != nil && node.ClassType == "VHS_VideoCombine"
}

func kindForFormat(format string) domain.MediaKind {
	switch {
	case strings.HasPrefix(format, "video"):
		return domain.MediaVideo
	case strings.HasPrefix(format, "image"):
		return domain.MediaImage
	}
	return domain.MediaUnknown
}

func (o *vhsVideoCombineHandler) Collect(h *Harvest, nodeID string, _ *domain.Node, out engine.NodeOutput) {
	for _, ref := range out.Gifs {
		format := ref.Format
		if format == "" {
			format = "image/gif"
		}
		kind := kindForFormat(format)
		if kind == domain.MediaUnknown {
			slog.Debug("skipping unsupported VHS format", slog.String("format", format))
			continue
		}
		h.addForNode(nodeID, kind, ref, "output", extForFilename(ref.Filename, extForFormat(format, ".mp4")))
	}

	for _, raw := range out.Widgets {
		var widget vhsWidget
		if err := json.Unmarshal(raw, &widget); err != nil {
			slog.Error("malformed VHS widget", slog.String("node", nodeID), slog.Any("error", err))
			continue
		}
		switch widget.Type {
		case "image":
			var view string
			if err := json.Unmarshal(widget.Value, &view); err != nil {
				continue
			}
			ref, ok := parseViewURL(view)
			if !ok || ref.Type != "output" {
				continue
			}
			h.addForNode(nodeID, domain.MediaImage, ref, "output", extForFilename(ref.Filename, ".png"))
		case "preview":
			var preview vhsPreviewValue
			if err := json.Unmarshal(widget.Value, &preview); err != nil {
				continue
			}
			params := preview.Params
			kind := kindForFormat(params.Format)
			if params.Filename == "" || kind == domain.MediaUnknown {
				continue
			}
			if params.Type == "" {
				params.Type = "output"
			}
			h.addForNode(nodeID, kind, params, "output", extForFilename(params.Filename, extForFormat(params.Format, ".png")))
		}
	}
}

// OutputRegistry is the ordered list of output handlers.
type OutputRegistry struct {
	handlers []OutputHandler
}

// NewOutputRegistry builds a registry with the built-in handlers.
func NewOutputRegistry() *OutputRegistry {
	r := &OutputRegistry{}
	r.Register(NewSaveImageHandler())
	r.Register(NewPreviewImageHandler())
	r.Register(NewSaveAudioHandler())
	r.Register(NewSaveVideoHandler())
	r.Register(NewVHSVideoCombineHandler())
	return r
}

// Register appends a handler; earlier registrations win.
func (r *OutputRegistry) Register(h OutputHandler) {
	r.handlers = append(r.handlers, h)
}

func (r *OutputRegistry) handlerFor(node *domain.Node) OutputHandler {
	for _, h := range r.handlers {
		if h.CanHandle(node) {
			return h
		}
	}
	return nil
}

func inputString(node *domain.Node, field string) string {
	if node == nil || node.Inputs == nil {
		return ""
	}
	s, _ := node.Inputs[field].(string)
	return s
}

func inputTruthy(node *domain.Node, field string) bool {
	if node == nil || node.Inputs == nil {
		return false
	}
	switch v := node.Inputs[field].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v == "true" || v == "1"
	}
	return false
}

// CollectResults walks the engine's post-run outputs through the handlers
// and then scans the submitted graph for VHS_VideoCombine nodes the engine
// did not report: a node with truthy save_output that is absent from
// outputs still contributes a synthesised artifact. This is the only case
// where a node outside outputs produces an upload task.
func (r *OutputRegistry) CollectResults(graph domain.Graph, outputs map[string]engine.NodeOutput, taskID string) []domain.UploadTask {
	h := NewHarvest(taskID)

	for _, nodeID := range sortedKeys(outputs) {
		out := outputs[nodeID]
		node := graph[nodeID]
		handler := r.handlerFor(node)
		if handler == nil {
			classType := "unknown"
			if node != nil {
				classType = node.ClassType
			}
			slog.Debug("no output handler for node",
				slog.String("node", nodeID), slog.String("class_type", classType))
			continue
		}
		handler.Collect(h, nodeID, node, out)
	}

	for _, nodeID := range sortedKeys(graph) {
		node := graph[nodeID]
		if node == nil || node.ClassType != "VHS_VideoCombine" {
			continue
		}
		if _, reported := outputs[nodeID]; reported {
			continue
		}
		if !inputTruthy(node, "save_output") {
			continue
		}
		prefix := inputString(node, "filename_prefix")
		if prefix == "" {
			prefix = "AnimateDiff"
		}
		ext := extForFormat(inputString(node, "format"), ".mp4")
		ref := engine.FileRef{Filename: prefix + "00001" + ext, Type: "output"}
		slog.Warn("VHS_VideoCombine missing from outputs, synthesising filename",
			slog.String("node", nodeID), slog.String("filename", ref.Filename))
		h.addForNode(nodeID, domain.MediaVideo, ref, "output", ext)
	}

	slog.Debug("collected upload tasks", slog.Int("count", len(h.Tasks)))
	return h.Tasks
}

// sortedKeys gives harvesting a stable node order so sequence numbers and
// result URLs are deterministic across runs.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
