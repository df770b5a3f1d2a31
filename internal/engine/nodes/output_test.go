package nodes

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
	"github.com/be-as-one/gpu-task-agent/internal/engine"
)

func rawWidgets(t *testing.T, widgets ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(widgets))
	for _, w := range widgets {
		data, err := json.Marshal(w)
		require.NoError(t, err)
		out = append(out, data)
	}
	return out
}

func TestCollectSaveImage(t *testing.T) {
	graph := domain.Graph{
		"9": &domain.Node{ClassType: "SaveImage", Inputs: map[string]any{"filename_prefix": "out"}},
	}
	outputs := map[string]engine.NodeOutput{
		"9": {Images: []engine.FileRef{
			{Filename: "out_00001_.png", Subfolder: "", Type: "output"},
			{Filename: "out_00002_.png", Subfolder: "", Type: "output"},
		}},
	}

	tasks := NewOutputRegistry().CollectResults(graph, outputs, "t1")
	require.Len(t, tasks, 2)
	assert.Equal(t, domain.MediaImage, tasks[0].Kind)
	assert.Equal(t, "out_00001_.png", tasks[0].Filename)
	assert.Equal(t, "output", tasks[0].FolderType)
	assert.True(t, strings.HasSuffix(tasks[0].DestinationPath, "/t1_0.png"))
	assert.True(t, strings.HasSuffix(tasks[1].DestinationPath, "/t1_1.png"))
	assert.Equal(t, "9", tasks[0].SourceNodeID)
}

func TestDestinationPathsUniquePerTask(t *testing.T) {
	graph := domain.Graph{
		"8": &domain.Node{ClassType: "PreviewImage", Inputs: map[string]any{}},
		"9": &domain.Node{ClassType: "SaveImage", Inputs: map[string]any{}},
	}
	outputs := map[string]engine.NodeOutput{
		"8": {Images: []engine.FileRef{{Filename: "p.png"}}},
		"9": {Images: []engine.FileRef{{Filename: "a.png"}, {Filename: "b.png"}}},
	}

	tasks := NewOutputRegistry().CollectResults(graph, outputs, "t1")
	require.Len(t, tasks, 3)
	seen := map[string]bool{}
	for _, task := range tasks {
		assert.False(t, seen[task.DestinationPath], "duplicate path %s", task.DestinationPath)
		seen[task.DestinationPath] = true
	}
}

func TestCollectPreviewImageDefaultsTemp(t *testing.T) {
	graph := domain.Graph{
		"8": &domain.Node{ClassType: "PreviewImage", Inputs: map[string]any{}},
	}
	outputs := map[string]engine.NodeOutput{
		"8": {Images: []engine.FileRef{{Filename: "preview.png"}}},
	}

	tasks := NewOutputRegistry().CollectResults(graph, outputs, "t1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "temp", tasks[0].FolderType)
}

func TestCollectSaveAudioBothFieldNames(t *testing.T) {
	graph := domain.Graph{
		"3": &domain.Node{ClassType: "SaveAudio", Inputs: map[string]any{}},
		"4": &domain.Node{ClassType: "SaveAudio", Inputs: map[string]any{}},
	}
	outputs := map[string]engine.NodeOutput{
		"3": {Audio: []engine.FileRef{{Filename: "a.flac", Type: "output"}}},
		"4": {Audios: []engine.FileRef{{Filename: "b.wav", Type: "output"}}},
	}

	tasks := NewOutputRegistry().CollectResults(graph, outputs, "t1")
	require.Len(t, tasks, 2)
	assert.Equal(t, domain.MediaAudio, tasks[0].Kind)
	assert.True(t, strings.HasSuffix(tasks[0].DestinationPath, ".flac"))
	assert.True(t, strings.HasSuffix(tasks[1].DestinationPath, ".wav"))
}

func TestCollectSaveVideoFirstNonEmpty(t *testing.T) {
	graph := domain.Graph{
		"7": &domain.Node{ClassType: "SaveVideo", Inputs: map[string]any{"filename_prefix": "vid"}},
	}
	outputs := map[string]engine.NodeOutput{
		"7": {Videos: []engine.FileRef{{Filename: "vid_00001.mp4", Type: "output"}}},
	}

	tasks := NewOutputRegistry().CollectResults(graph, outputs, "t1")
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.MediaVideo, tasks[0].Kind)
	assert.Equal(t, "vid_00001.mp4", tasks[0].Filename)
}

func TestCollectSaveVideoSynthesisedFallback(t *testing.T) {
	graph := domain.Graph{
		"7": &domain.Node{ClassType: "SaveVideo", Inputs: map[string]any{"filename_prefix": "vid"}},
	}
	outputs := map[string]engine.NodeOutput{
		"7": {}, // engine reported the node but omitted all artifact lists
	}

	tasks := NewOutputRegistry().CollectResults(graph, outputs, "t1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "vid_00001.mp4", tasks[0].Filename)
}

func TestCollectVHSGifs(t *testing.T) {
	graph := domain.Graph{
		"12": &domain.Node{ClassType: "VHS_VideoCombine", Inputs: map[string]any{}},
	}
	outputs := map[string]engine.NodeOutput{
		"12": {Gifs: []engine.FileRef{
			{Filename: "anim_00001.mp4", Type: "output", Format: "video/h264-mp4"},
			{Filename: "anim_00001.gif", Type: "output", Format: "image/gif"},
			{Filename: "anim.bin", Type: "output", Format: "application/octet-stream"},
		}},
	}

	tasks := NewOutputRegistry().CollectResults(graph, outputs, "t1")
	require.Len(t, tasks, 2)
	assert.Equal(t, domain.MediaVideo, tasks[0].Kind)
	assert.Equal(t, domain.MediaImage, tasks[1].Kind)
}

func TestCollectVHSWidgets(t *testing.T) {
	graph := domain.Graph{
		"12": &domain.Node{ClassType: "VHS_VideoCombine", Inputs: map[string]any{}},
	}
	outputs := map[string]engine.NodeOutput{
		"12": {Widgets: rawWidgets(t,
			map[string]any{"type": "image", "value": "/view?filename=w.png&subfolder=&type=output&format=image/png"},
			map[string]any{"type": "image", "value": "/view?filename=tmp.png&subfolder=&type=temp"},
			map[string]any{"type": "preview", "value": map[string]any{
				"params": map[string]any{"filename": "pv.mp4", "subfolder": "", "type": "output", "format": "video/h264-mp4"},
			}},
		)},
	}

	tasks := NewOutputRegistry().CollectResults(graph, outputs, "t1")
	require.Len(t, tasks, 2)
	assert.Equal(t, "w.png", tasks[0].Filename)
	assert.Equal(t, "pv.mp4", tasks[1].Filename)
}

func TestVHSGraphFallbackScan(t *testing.T) {
	graph := domain.Graph{
		"12": &domain.Node{ClassType: "VHS_VideoCombine", Inputs: map[string]any{
			"save_output":     true,
			"filename_prefix": "clip",
			"format":          "video/h264-mp4",
		}},
		"13": &domain.Node{ClassType: "VHS_VideoCombine", Inputs: map[string]any{
			"save_output": false,
		}},
	}
	// engine reported neither node
	tasks := NewOutputRegistry().CollectResults(graph, map[string]engine.NodeOutput{}, "t1")

	require.Len(t, tasks, 1)
	assert.Equal(t, "clip00001.mp4", tasks[0].Filename)
	assert.Equal(t, "12", tasks[0].SourceNodeID)
}

func TestVHSReportedNodeNotSynthesised(t *testing.T) {
	graph := domain.Graph{
		"12": &domain.Node{ClassType: "VHS_VideoCombine", Inputs: map[string]any{
			"save_output":     true,
			"filename_prefix": "clip",
		}},
	}
	outputs := map[string]engine.NodeOutput{
		"12": {Gifs: []engine.FileRef{{Filename: "clip_00001.mp4", Type: "output", Format: "video/h264-mp4"}}},
	}

	tasks := NewOutputRegistry().CollectResults(graph, outputs, "t1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "clip_00001.mp4", tasks[0].Filename)
}

func TestCollectIgnoresUnknownNodes(t *testing.T) {
	graph := domain.Graph{
		"2": &domain.Node{ClassType: "KSampler", Inputs: map[string]any{}},
	}
	outputs := map[string]engine.NodeOutput{
		"2": {Images: []engine.FileRef{{Filename: "x.png"}}},
	}

	tasks := NewOutputRegistry().CollectResults(graph, outputs, "t1")
	assert.Empty(t, tasks)
}

func TestParseViewURL(t *testing.T) {
	ref, ok := parseViewURL("/view?filename=a.png&subfolder=s&type=output&format=image/png")
	require.True(t, ok)
	assert.Equal(t, engine.FileRef{Filename: "a.png", Subfolder: "s", Type: "output", Format: "image/png"}, ref)

	_, ok = parseViewURL("https://elsewhere.test/view?filename=a.png")
	assert.False(t, ok)

	_, ok = parseViewURL("/view?subfolder=s")
	assert.False(t, ok)
}
