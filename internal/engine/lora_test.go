package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/be-as-one/gpu-task-agent/internal/domain"
)

func loraEngine(t *testing.T, loras []string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		payload := map[string]any{
			"LoraLoader": map[string]any{
				"input": map[string]any{
					"required": map[string]any{
						"lora_name": []any{loras},
					},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
}

func graphWithLora(classType, loraName string) domain.Graph {
	return domain.Graph{
		"5": &domain.Node{
			ClassType: classType,
			Inputs:    map[string]any{"lora_name": loraName, "strength_model": 0.8},
		},
	}
}

func TestLoraRepairRewritesBareFilename(t *testing.T) {
	srv := loraEngine(t, []string{"styles/anime.safetensors", "detail.safetensors"}, nil)
	defer srv.Close()

	r := NewLoraRepairer(NewClient(HostPort(srv.URL), "wf"))
	graph := graphWithLora("LoraLoader", "anime.safetensors")
	r.RepairGraph(context.Background(), graph)

	assert.Equal(t, "styles/anime.safetensors", graph["5"].Inputs["lora_name"])
}

func TestLoraRepairModelOnlyLoader(t *testing.T) {
	srv := loraEngine(t, []string{"styles/anime.safetensors"}, nil)
	defer srv.Close()

	r := NewLoraRepairer(NewClient(HostPort(srv.URL), "wf"))
	graph := graphWithLora("LoraLoaderModelOnly", "anime.safetensors")
	r.RepairGraph(context.Background(), graph)

	assert.Equal(t, "styles/anime.safetensors", graph["5"].Inputs["lora_name"])
}

func TestLoraRepairLeavesFullPathUnchanged(t *testing.T) {
	srv := loraEngine(t, []string{"styles/anime.safetensors"}, nil)
	defer srv.Close()

	r := NewLoraRepairer(NewClient(HostPort(srv.URL), "wf"))
	graph := graphWithLora("LoraLoader", "styles/anime.safetensors")
	r.RepairGraph(context.Background(), graph)

	assert.Equal(t, "styles/anime.safetensors", graph["5"].Inputs["lora_name"])
}

func TestLoraRepairUnknownNameUnchanged(t *testing.T) {
	srv := loraEngine(t, []string{"styles/anime.safetensors"}, nil)
	defer srv.Close()

	r := NewLoraRepairer(NewClient(HostPort(srv.URL), "wf"))
	graph := graphWithLora("LoraLoader", "missing.safetensors")
	r.RepairGraph(context.Background(), graph)

	// the engine will fail the task with its own diagnostic
	assert.Equal(t, "missing.safetensors", graph["5"].Inputs["lora_name"])
}

func TestLoraRepairIgnoresOtherNodes(t *testing.T) {
	srv := loraEngine(t, []string{"styles/anime.safetensors"}, nil)
	defer srv.Close()

	r := NewLoraRepairer(NewClient(HostPort(srv.URL), "wf"))
	graph := domain.Graph{
		"1": &domain.Node{ClassType: "LoadImage", Inputs: map[string]any{"image": "anime.safetensors"}},
	}
	r.RepairGraph(context.Background(), graph)
	assert.Equal(t, "anime.safetensors", graph["1"].Inputs["image"])
}

func TestLoraRepairIdempotent(t *testing.T) {
	srv := loraEngine(t, []string{"styles/anime.safetensors"}, nil)
	defer srv.Close()

	r := NewLoraRepairer(NewClient(HostPort(srv.URL), "wf"))
	graph := graphWithLora("LoraLoader", "anime.safetensors")
	r.RepairGraph(context.Background(), graph)
	first := graph["5"].Inputs["lora_name"]
	r.RepairGraph(context.Background(), graph)
	assert.Equal(t, first, graph["5"].Inputs["lora_name"])
}

func TestLoraCatalogFetchedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := loraEngine(t, []string{"styles/anime.safetensors"}, &calls)
	defer srv.Close()

	r := NewLoraRepairer(NewClient(HostPort(srv.URL), "wf"))
	r.RepairGraph(context.Background(), graphWithLora("LoraLoader", "anime.safetensors"))
	r.RepairGraph(context.Background(), graphWithLora("LoraLoader", "anime.safetensors"))
	assert.Equal(t, int32(1), calls.Load())

	r.Invalidate()
	r.RepairGraph(context.Background(), graphWithLora("LoraLoader", "anime.safetensors"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestLoraRepairSkipsOnIntrospectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewLoraRepairer(NewClient(HostPort(srv.URL), "wf"))
	graph := graphWithLora("LoraLoader", "anime.safetensors")
	r.RepairGraph(context.Background(), graph)

	// non-fatal: graph passes through unchanged
	assert.Equal(t, "anime.safetensors", graph["5"].Inputs["lora_name"])
}

func TestCatalogNamesParsing(t *testing.T) {
	raw := []byte(`{"LoraLoader":{"input":{"required":{"lora_name":[["a/b.safetensors","c.safetensors"]]}}}}`)
	names := catalogNames(raw)
	require.Equal(t, []string{"a/b.safetensors", "c.safetensors"}, names)

	assert.Nil(t, catalogNames([]byte(`{}`)))
	assert.Nil(t, catalogNames([]byte(`not json`)))
}
