package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellfinder/internal/models"
	"cellfinder/pkg/planeio"
)

// volume builds a depth x height x width volume from value(x, y, z)
func volume(width, height, depth int, value func(x, y, z int) float64) *planeio.MemorySource {
	planes := make([]*models.Plane, depth)
	for z := range planes {
		p := models.NewPlane(z, width, height)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				p.Set(x, y, value(x, y, z))
			}
		}
		planes[z] = p
	}
	return planeio.NewMemorySource(planes...)
}

// countingVolume records how often each plane is loaded
type countingVolume struct {
	Volume
	mu    sync.Mutex
	loads map[int]int
}

func (v *countingVolume) Load(z int) (*models.Plane, error) {
	v.mu.Lock()
	v.loads[z]++
	v.mu.Unlock()
	return v.Volume.Load(z)
}

func encode(x, y, z int) float64 { return float64(z*10000 + y*100 + x) }

func TestExtractExact(t *testing.T) {
	signal := volume(20, 20, 10, encode)
	background := volume(20, 20, 10, func(x, y, z int) float64 { return encode(x, y, z) + 1 })

	e, err := NewCubeExtractor(signal, background, CubeParams{
		Width: 4, Height: 4, Depth: 2,
		Raw:     models.Isotropic(),
		Network: models.Isotropic(),
	}, nil)
	require.NoError(t, err)

	c := models.NewCell(models.Point3D{X: 5, Y: 6, Z: 2}, models.TypeUnclassified)
	cube, err := e.Extract(c)
	require.NoError(t, err)

	assert.Equal(t, c, cube.Cell)
	assert.Equal(t, 4*4*2, len(cube.Signal))

	// Origin is centre - size/2
	for z := 0; z < 2; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				s, b := cube.At(x, y, z)
				want := encode(3+x, 4+y, 1+z)
				require.Equal(t, want, s, "signal at (%d,%d,%d)", x, y, z)
				require.Equal(t, want+1, b, "background at (%d,%d,%d)", x, y, z)
			}
		}
	}
}

func TestExtractNotExtractable(t *testing.T) {
	v := volume(10, 10, 5, encode)
	e, err := NewCubeExtractor(v, v, CubeParams{
		Width: 4, Height: 4, Depth: 2,
		Raw:     models.Isotropic(),
		Network: models.Isotropic(),
	}, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		p    models.Point3D
	}{
		{"left edge", models.Point3D{X: 1, Y: 5, Z: 2}},
		{"right edge", models.Point3D{X: 9, Y: 5, Z: 2}},
		{"top edge", models.Point3D{X: 5, Y: 1, Z: 2}},
		{"first plane", models.Point3D{X: 5, Y: 5, Z: 0}},
		{"last plane", models.Point3D{X: 5, Y: 5, Z: 5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Extract(models.NewCell(tc.p, models.TypeUnclassified))
			assert.ErrorIs(t, err, ErrNotExtractable)
		})
	}

	// Exactly touching the border is fine
	_, err = e.Extract(models.NewCell(models.Point3D{X: 2, Y: 2, Z: 1}, models.TypeUnclassified))
	assert.NoError(t, err)
	_, err = e.Extract(models.NewCell(models.Point3D{X: 8, Y: 8, Z: 4}, models.TypeUnclassified))
	assert.NoError(t, err)
}

func TestExtractAllOrdersAndSkips(t *testing.T) {
	base := volume(12, 12, 8, encode)
	signal := &countingVolume{Volume: base, loads: map[int]int{}}

	e, err := NewCubeExtractor(signal, base, CubeParams{
		Width: 4, Height: 4, Depth: 2,
		Raw:     models.Isotropic(),
		Network: models.Isotropic(),
	}, nil)
	require.NoError(t, err)

	candidates := []models.Cell{
		models.NewCell(models.Point3D{X: 6, Y: 6, Z: 5}, models.TypeUnclassified),
		models.NewCell(models.Point3D{X: 0, Y: 6, Z: 3}, models.TypeUnclassified), // skipped
		models.NewCell(models.Point3D{X: 5, Y: 5, Z: 2}, models.TypeUnclassified),
		models.NewCell(models.Point3D{X: 7, Y: 7, Z: 2}, models.TypeUnclassified),
	}
	cubes, skipped, err := e.ExtractAll(candidates)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, cubes, 3)

	var zs, xs []float64
	for _, c := range cubes {
		zs = append(zs, c.Cell.Z)
		xs = append(xs, c.Cell.X)
	}
	assert.Equal(t, []float64{2, 2, 5}, zs)
	assert.Equal(t, []float64{5, 7, 6}, xs, "equal z keeps input order")

	for z, n := range signal.loads {
		assert.Equal(t, 1, n, "plane %d loaded more than once", z)
	}
}

func TestExtractRescales(t *testing.T) {
	// Constant planes: z*100
	v := volume(16, 16, 10, func(_, _, z int) float64 { return float64(z * 100) })

	params := CubeParams{
		Width: 2, Height: 2, Depth: 2,
		Raw:     models.PhysicalScale{Z: 1, Y: 1, X: 1},
		Network: models.PhysicalScale{Z: 2, Y: 2, X: 2},
	}
	w, h, d := params.RawExtent()
	assert.Equal(t, []int{4, 4, 4}, []int{w, h, d})

	e, err := NewCubeExtractor(v, v, params, nil)
	require.NoError(t, err)

	// Raw planes 2..5 hold 200..500; slab centres sample 2.5 and 4.5
	cube, err := e.Extract(models.NewCell(models.Point3D{X: 8, Y: 8, Z: 4}, models.TypeUnclassified))
	require.NoError(t, err)
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			s0, _ := cube.At(x, y, 0)
			s1, _ := cube.At(x, y, 1)
			assert.InDelta(t, 250, s0, 1)
			assert.InDelta(t, 450, s1, 1)
		}
	}
}

func TestResampleZ(t *testing.T) {
	src := []float64{0, 10, 20, 30}

	dst := make([]float64, 2)
	resampleZ(dst, src, 1, 4, 2)
	assert.InDeltaSlice(t, []float64{5, 25}, dst, 1e-12)

	up := make([]float64, 8)
	resampleZ(up, src, 1, 4, 8)
	assert.InDelta(t, 0, up[0], 1e-12, "clamped at the first slab")
	assert.InDelta(t, 30, up[7], 1e-12, "clamped at the last slab")
	for i := 1; i < len(up); i++ {
		assert.GreaterOrEqual(t, up[i], up[i-1])
	}
}

func TestNewCubeExtractorValidation(t *testing.T) {
	a := volume(4, 4, 3, encode)
	b := volume(4, 4, 2, encode)
	good := CubeParams{Width: 2, Height: 2, Depth: 1, Raw: models.Isotropic(), Network: models.Isotropic()}

	_, err := NewCubeExtractor(a, b, good, nil)
	assert.Error(t, err)

	bad := good
	bad.Depth = 0
	_, err = NewCubeExtractor(a, a, bad, nil)
	assert.Error(t, err)

	bad = good
	bad.Network = models.PhysicalScale{}
	_, err = NewCubeExtractor(a, a, bad, nil)
	assert.ErrorIs(t, err, models.ErrInvalidScale)
}

func TestExtractorWithOrchestrator(t *testing.T) {
	v := volume(12, 12, 6, encode)
	e, err := NewCubeExtractor(v, v, CubeParams{
		Width: 2, Height: 2, Depth: 1,
		Raw:     models.Isotropic(),
		Network: models.Isotropic(),
	}, nil)
	require.NoError(t, err)

	// Bright cubes are cells
	classifier := ClassifierFunc(func(_ context.Context, cubes []Cube, _ int) ([][]float64, error) {
		out := make([][]float64, len(cubes))
		for i := range cubes {
			s, _ := cubes[i].At(0, 0, 0)
			if s > 30000 {
				out[i] = []float64{0, 1}
			} else {
				out[i] = []float64{1, 0}
			}
		}
		return out, nil
	})

	o, err := NewOrchestrator(e, classifier, Params{BatchSize: 2})
	require.NoError(t, err)

	res, err := o.Run(context.Background(), []models.Cell{
		models.NewCell(models.Point3D{X: 5, Y: 5, Z: 4}, models.TypeUnclassified),
		models.NewCell(models.Point3D{X: 5, Y: 5, Z: 1}, models.TypeUnclassified),
		models.NewCell(models.Point3D{X: 0, Y: 0, Z: 1}, models.TypeUnclassified),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Cells, 2)
	assert.Equal(t, models.TypeCell, res.Cells[0].Type)
	assert.Equal(t, 4.0, res.Cells[0].Z)
	assert.Equal(t, models.TypeNonCell, res.Cells[1].Type)
}

func TestTFServingClient(t *testing.T) {
	var mu sync.Mutex
	requests := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req struct {
			Instances [][][][][]float64 `json:"instances"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		requests++
		mu.Unlock()

		preds := make([][]float64, len(req.Instances))
		for i, inst := range req.Instances {
			// [depth][height][width][channel]
			assert.Len(t, inst, 1)
			assert.Len(t, inst[0], 2)
			assert.Len(t, inst[0][0], 3)
			assert.Len(t, inst[0][0][0], 2)
			// Signal value encodes the cube index; echo it back
			preds[i] = []float64{inst[0][0][0][0], inst[0][0][0][1]}
		}
		json.NewEncoder(w).Encode(map[string]any{"predictions": preds})
	}))
	defer srv.Close()

	cubes := make([]Cube, 5)
	for i := range cubes {
		cubes[i] = Cube{
			Width: 3, Height: 2, Depth: 1,
			Signal:     make([]float64, 6),
			Background: make([]float64, 6),
		}
		cubes[i].Signal[0] = float64(i)
		cubes[i].Background[0] = -1
	}

	client := NewTFServingClient(srv.URL, srv.Client())
	preds, err := client.ClassifyBatch(context.Background(), cubes, 2)
	require.NoError(t, err)
	require.Len(t, preds, 5)
	for i, p := range preds {
		assert.Equal(t, []float64{float64(i), -1}, p)
	}
	assert.Equal(t, 2, requests)
}

func TestTFServingClientErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error": "model not loaded"}`))
		}))
		defer srv.Close()

		_, err := NewTFServingClient(srv.URL, nil).ClassifyBatch(context.Background(), []Cube{{}}, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model not loaded")
	})

	t.Run("short response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"predictions": [[0.1, 0.9]]}`))
		}))
		defer srv.Close()

		_, err := NewTFServingClient(srv.URL, nil).ClassifyBatch(context.Background(), []Cube{{}, {}}, 1)
		assert.True(t, errors.Is(err, ErrBatchSize), "got %v", err)
	})

	t.Run("empty batch", func(t *testing.T) {
		preds, err := NewTFServingClient("http://127.0.0.1:0", nil).ClassifyBatch(context.Background(), nil, 4)
		assert.NoError(t, err)
		assert.Empty(t, preds)
	})
}
