package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// TFServingClient calls a TensorFlow Serving style REST predict endpoint.
//
// Each cube is sent as one instance shaped [depth][height][width][2] with
// the signal channel first; the response carries one probability vector per
// instance under "predictions".
type TFServingClient struct {
	url    string
	client *http.Client
}

// NewTFServingClient creates a client for the given predict URL, e.g.
// http://localhost:8501/v1/models/cellfinder:predict
func NewTFServingClient(url string, client *http.Client) *TFServingClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &TFServingClient{url: url, client: client}
}

type predictRequest struct {
	Instances [][][][][2]float64 `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float64 `json:"predictions"`
	Error       string      `json:"error,omitempty"`
}

// ClassifyBatch splits the batch into at most workers requests, sends them
// concurrently and reassembles the predictions in batch order
func (c *TFServingClient) ClassifyBatch(ctx context.Context, cubes []Cube, workers int) ([][]float64, error) {
	if len(cubes) == 0 {
		return nil, nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(cubes) {
		workers = len(cubes)
	}

	chunk := (len(cubes) + workers - 1) / workers
	results := make([][]float64, len(cubes))
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= len(cubes) {
			break
		}
		end := min(start+chunk, len(cubes))

		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			preds, err := c.predict(ctx, cubes[start:end])
			if err != nil {
				errs[w] = err
				return
			}
			copy(results[start:end], preds)
		}(w, start, end)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// predict sends one request
func (c *TFServingClient) predict(ctx context.Context, cubes []Cube) ([][]float64, error) {
	req := predictRequest{Instances: make([][][][][2]float64, len(cubes))}
	for i := range cubes {
		req.Instances[i] = cubeInstance(&cubes[i])
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var out predictResponse
	if resp.StatusCode != http.StatusOK {
		if json.Unmarshal(data, &out) == nil && out.Error != "" {
			return nil, fmt.Errorf("predict returned %s: %s", resp.Status, out.Error)
		}
		return nil, fmt.Errorf("predict returned %s", resp.Status)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Predictions) != len(cubes) {
		return nil, fmt.Errorf("%w: sent %d cubes, got %d predictions", ErrBatchSize, len(cubes), len(out.Predictions))
	}
	return out.Predictions, nil
}

// cubeInstance lays a cube out as [z][y][x][channel]
func cubeInstance(c *Cube) [][][][2]float64 {
	inst := make([][][][2]float64, c.Depth)
	for z := range inst {
		inst[z] = make([][][2]float64, c.Height)
		for y := range inst[z] {
			row := make([][2]float64, c.Width)
			for x := range row {
				row[x][0], row[x][1] = c.At(x, y, z)
			}
			inst[z][y] = row
		}
	}
	return inst
}
