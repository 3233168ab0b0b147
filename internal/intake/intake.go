package intake

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"

	"orderengine/internal/model"
)

// Request is one order submission as it arrives from outside the engine.
type Request struct {
	RequestID  string            `json:"requestId"`
	CustomerID string            `json:"customerId"`
	Lines      []model.OrderLine `json:"lines"`
	Priority   int               `json:"priority"`
	TS         int64             `json:"ts"`
}

// Generate draws count requests: 1-4 lines of random products, 1-5 units
// each, random customer and priority 0-2.
func Generate(rnd *rand.Rand, count int, customers, products []string, baseTS int64) []Request {
	out := make([]Request, 0, count)
	for i := 0; i < count; i++ {
		n := 1 + rnd.Intn(4)
		lines := make([]model.OrderLine, 0, n)
		for j := 0; j < n; j++ {
			lines = append(lines, model.OrderLine{
				ProductID: products[rnd.Intn(len(products))],
				Qty:       int64(1 + rnd.Intn(5)),
			})
		}
		out = append(out, Request{
			RequestID:  fmt.Sprintf("r%d", i+1),
			CustomerID: customers[rnd.Intn(len(customers))],
			Lines:      lines,
			Priority:   rnd.Intn(3),
			TS:         baseTS + int64(i),
		})
	}
	return out
}

func WriteJSONL(w io.Writer, reqs []Request) error {
	enc := json.NewEncoder(w)
	for i := range reqs {
		if err := enc.Encode(&reqs[i]); err != nil {
			return fmt.Errorf("encode request %s: %w", reqs[i].RequestID, err)
		}
	}
	return nil
}

// ReadJSONL decodes one request per line. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]Request, error) {
	var out []Request
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for s.Scan() {
		line++
		if len(s.Bytes()) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(s.Bytes(), &req); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, req)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return out, nil
}
