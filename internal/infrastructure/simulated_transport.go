package infrastructure

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"bulkmailer/internal/entities"
)

var ErrSimulatedFailure = errors.New("simulated delivery failure")

// SimulatedTransport succeeds with probability SuccessRate after Latency.
type SimulatedTransport struct {
	SuccessRate float64
	Latency     time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulatedTransport(successRate float64, latency time.Duration, seed uint64) *SimulatedTransport {
	return &SimulatedTransport{
		SuccessRate: successRate,
		Latency:     latency,
		rnd:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *SimulatedTransport) Send(ctx context.Context, _ entities.Account, _ entities.Email) (string, error) {
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	s.mu.Lock()
	ok := s.rnd.Float64() < s.SuccessRate
	s.mu.Unlock()
	if !ok {
		return "", ErrSimulatedFailure
	}
	return "sim-" + uuid.NewString(), nil
}
