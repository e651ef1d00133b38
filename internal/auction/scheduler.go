package auction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/adselection/internal/models"
)

// BidFunc runs bidding for one custom audience.
type BidFunc func(ctx context.Context, ca models.CustomAudience) (*models.AdBiddingOutcome, error)

// ChunkSegments splits segments into ceil(n/k) chunks of at most k segments,
// keeping their order. There is always at least one chunk.
func ChunkSegments(segments []models.CustomAudience, k int) [][]models.CustomAudience {
	if k <= 0 {
		k = 1
	}
	n := len(segments)
	count := (n + k - 1) / k
	if count == 0 {
		return [][]models.CustomAudience{{}}
	}
	chunks := make([][]models.CustomAudience, 0, count)
	for start := 0; start < n; start += k {
		end := start + k
		if end > n {
			end = n
		}
		chunks = append(chunks, segments[start:end])
	}
	return chunks
}

// PerBuyerScheduler runs the bidding of one buyer's audiences. Audiences in a
// chunk are bid on one after the other; chunks run concurrently.
type PerBuyerScheduler struct {
	maxConcurrentBidding int
	logger               *zap.Logger

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func NewPerBuyerScheduler(maxConcurrentBidding int, logger *zap.Logger) *PerBuyerScheduler {
	return &PerBuyerScheduler{
		maxConcurrentBidding: maxConcurrentBidding,
		logger:               logger,
	}
}

// InFlight returns the number of bid calls currently running.
func (s *PerBuyerScheduler) InFlight() int64 { return s.inFlight.Load() }

// MaxInFlight returns the highest InFlight value observed.
func (s *PerBuyerScheduler) MaxInFlight() int64 { return s.maxInFlight.Load() }

// RunBidding bids on every segment and returns the outcomes that completed
// before perBuyerTimeout. Failed, empty and unfinished segments are absent.
func (s *PerBuyerScheduler) RunBidding(ctx context.Context, buyer models.AdTechIdentifier, segments []models.CustomAudience, perBuyerTimeout time.Duration, bid BidFunc) []*models.AdBiddingOutcome {
	if len(segments) == 0 {
		return nil
	}
	if perBuyerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, perBuyerTimeout)
		defer cancel()
	}

	chunks := ChunkSegments(segments, s.maxConcurrentBidding)
	results := make(chan *models.AdBiddingOutcome, len(segments))

	var wg sync.WaitGroup
	for _, chunk := range chunks {
		wg.Add(1)
		go func(chunk []models.CustomAudience) {
			defer wg.Done()
			for _, ca := range chunk {
				if ctx.Err() != nil {
					return
				}
				outcome, err := s.call(ctx, ca, bid)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					s.logger.Debug("segment bidding failed",
						zap.String("buyer", buyer.String()),
						zap.String("name", ca.Name),
						zap.Error(err),
					)
					continue
				}
				if outcome != nil {
					results <- outcome
				}
			}
		}(chunk)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Info("buyer bidding timed out, keeping completed outcomes",
			zap.String("buyer", buyer.String()),
			zap.Int("segments", len(segments)),
		)
	}

	outcomes := make([]*models.AdBiddingOutcome, 0, len(segments))
	for {
		select {
		case o := <-results:
			outcomes = append(outcomes, o)
		default:
			return outcomes
		}
	}
}

func (s *PerBuyerScheduler) call(ctx context.Context, ca models.CustomAudience, bid BidFunc) (*models.AdBiddingOutcome, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	return bid(ctx, ca)
}
