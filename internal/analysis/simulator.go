package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/miaoyq/leafscan/pkg/types"
)

// Connectivity reports whether the simulated backend is reachable
type Connectivity interface {
	State() types.NetworkState
}

var (
	plantTypes = []string{"tomato", "basil", "monstera", "pepper", "rose", "fern"}

	healthyTips = []string{
		"Keep watering on the current schedule",
		"Rotate the pot weekly for even growth",
		"Wipe dust off the leaves to help photosynthesis",
	}
	diseasedTips = []string{
		"Remove affected leaves and dispose of them",
		"Improve air circulation around the plant",
		"Water at the base and keep foliage dry",
		"Consider a copper-based fungicide",
	}
)

// SimulatorConfig configures a Simulator
type SimulatorConfig struct {
	Latency  time.Duration
	CacheTTL time.Duration
}

// Simulator is a deterministic local Provider. The same image bytes always
// produce the same result. When its Connectivity reports offline it fails
// with a retryable network error, like a real backend would.
type Simulator struct {
	latency time.Duration
	conn    Connectivity
	results *cache.Cache
	logger  *zap.Logger
}

// NewSimulator creates a Simulator. conn may be nil for an always-online
// backend.
func NewSimulator(cfg SimulatorConfig, conn Connectivity, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}

	return &Simulator{
		latency: cfg.Latency,
		conn:    conn,
		results: cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:  logger,
	}
}

// Analyze implements Provider
func (s *Simulator) Analyze(ctx context.Context, image []byte) (*types.AnalysisResult, error) {
	if len(image) == 0 {
		return nil, types.NewImageError("empty image", nil)
	}
	if s.conn != nil && !s.conn.State().Online() {
		return nil, types.NewNetworkError("analysis backend unreachable", nil)
	}

	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return nil, types.NewNetworkError("analysis interrupted", ctx.Err())
		}
	}

	sum := sha256.Sum256(image)
	key := hex.EncodeToString(sum[:])
	if cached, ok := s.results.Get(key); ok {
		result := cached.(types.AnalysisResult)
		result.Tips = slices.Clone(result.Tips)
		return &result, nil
	}

	result := simulate(sum)
	memo := result
	memo.Tips = slices.Clone(result.Tips)
	s.results.SetDefault(key, memo)

	s.logger.Debug("Simulated analysis",
		zap.String("digest", key[:12]),
		zap.String("status", string(result.Status)),
		zap.Float64("confidence", result.Confidence))
	return &result, nil
}

func simulate(sum [sha256.Size]byte) types.AnalysisResult {
	seed := binary.BigEndian.Uint64(sum[:8])

	status := types.HealthStatusHealthy
	tips := healthyTips
	if seed%3 == 0 {
		status = types.HealthStatusDiseased
		tips = diseasedTips
	}

	// confidence in [0.60, 0.99]
	confidence := 0.60 + float64(binary.BigEndian.Uint16(sum[8:10])%40)/100

	count := 1 + int(sum[10])%len(tips)
	selected := make([]string, 0, count)
	for i := 0; i < count; i++ {
		selected = append(selected, tips[(int(sum[11])+i)%len(tips)])
	}

	return types.AnalysisResult{
		Status:     status,
		Confidence: confidence,
		Tips:       selected,
		PlantType:  plantTypes[int(sum[12])%len(plantTypes)],
	}
}
