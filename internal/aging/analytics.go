package aging

import (
	"context"
	"fmt"
	"math"
	"time"

	"intakeline/internal/domain"
	"intakeline/internal/repo"
)

type WeekCount struct {
	Week  string `json:"week"`
	Count int    `json:"count"`
}

type Totals struct {
	TotalActive          int `json:"total_active"`
	TotalAging           int `json:"total_aging"`
	ConvertedLast30Days  int `json:"converted_last_30_days"`
	AvgThroughputPerWeek int `json:"avg_throughput_per_week"`
}

// Summary is the pipeline health snapshot. Aging counts here use the hour
// thresholds of aging.analytics_hours, not the alert day thresholds.
type Summary struct {
	StageDistribution       []repo.KeyCount    `json:"stage_distribution"`
	RequestsByType          []repo.KeyCount    `json:"requests_by_type"`
	AgingRequests           map[string]int     `json:"aging_requests"`
	Throughput              []WeekCount        `json:"throughput"`
	AvgTimeInStage          map[string]float64 `json:"avg_time_in_stage"`
	EstimationConfidence    []repo.KeyCount    `json:"estimation_confidence"`
	StoryPointsDistribution []repo.KeyCount    `json:"story_points_distribution"`
	WeeklyNewRequests       []WeekCount        `json:"weekly_new_requests"`
	Totals                  Totals             `json:"summary"`
}

const (
	week        = 7 * 24 * time.Hour
	windowWeeks = 4
)

func rfc(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func (s *Scanner) Analytics(ctx context.Context) (Summary, error) {
	now := s.now()
	since := rfc(now.Add(-30 * 24 * time.Hour))
	var sum Summary
	var err error

	if sum.StageDistribution, err = s.Repo.StageDistribution(ctx); err != nil {
		return sum, fmt.Errorf("stage distribution: %w", err)
	}
	if sum.RequestsByType, err = s.Repo.TypeDistribution(ctx, since); err != nil {
		return sum, fmt.Errorf("requests by type: %w", err)
	}

	sum.AgingRequests = map[string]int{}
	sum.AvgTimeInStage = map[string]float64{}
	for _, stage := range domain.Stages {
		cutoff := rfc(now.Add(-s.Config.AnalyticsThreshold(stage)))
		n, err := s.Repo.CountStale(ctx, stage, cutoff)
		if err != nil {
			return sum, fmt.Errorf("aging %s: %w", stage, err)
		}
		sum.AgingRequests[string(stage)] = n
		sum.Totals.TotalAging += n

		avg, err := s.Repo.AvgHoursInStage(ctx, stage, rfc(now))
		if err != nil {
			return sum, fmt.Errorf("avg time in %s: %w", stage, err)
		}
		sum.AvgTimeInStage[string(stage)] = math.Round(avg*10) / 10
	}

	throughputTotal := 0
	for i := windowWeeks - 1; i >= 0; i-- {
		from := rfc(now.Add(-time.Duration(i+1) * week))
		to := rfc(now.Add(-time.Duration(i) * week))
		label := fmt.Sprintf("Week %d", windowWeeks-i)

		converted, err := s.Repo.CountConverted(ctx, from, to)
		if err != nil {
			return sum, fmt.Errorf("throughput: %w", err)
		}
		sum.Throughput = append(sum.Throughput, WeekCount{Week: label, Count: converted})
		throughputTotal += converted

		created, err := s.Repo.CountCreated(ctx, from, to)
		if err != nil {
			return sum, fmt.Errorf("weekly new requests: %w", err)
		}
		sum.WeeklyNewRequests = append(sum.WeeklyNewRequests, WeekCount{Week: label, Count: created})
	}

	if sum.EstimationConfidence, err = s.Repo.ConfidenceDistribution(ctx, since); err != nil {
		return sum, fmt.Errorf("estimation confidence: %w", err)
	}
	if sum.StoryPointsDistribution, err = s.Repo.StoryPointsDistribution(ctx, since); err != nil {
		return sum, fmt.Errorf("story points: %w", err)
	}

	for _, kc := range sum.StageDistribution {
		sum.Totals.TotalActive += kc.Count
	}
	if sum.Totals.ConvertedLast30Days, err = s.Repo.CountConverted(ctx, since, ""); err != nil {
		return sum, fmt.Errorf("converted last 30 days: %w", err)
	}
	sum.Totals.AvgThroughputPerWeek = int(math.Round(float64(throughputTotal) / windowWeeks))
	return sum, nil
}
