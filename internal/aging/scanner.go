// Package aging finds requests that have sat in one stage too long, alerts
// on them at most once per cooldown window, and computes pipeline analytics.
package aging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"intakeline/internal/config"
	"intakeline/internal/domain"
	"intakeline/internal/notify"
	"intakeline/internal/observability"
	"intakeline/internal/pipeline"
	"intakeline/internal/repo"
)

type Scanner struct {
	Repo     repo.Repo
	Config   *config.Config
	Notify   *notify.Dispatcher
	Cooldown Cooldown
	Logger   *slog.Logger
	Now      func() time.Time

	mu sync.Mutex
}

type ScanResult struct {
	Checked int `json:"checked"`
	Alerted int `json:"alerted"`
}

func New(r repo.Repo, cfg *config.Config, d *notify.Dispatcher, logger *slog.Logger) *Scanner {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		Repo:     r,
		Config:   cfg,
		Notify:   d,
		Cooldown: NewCooldown(cfg, r),
		Logger:   logger,
		Now:      time.Now,
	}
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Scanner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ListAging returns active requests past their stage's alert threshold,
// grouped by stage in pipeline order and oldest first within a stage.
func (s *Scanner) ListAging(ctx context.Context) ([]domain.AgingRequest, error) {
	return s.listAging(ctx, s.now())
}

func (s *Scanner) listAging(ctx context.Context, now time.Time) ([]domain.AgingRequest, error) {
	out := []domain.AgingRequest{}
	for _, stage := range domain.Stages {
		days := s.Config.AlertThreshold(stage)
		if days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -days).Format(time.RFC3339)
		reqs, err := s.Repo.ListStaleRequests(ctx, stage, cutoff)
		if err != nil {
			return nil, fmt.Errorf("list aging %s: %w", stage, err)
		}
		for _, r := range reqs {
			entered, err := time.Parse(time.RFC3339, r.StageEnteredAt)
			if err != nil {
				return nil, fmt.Errorf("request %s: stage_entered_at: %w", r.ID, err)
			}
			inStage := int(now.Sub(entered) / (24 * time.Hour))
			out = append(out, domain.AgingRequest{
				Request:     r,
				DaysInStage: inStage,
				Threshold:   days,
				Severity:    pipeline.Severity(inStage, days),
			})
		}
	}
	return out, nil
}

func cooldownKey(requestID string) string {
	return requestID + "-aging"
}

// Scan alerts on every aging request that has not been alerted within the
// cooldown window. Overlapping calls run one at a time.
func (s *Scanner) Scan(ctx context.Context) (res ScanResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := observability.Start(ctx, "aging.Scan", "")
	defer func() { observability.End(span, err) }()

	now := s.now()
	aging, err := s.listAging(ctx, now)
	if err != nil {
		return res, err
	}
	res.Checked = len(aging)
	appURL := s.Config.Notify.AppURL
	for _, a := range aging {
		key := cooldownKey(a.Request.ID)
		recent, err := s.Cooldown.Recent(ctx, key, now)
		if err != nil {
			s.logger().Warn("aging cooldown lookup failed", "request_id", a.Request.ID, "error", err)
			continue
		}
		if recent {
			continue
		}
		s.Notify.Broadcast(ctx, a.Request.ID, notify.AgingAlertEvent(a, appURL, now))
		if a.Request.AssignedPMID != nil {
			alert := a
			s.Notify.EmailUser(ctx, "aging_alert", a.Request.ID, *a.Request.AssignedPMID, func(ctx context.Context, u domain.User) (notify.Message, error) {
				return notify.AgingAlertEmail(u, alert, s.requesterName(ctx, alert.Request.RequesterID), appURL), nil
			})
		}
		if err := s.Cooldown.Mark(ctx, key, now); err != nil {
			s.logger().Warn("aging cooldown mark failed", "request_id", a.Request.ID, "error", err)
		}
		res.Alerted++
		s.logger().Info("aging alert sent",
			"request_id", a.Request.ID,
			"request_number", a.Request.RequestNumber,
			"stage", a.Request.Stage,
			"days_in_stage", a.DaysInStage)
	}
	return res, nil
}

func (s *Scanner) requesterName(ctx context.Context, id string) string {
	u, err := s.Repo.GetUser(ctx, id)
	if err != nil {
		return ""
	}
	return u.Name
}

// Start runs Scan on the aging.schedule cron expression until ctx is done.
// An empty schedule disables the loop.
func (s *Scanner) Start(ctx context.Context) error {
	spec := strings.TrimSpace(s.Config.Aging.Schedule)
	if spec == "" {
		s.logger().Info("aging scanner disabled (aging.schedule not set)")
		return nil
	}
	sched, err := config.ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("aging.schedule %q: %w", spec, err)
	}
	s.logger().Info("aging scanner scheduled", "cron", spec)
	go func() {
		for {
			now := time.Now()
			next := sched.Next(now)
			s.logger().Debug("next aging scan", "at", next.Format(time.RFC3339))
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger().Info("aging scanner stopped")
				return
			case <-timer.C:
			}
			res, err := s.Scan(ctx)
			if err != nil {
				s.logger().Error("aging scan failed", "error", err)
				continue
			}
			s.logger().Info("aging scan complete", "checked", res.Checked, "alerted", res.Alerted)
		}
	}()
	return nil
}
