// Package scanner orchestrates one scan pass: enumerate every PID in
// procfs, extract a ProcessRecord for each (in parallel, bounded by a
// worker pool), score it against the heuristic and anomaly models,
// apply the whitelist, and rank the results. Signal handling mirrors
// the teacher's orchestrator: SIGINT/SIGTERM is honored between passes
// rather than aborting mid-pass, so a scan already in flight always
// finishes and reports a clean partial or full result.
package scanner

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dmitriimaksimovdevelop/procwatch/internal/anomaly"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/config"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/feature"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/heuristic"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/nettable"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/procfs"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/whitelist"
)

const (
	defaultWorkers    = 8
	perPIDTimeout     = 250 * time.Millisecond
	statusCritical    = "critical"
	statusWarning     = "warning"
	statusNormal      = "normal"
	criticalThreshold = 8.0
	warningThreshold  = 5.0
)

// ScoredRecord is one process's extracted features plus its scoring
// outcome, ready for ranking and reporting.
type ScoredRecord struct {
	Record         feature.ProcessRecord
	Findings       []heuristic.Finding
	HeuristicScore float64
	MLScore        float64
	TotalScore     float64
	Whitelisted    bool
	Status         string
}

// Scanner holds everything needed to run repeated scan passes: the
// procfs source, the heuristic evaluator, an optional trained anomaly
// estimator, an optional whitelist matcher, and scoring configuration.
type Scanner struct {
	Source    *procfs.Source
	Evaluator *heuristic.Evaluator
	Model     anomaly.Estimator // nil disables the ML term
	Whitelist *whitelist.Matcher
	Config    *config.Config
	Log       *logrus.Logger
	Workers   int
	selfPID   int // procwatch's own PID, excluded from every pass
}

// New builds a Scanner from a loaded Config and optional trained model.
func New(cfg *config.Config, model anomaly.Estimator, wl *whitelist.Matcher, log *logrus.Logger) *Scanner {
	src := procfs.New(cfg.ProcRoot)
	return &Scanner{
		Source:    src,
		Evaluator: heuristic.New(cfg.Weights, cfg.WatchedPortSet()),
		Model:     model,
		Whitelist: wl,
		Config:    cfg,
		Log:       log,
		Workers:   defaultWorkers,
		selfPID:   os.Getpid(),
	}
}

// RunOnce performs a single scan pass and returns every scored record
// (the full live population, not just the alerting ones) ranked by
// TotalScore descending, PID ascending as the tiebreak. Callers that
// want the pass's findings, the subset dispatched to ActionExecutor,
// should pass this result to Findings.
func (s *Scanner) RunOnce(ctx context.Context) []ScoredRecord {
	pids := s.Source.ListPIDs()
	net := nettable.Build(s.Config.ProcRoot)
	extractor := feature.New(s.Source, net)

	workers := s.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	type job struct{ pid int }
	jobs := make(chan job, len(pids))
	for _, pid := range pids {
		if pid == s.selfPID {
			continue
		}
		jobs <- job{pid: pid}
	}
	close(jobs)

	var (
		mu      sync.Mutex
		scored  []ScoredRecord
		wg      sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				pidCtx, cancel := context.WithTimeout(ctx, perPIDTimeout)
				rec, ok := extractor.Extract(pidCtx, j.pid)
				cancel()
				if !ok {
					continue
				}
				sr := s.score(rec)
				mu.Lock()
				scored = append(scored, sr)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].TotalScore != scored[j].TotalScore {
			return scored[i].TotalScore > scored[j].TotalScore
		}
		return scored[i].Record.PID < scored[j].Record.PID
	})

	ruleMatches := 0
	var top int
	for i, sr := range scored {
		ruleMatches += len(sr.Findings)
		if i == 0 {
			top = sr.Record.PID
		}
	}
	entry := s.Log.WithFields(logrus.Fields{
		"processes":    len(scored),
		"rule_matches": ruleMatches,
	})
	if len(scored) > 0 {
		entry = entry.WithField("top_pid", top)
	}
	entry.Info("scan pass complete")

	return scored
}

// Findings filters all (the full population RunOnce returned) down to
// the records at or above the configured minimum score, truncated to
// topK (0 means unbounded). This is the subset ActionExecutor actually
// dispatches on. all is expected already sorted by TotalScore
// descending (RunOnce's order), so filtering alone preserves rank
// order; no re-sort is needed.
func (s *Scanner) Findings(all []ScoredRecord, topK int) []ScoredRecord {
	var findings []ScoredRecord
	for _, r := range all {
		if r.TotalScore >= s.Config.MinScore {
			findings = append(findings, r)
		}
	}
	if topK > 0 && len(findings) > topK {
		findings = findings[:topK]
	}
	return findings
}

// score applies the heuristic evaluator, the anomaly model (if any),
// and the whitelist, producing a fully-scored record.
func (s *Scanner) score(rec feature.ProcessRecord) ScoredRecord {
	findings := s.Evaluator.EvaluateWithCPUHigh(rec, s.Config.CPUHigh)

	var heuristicScore float64
	for _, f := range findings {
		heuristicScore += f.Weight
	}

	var mlScore float64
	if s.Model != nil {
		mlScore = s.Model.Score(anomaly.Vector(rec))
	}

	var whitelisted bool
	if s.Whitelist != nil {
		findings, heuristicScore, whitelisted = s.Whitelist.Apply(rec, findings, heuristicScore)
	}

	total := heuristicScore + s.Config.MLWeight*mlScore

	return ScoredRecord{
		Record:         rec,
		Findings:       findings,
		HeuristicScore: heuristicScore,
		MLScore:        mlScore,
		TotalScore:     total,
		Whitelisted:    whitelisted,
		Status:         bucketStatus(total),
	}
}

func bucketStatus(total float64) string {
	switch {
	case total >= criticalThreshold:
		return statusCritical
	case total >= warningThreshold:
		return statusWarning
	default:
		return statusNormal
	}
}

// RunLoop runs scan passes at the given interval until ctx is canceled
// or (if stopOnAlert is true) a pass produces any finding. onPass is
// invoked after every pass with both the full scored population and
// the min_score-filtered, topK-truncated findings subset, including
// the last partial pass triggered by cancellation. Signal handling
// mirrors the teacher's orchestrator: SIGINT/SIGTERM is observed
// between passes, never interrupting one already underway.
func (s *Scanner) RunLoop(ctx context.Context, interval time.Duration, topK int, stopOnAlert bool, onPass func(all, findings []ScoredRecord)) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.Log.WithField("signal", sig).Info("received shutdown signal, stopping after current pass")
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		all := s.RunOnce(ctx)
		findings := s.Findings(all, topK)
		onPass(all, findings)

		if ctx.Err() != nil {
			return
		}
		if stopOnAlert && len(findings) > 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// TrainingLoop runs scan passes at the given interval for the given
// duration, accumulating every extracted process's feature vector, then
// trains model in place on the accumulated population and returns the
// training error, if any.
func (s *Scanner) TrainingLoop(ctx context.Context, interval, duration time.Duration, model anomaly.Estimator) error {
	deadline := time.Now().Add(duration)
	var vectors [][]float64

	for time.Now().Before(deadline) {
		results := s.RunOnce(ctx)
		for _, r := range results {
			vectors = append(vectors, anomaly.Vector(r.Record))
		}
		s.Log.WithField("samples", len(vectors)).Info("training pass complete")

		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}

	return model.Train(vectors)
}
