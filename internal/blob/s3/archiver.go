package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// EpochSource is the read access the archiver needs.
type EpochSource interface {
	GetByID(ctx context.Context, id string) (domain.Epoch, error)
}

// MatchSource lists an epoch's matches.
type MatchSource interface {
	ListByEpoch(ctx context.Context, epochID string) ([]domain.Match, error)
}

// SettlementSource lists an epoch's settlements.
type SettlementSource interface {
	ListByEpoch(ctx context.Context, epochID string) ([]domain.Settlement, error)
}

// Archiver writes one JSON report per finished epoch. Reports are
// overwritten when an epoch is archived again, so later runs pick up
// settlement progress.
type Archiver struct {
	writer      domain.BlobWriter
	reader      domain.BlobReader
	epochs      EpochSource
	matches     MatchSource
	settlements SettlementSource
	audit       domain.AuditStore
	logger      *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	epochs EpochSource,
	matches MatchSource,
	settlements SettlementSource,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:      writer,
		reader:      reader,
		epochs:      epochs,
		matches:     matches,
		settlements: settlements,
		audit:       audit,
		logger:      logger.With(slog.String("component", "archiver")),
	}
}

// ReportPath is the object key of an epoch's report, partitioned by the
// epoch's start date.
//
//	reports/epochs/2026-03-01/000042-<epoch id>.json
func ReportPath(ep domain.Epoch) string {
	return fmt.Sprintf("reports/epochs/%s/%06d-%s.json", ep.StartTime.UTC().Format("2006-01-02"), ep.Sequence, ep.ID)
}

// ArchiveEpoch uploads the report of a settled or failed epoch and returns
// its object key.
func (a *Archiver) ArchiveEpoch(ctx context.Context, epochID string) (string, error) {
	ep, err := a.epochs.GetByID(ctx, epochID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", epochID, err)
	}
	if ep.Status != domain.EpochStatusSettled && ep.Status != domain.EpochStatusFailed {
		return "", fmt.Errorf("s3blob: archive %s in status %s: %w", epochID, ep.Status, domain.ErrIllegalTransition)
	}

	matches, err := a.matches.ListByEpoch(ctx, epochID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s matches: %w", epochID, err)
	}
	settlements, err := a.settlements.ListByEpoch(ctx, epochID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s settlements: %w", epochID, err)
	}

	body, err := json.Marshal(domain.EpochReport{Epoch: ep, Matches: matches, Settlements: settlements})
	if err != nil {
		return "", fmt.Errorf("s3blob: encode report %s: %w", epochID, err)
	}

	path := ReportPath(ep)
	if err := a.writer.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
		return "", err
	}

	a.logger.InfoContext(ctx, "epoch archived",
		slog.String("epoch_id", epochID),
		slog.String("path", path),
		slog.Int("matches", len(matches)),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.epoch", map[string]any{
			"epoch_id": epochID,
			"path":     path,
			"matches":  len(matches),
		}); err != nil {
			return path, fmt.Errorf("s3blob: audit archive %s: %w", epochID, err)
		}
	}
	return path, nil
}

// Report reads back an archived report.
func (a *Archiver) Report(ctx context.Context, epochID string) (domain.EpochReport, error) {
	ep, err := a.epochs.GetByID(ctx, epochID)
	if err != nil {
		return domain.EpochReport{}, fmt.Errorf("s3blob: report %s: %w", epochID, err)
	}
	rc, err := a.reader.Get(ctx, ReportPath(ep))
	if err != nil {
		return domain.EpochReport{}, err
	}
	defer rc.Close()

	var rep domain.EpochReport
	if err := json.NewDecoder(rc).Decode(&rep); err != nil {
		return domain.EpochReport{}, fmt.Errorf("s3blob: decode report %s: %w", epochID, err)
	}
	return rep, nil
}

// Name implements events.Sink.
func (a *Archiver) Name() string { return "archiver" }

// Deliver implements events.Sink: epochs are archived once they reach a
// terminal status.
func (a *Archiver) Deliver(ctx context.Context, evt domain.Event) error {
	if evt.Type != domain.EventEpochTransitioned {
		return nil
	}
	switch domain.EpochStatus(evt.Payload["to"]) {
	case domain.EpochStatusSettled, domain.EpochStatusFailed:
		_, err := a.ArchiveEpoch(ctx, evt.EpochID)
		return err
	}
	return nil
}

var _ domain.EpochArchiver = (*Archiver)(nil)
