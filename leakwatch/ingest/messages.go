package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/batch"
	"github.com/SiriusScan/leakwatch/leakwatch/finding"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"github.com/SiriusScan/leakwatch/leakwatch/scan"
	"github.com/SiriusScan/leakwatch/leakwatch/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ScanResults is the message a scanner publishes after finishing a repository.
type ScanResults struct {
	Scan     scan.Create      `json:"scan"`
	Findings []finding.Create `json:"findings"`
}

// HandleScanResults decodes a scan results message, records the scan and
// ingests its findings in one transaction. Nothing is stored when any part
// of the message is rejected.
func (s *Service) HandleScanResults(ctx context.Context, body []byte) (*Result, error) {
	var msg ScanResults
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, apperr.Validation("ingest.HandleScanResults", "malformed scan results message: %v", err)
	}
	if msg.Scan.RepositoryID == 0 {
		return nil, apperr.Validation("ingest.HandleScanResults", "scan results message has no repository")
	}

	var res *Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sc, err := scan.Insert(ctx, tx, msg.Scan)
		if err != nil {
			return fmt.Errorf("failed to record scan: %w", err)
		}
		res, err = ingestFindings(ctx, tx, sc.ID, msg.Findings)
		if err != nil {
			return fmt.Errorf("failed to ingest findings of scan %d: %w", sc.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, store.NamespaceScans, store.NamespaceFindings, store.NamespaceRepository, store.NamespaceAudits)
	logIngested(res)
	return res, nil
}

// FindingEvent announces a newly detected finding.
type FindingEvent struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	ScanID     uint           `json:"scan_id"`
	Finding    models.Finding `json:"finding"`
}

const EventFindingCreated = "finding.created"

// Publisher delivers one encoded event.
type Publisher func(body string) error

// PublishCreated publishes an event for each finding created by res and
// stamps event_sent_on on those delivered. It stops at the first delivery
// failure and returns how many were published.
func (s *Service) PublishCreated(ctx context.Context, res *Result, publish Publisher) (int, error) {
	if len(res.CreatedIDs) == 0 {
		return 0, nil
	}

	var findings []models.Finding
	for _, chunk := range batch.Chunks(res.CreatedIDs, batch.DefaultSize) {
		var rows []models.Finding
		if err := s.db.WithContext(ctx).Where("id IN ? AND event_sent_on IS NULL", chunk).Order("id").Find(&rows).Error; err != nil {
			return 0, fmt.Errorf("failed to load created findings: %w", err)
		}
		findings = append(findings, rows...)
	}

	var sent []uint
	var publishErr error
	for _, f := range findings {
		body, err := json.Marshal(FindingEvent{
			EventID:    uuid.NewString(),
			Type:       EventFindingCreated,
			OccurredAt: time.Now().UTC(),
			ScanID:     res.ScanID,
			Finding:    f,
		})
		if err != nil {
			publishErr = fmt.Errorf("failed to encode event for finding %d: %w", f.ID, err)
			break
		}
		if err := publish(string(body)); err != nil {
			publishErr = fmt.Errorf("failed to publish event for finding %d: %w", f.ID, err)
			break
		}
		sent = append(sent, f.ID)
	}

	if len(sent) > 0 {
		if err := finding.MarkEventSent(ctx, s.db, sent, time.Now()); err != nil {
			return len(sent), err
		}
	}
	return len(sent), publishErr
}
