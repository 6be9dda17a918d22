package services

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"kindred/internal/reminder"
)

// AlertService emits best-effort webhook notifications when reconciliation
// finds discrepancies or a group's delivery conversion drops. Delivery is
// fire-and-forget: a failed alert never fails the request that triggered it.
type AlertService struct {
	webhookURL      string
	minSampleSize   int64
	conversionFloor float64
	topN            int
	httpClient      *http.Client
}

func NewAlertService() *AlertService {
	floor := 0.9
	if v := os.Getenv("ALERT_CONVERSION_FLOOR"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			floor = parsed
		}
	}
	minSample := int64(20)
	if v := os.Getenv("ALERT_MIN_SAMPLE_SIZE"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			minSample = parsed
		}
	}

	return &AlertService{
		webhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
		minSampleSize:   minSample,
		conversionFloor: floor,
		topN:            10,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
	}
}

type discrepancyAlert struct {
	Kind           string                 `json:"kind"`
	WindowStart    time.Time              `json:"window_start"`
	WindowEnd      time.Time              `json:"window_end"`
	Checked        int                    `json:"checked"`
	Total          int                    `json:"total_discrepancies"`
	WorstOffenders []reminder.Discrepancy `json:"worst_offenders"`
}

type conversionAlert struct {
	Kind           string  `json:"kind"`
	GroupID        string  `json:"group_id"`
	ConversionRate float64 `json:"conversion_rate"`
	SampleSize     int64   `json:"sample_size"`
	Floor          float64 `json:"floor"`
}

// NotifyDiscrepancies posts the top-N discrepancies from a reconciliation
// report, if there are any.
func (s *AlertService) NotifyDiscrepancies(report *reminder.ReconcileReport) {
	if report == nil || len(report.Discrepancies) == 0 {
		return
	}
	worst := report.Discrepancies
	if len(worst) > s.topN {
		worst = worst[:s.topN]
	}
	s.post(discrepancyAlert{
		Kind:           "reconciliation-discrepancies",
		WindowStart:    report.WindowStart,
		WindowEnd:      report.WindowEnd,
		Checked:        report.Checked,
		Total:          len(report.Discrepancies),
		WorstOffenders: worst,
	})
}

// CheckConversion alerts when a group's delivery conversion is below the
// floor. Groups under the minimum sample size are skipped to avoid noise.
func (s *AlertService) CheckConversion(groupID string, conversionRate float64, sampleSize int64) {
	if sampleSize < s.minSampleSize || conversionRate >= s.conversionFloor {
		return
	}
	s.post(conversionAlert{
		Kind:           "low-delivery-conversion",
		GroupID:        groupID,
		ConversionRate: conversionRate,
		SampleSize:     sampleSize,
		Floor:          s.conversionFloor,
	})
}

// post sends the alert asynchronously; failures are only logged.
func (s *AlertService) post(payload interface{}) {
	if s.webhookURL == "" {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Alerts] failed to marshal alert payload: %v", err)
		return
	}
	go func() {
		resp, err := s.httpClient.Post(s.webhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("[Alerts] failed to deliver alert webhook: %v", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			log.Printf("[Alerts] alert webhook returned %d", resp.StatusCode)
		}
	}()
}
