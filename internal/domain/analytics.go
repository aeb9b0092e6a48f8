package domain

import "time"

// HourlyStat aggregates one constituency's activity for a single hour bucket.
// Exactly one record exists per (ConstituencyID, Hour).
type HourlyStat struct {
	ConstituencyID    string    `json:"constituencyId"`
	Hour              time.Time `json:"hour"`
	BulletinsIssued   int       `json:"bulletinsIssued"`
	VotesCast         int       `json:"votesCast"`
	TransactionCount  int       `json:"transactionCount"`
	BulletinVelocity  float64   `json:"bulletinVelocity"`
	VoteVelocity      float64   `json:"voteVelocity"`
	ParticipationRate float64   `json:"participationRate"`
	AnomalyCount      int       `json:"anomalyCount"`
}

// AlertType names the rule that produced an alert.
type AlertType string

const (
	AlertVotesExceedBulletins AlertType = "votesExceedBulletins"
	AlertVelocitySpike        AlertType = "velocitySpike"
	AlertOffHoursActivity     AlertType = "offHoursActivity"
)

// Severity grades an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// AlertStatus is managed outside the core; detection only ever creates active alerts.
type AlertStatus string

const (
	AlertStatusActive        AlertStatus = "active"
	AlertStatusInvestigating AlertStatus = "investigating"
	AlertStatusResolved      AlertStatus = "resolved"
	AlertStatusSnoozed       AlertStatus = "snoozed"
)

// Alert is an integrity finding for one constituency and evaluation window.
type Alert struct {
	ID             string         `json:"id"`
	ConstituencyID string         `json:"constituencyId"`
	Type           AlertType      `json:"type"`
	Severity       Severity       `json:"severity"`
	Status         AlertStatus    `json:"status"`
	WindowStart    time.Time      `json:"windowStart"`
	DetectedAt     time.Time      `json:"detectedAt"`
	Details        map[string]any `json:"details"`
}
