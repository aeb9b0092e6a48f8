// Package detect evaluates integrity rules over aggregated hourly statistics.
//
// Rules only read HourlyStat values. They never scan raw transactions and keep no state,
// so the same inputs always produce the same alerts with the same ids.
package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/vanshika/votetrace/internal/domain"
)

// alertNamespace scopes deterministic alert ids.
var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://votetrace/alerts"))

// Config holds rule thresholds.
type Config struct {
	VelocityMultiplier float64
	OffHoursThreshold  int
	VotingHoursStart   int
	VotingHoursEnd     int
	Location           *time.Location
}

// Detector applies every rule to a bucket.
type Detector struct {
	cfg Config
	now func() time.Time
}

// NewDetector returns a Detector. A nil Location means UTC.
func NewDetector(cfg Config, now func() time.Time) *Detector {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Detector{cfg: cfg, now: now}
}

// Evaluate returns at most one alert per rule for current. previous is the stat of the
// preceding hour, or nil when it does not exist.
func (d *Detector) Evaluate(current domain.HourlyStat, previous *domain.HourlyStat) []domain.Alert {
	var alerts []domain.Alert
	if a, ok := d.VotesExceedBulletins(current); ok {
		alerts = append(alerts, a)
	}
	if a, ok := d.VelocitySpike(current, previous); ok {
		alerts = append(alerts, a)
	}
	if a, ok := d.OffHoursActivity(current); ok {
		alerts = append(alerts, a)
	}
	return alerts
}

// VotesExceedBulletins fires when more votes than bulletins were recorded in the bucket.
func (d *Detector) VotesExceedBulletins(current domain.HourlyStat) (domain.Alert, bool) {
	if current.VotesCast <= current.BulletinsIssued {
		return domain.Alert{}, false
	}
	return d.alert(current, domain.AlertVotesExceedBulletins, domain.SeverityCritical, map[string]any{
		"bulletinsIssued": current.BulletinsIssued,
		"votesCast":       current.VotesCast,
		"difference":      current.VotesCast - current.BulletinsIssued,
	}), true
}

// VelocitySpike fires when the bucket's transaction count exceeds the previous hour's
// count times the configured multiplier. Without a non-empty previous hour there is no
// baseline and the rule stays silent.
func (d *Detector) VelocitySpike(current domain.HourlyStat, previous *domain.HourlyStat) (domain.Alert, bool) {
	if previous == nil || previous.TransactionCount <= 0 {
		return domain.Alert{}, false
	}
	limit := float64(previous.TransactionCount) * d.cfg.VelocityMultiplier
	if float64(current.TransactionCount) <= limit {
		return domain.Alert{}, false
	}
	ratio := float64(current.TransactionCount) / float64(previous.TransactionCount)
	return d.alert(current, domain.AlertVelocitySpike, domain.SeverityWarning, map[string]any{
		"previousTransactionCount": previous.TransactionCount,
		"currentTransactionCount":  current.TransactionCount,
		"multiplier":               d.cfg.VelocityMultiplier,
		"ratio":                    math.Round(ratio*100) / 100,
	}), true
}

// OffHoursActivity fires when a bucket starting outside [VotingHoursStart, VotingHoursEnd)
// local time holds more transactions than the threshold.
func (d *Detector) OffHoursActivity(current domain.HourlyStat) (domain.Alert, bool) {
	local := current.Hour.In(d.cfg.Location).Hour()
	if local >= d.cfg.VotingHoursStart && local < d.cfg.VotingHoursEnd {
		return domain.Alert{}, false
	}
	if current.TransactionCount <= d.cfg.OffHoursThreshold {
		return domain.Alert{}, false
	}
	return d.alert(current, domain.AlertOffHoursActivity, domain.SeverityWarning, map[string]any{
		"localHour":        local,
		"timezone":         d.cfg.Location.String(),
		"votingHours":      fmt.Sprintf("%02d-%02d", d.cfg.VotingHoursStart, d.cfg.VotingHoursEnd),
		"transactionCount": current.TransactionCount,
		"threshold":        d.cfg.OffHoursThreshold,
	}), true
}

func (d *Detector) alert(stat domain.HourlyStat, rule domain.AlertType, severity domain.Severity, details map[string]any) domain.Alert {
	window := stat.Hour.UTC()
	return domain.Alert{
		ID:             AlertID(stat.ConstituencyID, rule, window),
		ConstituencyID: stat.ConstituencyID,
		Type:           rule,
		Severity:       severity,
		Status:         domain.AlertStatusActive,
		WindowStart:    window,
		DetectedAt:     d.now().UTC(),
		Details:        details,
	}
}

// AlertID derives the id of the alert a rule raises for a constituency and window.
func AlertID(constituencyID string, rule domain.AlertType, window time.Time) string {
	name := constituencyID + "|" + string(rule) + "|" + window.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}
