package generator

import "time"

// Config drives the synthetic export generator.
type Config struct {
	Regions                 int
	ConstituenciesPerRegion int
	Election                string
	Date                    time.Time
	StartHour               int
	Hours                   int
	TransactionsPerHour     int
	RegisteredVoters        int
	Seed                    int64
	Anomalies               Anomalies
}

// Anomalies selects the irregularities injected into the first constituency, plus the
// rate of malformed rows spread over every export.
type Anomalies struct {
	VotesExceedBulletins bool
	VelocitySpike        bool
	OffHoursBurst        bool
	MalformedRowRate     float64
}

// DefaultConfig returns a small election day with every anomaly enabled.
func DefaultConfig() Config {
	return Config{
		Regions:                 2,
		ConstituenciesPerRegion: 3,
		Election:                "General Election 2024",
		Date:                    time.Date(2024, 9, 6, 0, 0, 0, 0, time.UTC),
		StartHour:               8,
		Hours:                   6,
		TransactionsPerHour:     40,
		RegisteredVoters:        2000,
		Seed:                    42,
		Anomalies: Anomalies{
			VotesExceedBulletins: true,
			VelocitySpike:        true,
			OffHoursBurst:        true,
			MalformedRowRate:     0.02,
		},
	}
}
