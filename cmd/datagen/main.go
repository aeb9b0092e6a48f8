package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vanshika/votetrace/internal/generator"
)

func main() {
	cfg := generator.DefaultConfig()
	var (
		regions        = flag.Int("regions", cfg.Regions, "number of regions to generate")
		constituencies = flag.Int("constituencies", cfg.ConstituenciesPerRegion, "constituencies per region")
		election       = flag.String("election", cfg.Election, "election name used in export paths")
		date           = flag.String("date", cfg.Date.Format(time.DateOnly), "election day (YYYY-MM-DD)")
		startHour      = flag.Int("start-hour", cfg.StartHour, "first exported hour of the day")
		hours          = flag.Int("hours", cfg.Hours, "number of hourly exports per constituency")
		perHour        = flag.Int("transactions-per-hour", cfg.TransactionsPerHour, "average transactions per export")
		voters         = flag.Int("registered-voters", cfg.RegisteredVoters, "registered voters per constituency")
		seed           = flag.Int64("seed", cfg.Seed, "random seed for deterministic generation")
		anomalies      = flag.Bool("anomalies", true, "inject anomalies into the first constituency")
		malformedRate  = flag.Float64("malformed-rate", cfg.Anomalies.MalformedRowRate, "probability of a malformed row")
		outputDir      = flag.String("output-dir", ".", "directory to write the data tree and constituencies.json into")
	)
	flag.Parse()

	day, err := time.Parse(time.DateOnly, *date)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -date %q: %v\n", *date, err)
		os.Exit(2)
	}

	genCfg := generator.Config{
		Regions:                 *regions,
		ConstituenciesPerRegion: *constituencies,
		Election:                *election,
		Date:                    day,
		StartHour:               *startHour,
		Hours:                   *hours,
		TransactionsPerHour:     *perHour,
		RegisteredVoters:        *voters,
		Seed:                    *seed,
		Anomalies: generator.Anomalies{
			VotesExceedBulletins: *anomalies,
			VelocitySpike:        *anomalies,
			OffHoursBurst:        *anomalies,
			MalformedRowRate:     clampProbability(*malformedRate),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dataset, err := generator.New(genCfg).Generate(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generation failed: %v\n", err)
		os.Exit(1)
	}

	paths, err := generator.WriteDataset(dataset, *outputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to write dataset: %v\n", err)
		os.Exit(1)
	}

	rows := 0
	for _, export := range dataset.Exports {
		rows += len(export.Rows)
	}
	fmt.Fprintf(os.Stdout, "Generated %d exports (%d rows) for %d constituencies into %s\n",
		len(paths), rows, len(dataset.Constituencies), *outputDir)
}

func clampProbability(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
