// Package generator writes synthetic constituency exports in the on-disk export layout.
package generator

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/extract"
	"github.com/vanshika/votetrace/internal/metadata"
)

// DataRoot is the directory name exports are written under.
const DataRoot = "data"

const (
	offHoursHour  = 2
	offHoursCount = 12
	spikeFactor   = 5
)

// Export is one generated CSV file.
type Export struct {
	// Path is relative to the output directory.
	Path           string
	ConstituencyID string
	Hour           time.Time
	Rows           [][]string
}

// Dataset contains the generated exports and the reference data they assume.
type Dataset struct {
	Exports        []Export              `json:"-"`
	Constituencies []domain.Constituency `json:"constituencies"`
}

// Generator produces synthetic exports.
type Generator struct {
	cfg  Config
	rand *rand.Rand
}

// New returns a configured Generator instance.
func New(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.Regions <= 0 {
		cfg.Regions = def.Regions
	}
	if cfg.ConstituenciesPerRegion <= 0 {
		cfg.ConstituenciesPerRegion = def.ConstituenciesPerRegion
	}
	if strings.TrimSpace(cfg.Election) == "" {
		cfg.Election = def.Election
	}
	if cfg.Date.IsZero() {
		cfg.Date = def.Date
	}
	if cfg.Hours <= 0 {
		cfg.Hours = def.Hours
	}
	if cfg.StartHour < 0 || cfg.StartHour+cfg.Hours > 24 {
		cfg.StartHour = def.StartHour
	}
	if cfg.TransactionsPerHour <= 0 {
		cfg.TransactionsPerHour = def.TransactionsPerHour
	}
	if cfg.RegisteredVoters <= 0 {
		cfg.RegisteredVoters = def.RegisteredVoters
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	cfg.Date = time.Date(cfg.Date.Year(), cfg.Date.Month(), cfg.Date.Day(), 0, 0, 0, 0, time.UTC)

	return &Generator{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Generate synthesises one export per constituency and hour. Injected anomalies land in
// the first constituency. It respects context cancellation.
func (g *Generator) Generate(ctx context.Context) (Dataset, error) {
	var ds Dataset
	for r := 0; r < g.cfg.Regions; r++ {
		regionID := r + 1
		regionName := regionNames[r%len(regionNames)]
		for c := 0; c < g.cfg.ConstituenciesPerRegion; c++ {
			if err := ctx.Err(); err != nil {
				return Dataset{}, err
			}
			name := constituencyNames[(r*g.cfg.ConstituenciesPerRegion+c)%len(constituencyNames)]
			id := fmt.Sprintf("%s%d%02d", strings.ToUpper(name[:3]), regionID, c+1)
			ds.Constituencies = append(ds.Constituencies, domain.Constituency{
				ID:               id,
				Name:             name,
				RegionID:         regionID,
				ElectionID:       g.cfg.Election,
				ElectionName:     g.cfg.Election,
				RegisteredVoters: g.cfg.RegisteredVoters,
				ElectionStart:    g.cfg.Date,
			})
			dir := filepath.Join(DataRoot, fmt.Sprintf("%d - %s", regionID, regionName), g.cfg.Election, name, id)
			ds.Exports = append(ds.Exports, g.constituency(dir, id, r == 0 && c == 0)...)
		}
	}
	return ds, nil
}

func (g *Generator) constituency(dir, id string, inject bool) []Export {
	var (
		exports []Export
		height  = int64(1_000_000 + g.rand.Intn(1000))
		prev    int
	)
	an := g.cfg.Anomalies

	if inject && an.OffHoursBurst {
		hour := g.cfg.Date.Add(offHoursHour * time.Hour)
		exports = append(exports, g.export(dir, id, hour, offHoursCount/2, offHoursCount/2, &height))
	}

	for i := 0; i < g.cfg.Hours; i++ {
		hour := g.cfg.Date.Add(time.Duration(g.cfg.StartHour+i) * time.Hour)
		count := g.jitter(g.cfg.TransactionsPerHour)
		last := i == g.cfg.Hours-1
		if inject && an.VelocitySpike && last && i > 0 {
			count = prev * spikeFactor
		}
		bulletins := (count + 1) / 2
		votes := count - bulletins
		if inject && an.VotesExceedBulletins && i == 1 {
			votes = bulletins + 5
			count = bulletins + votes
		}
		exports = append(exports, g.export(dir, id, hour, bulletins, votes, &height))
		prev = count
	}
	return exports
}

func (g *Generator) export(dir, id string, hour time.Time, bulletins, votes int, height *int64) Export {
	meta := domain.FileMetadata{
		ConstituencyID: id,
		Date:           g.cfg.Date,
		TimeRange:      fmt.Sprintf("%02d00-%02d00", hour.Hour(), hour.Hour()+1),
	}
	name := metadata.FormatFilename(meta)
	stem := strings.TrimSuffix(name, filepath.Ext(name))

	total := bulletins + votes
	ops := make([]domain.TransactionType, 0, total)
	for i := 0; i < bulletins; i++ {
		ops = append(ops, domain.TransactionTypeBulletinIssue)
	}
	for i := 0; i < votes; i++ {
		ops = append(ops, domain.TransactionTypeVote)
	}
	g.rand.Shuffle(len(ops), func(a, b int) { ops[a], ops[b] = ops[b], ops[a] })

	step := time.Hour / time.Duration(total+1)
	rows := make([][]string, 0, total)
	for i, op := range ops {
		*height += int64(1 + g.rand.Intn(3))
		ts := hour.Add(time.Duration(i+1) * step)
		txID := fmt.Sprintf("0x%s%02d%06d", strings.ToLower(id), hour.Hour(), i)
		row := g.row(txID, *height, ts, op, i)
		if g.cfg.Anomalies.MalformedRowRate > 0 && g.rand.Float64() < g.cfg.Anomalies.MalformedRowRate {
			row = g.malform(row)
		}
		rows = append(rows, row)
	}

	return Export{
		Path:           filepath.Join(dir, stem, name),
		ConstituencyID: id,
		Hour:           hour,
		Rows:           rows,
	}
}

func (g *Generator) row(txID string, height int64, ts time.Time, op domain.TransactionType, seq int) []string {
	row := make([]string, extract.MinColumns)
	row[extract.ColumnID] = txID
	row[1] = g.address()
	row[2] = g.address()
	row[extract.ColumnBlockHeight] = strconv.FormatInt(height, 10)
	row[extract.ColumnTimestamp] = strconv.FormatInt(ts.UnixMilli(), 10)
	row[5] = strconv.Itoa(21000 + g.rand.Intn(5000))
	row[6] = "0"
	row[7] = g.address()
	row[extract.ColumnRawFields] = fmt.Sprintf(
		`[{"key":"%s","value":{"stringValue":"%s"}},{"key":"sender","value":{"stringValue":"%s"}}]`,
		extract.OperationKey, op, row[1])
	row[extract.ColumnOperationFields] = fmt.Sprintf(
		`[{"key":"ballot","value":{"stringValue":"b-%d"}},{"key":"weight","value":{"intValue":1}}]`, seq)
	row[10] = "confirmed"
	row[11] = ""
	return row
}

func (g *Generator) malform(row []string) []string {
	switch g.rand.Intn(3) {
	case 0:
		return row[:extract.MinColumns-2]
	case 1:
		row[extract.ColumnRawFields] = `[{"key":"operation","value":{"stringValue":"vote"}`
	default:
		row[extract.ColumnTimestamp] = "not-a-timestamp"
	}
	return row
}

func (g *Generator) jitter(n int) int {
	spread := n / 5
	if spread == 0 {
		return n
	}
	return n - spread + g.rand.Intn(2*spread+1)
}

func (g *Generator) address() string {
	const hex = "0123456789abcdef"
	var b strings.Builder
	b.WriteString("0x")
	for i := 0; i < 40; i++ {
		b.WriteByte(hex[g.rand.Intn(len(hex))])
	}
	return b.String()
}

var regionNames = []string{"North", "South", "East", "West", "Central", "Coastal"}

var constituencyNames = []string{
	"Riverside", "Hillcrest", "Oakfield", "Marshgate", "Stonebridge", "Elmwood",
	"Brookvale", "Ashford", "Kingsmere", "Larkhill", "Westholm", "Fairhaven",
}
