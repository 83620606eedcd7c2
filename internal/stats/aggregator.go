// Package stats builds and sends the daily delivery statistics report.
package stats

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/core"
	"github.com/Cypherspark/campaign-dispatcher/internal/metrics"
	"github.com/Cypherspark/campaign-dispatcher/internal/notify"
	"go.uber.org/zap"
)

// Source provides per campaign and status attempt counts for [from, to).
type Source interface {
	DailyRollup(ctx context.Context, from, to time.Time) ([]core.RollupRow, error)
}

type Row struct {
	CampaignID *int64 // nil for attempts of deleted campaigns
	core.Counters
}

type Report struct {
	Day   time.Time
	Rows  []Row
	Total core.Counters
}

func (r *Report) Subject() string {
	return "statistics for " + r.Day.Format("02-01-2006")
}

// Render formats the report as an aligned plain-text table.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d attempts were scheduled for %s.\n\n", r.Total.Total(), r.Day.Format("02-01-2006"))
	b.WriteString("Campaign statistics:\n\n")

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Campaign\tScheduled\tDelivered\tNotDelivered\tCancelled\tTotal\t")
	for _, row := range r.Rows {
		writeRow(tw, campaignLabel(row.CampaignID), row.Counters)
	}
	writeRow(tw, "Total", r.Total)
	_ = tw.Flush()
	return b.String()
}

func writeRow(tw *tabwriter.Writer, label string, c core.Counters) {
	fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t\n", label, c.Scheduled, c.Delivered, c.NotDelivered, c.Cancelled, c.Total())
}

func campaignLabel(id *int64) string {
	if id == nil {
		return "deleted"
	}
	return strconv.FormatInt(*id, 10)
}

type Aggregator struct {
	src      Source
	notifier notify.Notifier
	to       []string
	loc      *time.Location
	log      *zap.Logger
}

func NewAggregator(src Source, n notify.Notifier, to []string, loc *time.Location, log *zap.Logger) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{src: src, notifier: n, to: to, loc: loc, log: log.Named("stats")}
}

// Build collects the report for the calendar day containing day, in the
// report timezone.
func (a *Aggregator) Build(ctx context.Context, day time.Time) (*Report, error) {
	d := day.In(a.loc)
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, a.loc)
	to := from.AddDate(0, 0, 1)

	rows, err := a.src.DailyRollup(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("daily rollup: %w", err)
	}

	byCampaign := map[int64]*Row{}
	var deleted *Row
	rep := &Report{Day: from}
	for _, rr := range rows {
		var row *Row
		if rr.CampaignID == nil {
			if deleted == nil {
				deleted = &Row{}
			}
			row = deleted
		} else {
			row = byCampaign[*rr.CampaignID]
			if row == nil {
				id := *rr.CampaignID
				row = &Row{CampaignID: &id}
				byCampaign[id] = row
			}
		}
		row.Add(rr.Status, rr.Count)
		rep.Total.Add(rr.Status, rr.Count)
	}
	for _, row := range byCampaign {
		rep.Rows = append(rep.Rows, *row)
	}
	sort.Slice(rep.Rows, func(i, j int) bool { return *rep.Rows[i].CampaignID < *rep.Rows[j].CampaignID })
	if deleted != nil {
		rep.Rows = append(rep.Rows, *deleted)
	}
	return rep, nil
}

// Run builds the report for day and sends it to the configured recipients.
func (a *Aggregator) Run(ctx context.Context, day time.Time) error {
	if len(a.to) == 0 {
		metrics.StatsRuns.WithLabelValues("skipped").Inc()
		a.log.Info("no report recipients configured, skipping")
		return nil
	}
	rep, err := a.Build(ctx, day)
	if err != nil {
		metrics.StatsRuns.WithLabelValues("error").Inc()
		return err
	}
	if err := a.notifier.Send(ctx, rep.Subject(), rep.Render(), a.to); err != nil {
		metrics.StatsRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("send report: %w", err)
	}
	metrics.StatsRuns.WithLabelValues("ok").Inc()
	a.log.Info("report sent",
		zap.String("day", rep.Day.Format(time.DateOnly)),
		zap.Int("campaigns", len(rep.Rows)),
		zap.Int("attempts", rep.Total.Total()),
	)
	return nil
}
